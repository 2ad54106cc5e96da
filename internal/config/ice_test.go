package config

import (
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestICEServerResolution(t *testing.T) {
	t.Parallel()

	const (
		stun = "stun:stun.moodsync.test:3478"
		turn = "turn:turn.moodsync.test:3478?transport=udp"
	)

	type input struct {
		json, stun, turn, user, cred string
		turnREST                     bool
	}
	for _, tc := range []struct {
		name string
		in   input
		want []webrtc.ICEServer
	}{
		{
			name: "default public stun",
			want: []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}},
		},
		{
			name: "json with turn credentials",
			in: input{json: `[
			  {"urls": ["` + stun + `"]},
			  {"urls": ["` + turn + `"], "username": "user", "credential": "pass"}
			]`},
			want: []webrtc.ICEServer{
				{URLs: []string{stun}},
				{URLs: []string{turn}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "json single string urls",
			in:   input{json: `[{"urls": "` + stun + `"}]`},
			want: []webrtc.ICEServer{{URLs: []string{stun}}},
		},
		{
			name: "json wins over convenience vars",
			in:   input{json: `[{"urls":"stun:a.moodsync.test"}]`, stun: "stun:b.moodsync.test"},
			want: []webrtc.ICEServer{{URLs: []string{"stun:a.moodsync.test"}}},
		},
		{
			name: "json turn without credentials under turn rest",
			in:   input{json: `[{"urls":["` + turn + `"]}]`, turnREST: true},
			want: []webrtc.ICEServer{{URLs: []string{turn}}},
		},
		{
			name: "convenience vars",
			in:   input{stun: stun + ", ", turn: turn, user: "user", cred: "pass"},
			want: []webrtc.ICEServer{
				{URLs: []string{stun}},
				{URLs: []string{turn}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "convenience turn without credentials under turn rest",
			in:   input{turn: turn, turnREST: true},
			want: []webrtc.ICEServer{{URLs: []string{turn}}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseICEServersFromValues(tc.in.json, tc.in.stun, tc.in.turn, tc.in.user, tc.in.cred, tc.in.turnREST)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("servers=%#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestICEServerResolutionRejects(t *testing.T) {
	t.Parallel()

	for name, args := range map[string][5]string{
		"json turn without credentials": {`[{"urls":["turn:turn.moodsync.test:3478"]}]`},
		"json https url":                {`[{"urls":["https://moodsync.test"]}]`},
		"json url without scheme":       {`[{"urls":["moodsync.test"]}]`},
		"json empty urls":               {`[{"urls":[]}]`},
		"json object instead of list":   {`{"urls":"stun:moodsync.test"}`},
		"turn without credential":       {"", "", "turn:turn.moodsync.test:3478", "user", ""},
		"turn without username":         {"", "", "turn:turn.moodsync.test:3478", "", "pass"},
		"stun var with bad scheme":      {"", "http://moodsync.test"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := parseICEServersFromValues(args[0], args[1], args[2], args[3], args[4], false); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
