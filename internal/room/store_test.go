package room

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type storeFactory func(t *testing.T, limits Limits) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T, limits Limits) Store { return NewMemoryStore(limits) },
	}
	if url := os.Getenv("MOODSYNC_TEST_REDIS_URL"); url != "" {
		out["redis"] = func(t *testing.T, limits Limits) Store {
			opts, err := redis.ParseURL(url)
			if err != nil {
				t.Fatalf("ParseURL: %v", err)
			}
			client := redis.NewClient(opts)
			if err := client.Ping(context.Background()).Err(); err != nil {
				t.Fatalf("redis ping: %v", err)
			}
			s := NewRedisStore(client, "moodsynctest"+strings.ReplaceAll(uuid.NewString(), "-", ""), limits)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

func participant(id string, at int64) Participant {
	return Participant{ID: id, Name: "user-" + id, JoinedAt: time.Unix(at, 0).UTC()}
}

func ids(roster []Participant) string {
	var b strings.Builder
	for i, p := range roster {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.ID)
	}
	return b.String()
}

func TestStoreJoinLeave(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, Limits{})

			roster, err := s.Join(ctx, "ABC", participant("b", 2))
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if ids(roster) != "b" {
				t.Fatalf("roster=%s, want b", ids(roster))
			}

			if _, err := s.Join(ctx, "ABC", participant("c", 2)); err != nil {
				t.Fatalf("Join: %v", err)
			}
			roster, err = s.Join(ctx, "ABC", participant("a", 1))
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if ids(roster) != "a,b,c" {
				t.Fatalf("roster=%s, want ordering by joinedAt then id", ids(roster))
			}

			roster, err = s.Leave(ctx, "ABC", "b")
			if err != nil {
				t.Fatalf("Leave: %v", err)
			}
			if ids(roster) != "a,c" {
				t.Fatalf("roster=%s, want a,c", ids(roster))
			}

			roster, err = s.Leave(ctx, "ABC", "b")
			if !errors.Is(err, ErrNotMember) {
				t.Fatalf("err=%v, want ErrNotMember", err)
			}
			if ids(roster) != "a,c" {
				t.Fatalf("roster=%s, want a,c", ids(roster))
			}

			_, _ = s.Leave(ctx, "ABC", "a")
			roster, err = s.Leave(ctx, "ABC", "c")
			if err != nil || len(roster) != 0 {
				t.Fatalf("roster=%v err=%v, want empty roster", roster, err)
			}
			roster, err = s.Members(ctx, "ABC")
			if err != nil || len(roster) != 0 {
				t.Fatalf("members=%v err=%v, want empty", roster, err)
			}
		})
	}
}

func TestStoreRejoinReplaces(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, Limits{MaxParticipantsPerRoom: 1})

			if _, err := s.Join(ctx, "R", participant("a", 1)); err != nil {
				t.Fatalf("Join: %v", err)
			}
			p := participant("a", 1)
			p.Name = "renamed"
			p.IsHost = true
			roster, err := s.Join(ctx, "R", p)
			if err != nil {
				t.Fatalf("rejoin should not count against the limit: %v", err)
			}
			if len(roster) != 1 || roster[0].Name != "renamed" || !roster[0].IsHost {
				t.Fatalf("roster=%+v", roster)
			}
		})
	}
}

func TestStoreLimits(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, Limits{MaxRooms: 1, MaxParticipantsPerRoom: 2})

			if _, err := s.Join(ctx, "ONE", participant("a", 1)); err != nil {
				t.Fatalf("Join: %v", err)
			}
			if _, err := s.Join(ctx, "ONE", participant("b", 2)); err != nil {
				t.Fatalf("Join: %v", err)
			}
			roster, err := s.Join(ctx, "ONE", participant("c", 3))
			if !errors.Is(err, ErrRoomFull) {
				t.Fatalf("err=%v, want ErrRoomFull", err)
			}
			if ids(roster) != "a,b" {
				t.Fatalf("roster=%s, want unchanged a,b", ids(roster))
			}

			if _, err := s.Join(ctx, "TWO", participant("d", 4)); !errors.Is(err, ErrTooManyRooms) {
				t.Fatalf("err=%v, want ErrTooManyRooms", err)
			}

			_, _ = s.Leave(ctx, "ONE", "a")
			_, _ = s.Leave(ctx, "ONE", "b")
			if _, err := s.Join(ctx, "TWO", participant("d", 4)); err != nil {
				t.Fatalf("room slot should be released once empty: %v", err)
			}
		})
	}
}

func TestStoreSetMuted(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, Limits{})
			for i, id := range []string{"a", "b", "c"} {
				if _, err := s.Join(ctx, "M", participant(id, int64(i))); err != nil {
					t.Fatalf("Join: %v", err)
				}
			}

			roster, err := s.SetMuted(ctx, "M", []string{"b", "c", "ghost"}, true)
			if err != nil {
				t.Fatalf("SetMuted: %v", err)
			}
			if len(roster) != 3 || roster[0].Muted || !roster[1].Muted || !roster[2].Muted {
				t.Fatalf("roster=%+v", roster)
			}

			roster, err = s.SetMuted(ctx, "M", []string{"c"}, false)
			if err != nil {
				t.Fatalf("SetMuted: %v", err)
			}
			if c, _ := Find(roster, "c"); c.Muted {
				t.Fatalf("expected c unmuted: %+v", roster)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"abc123":      "ABC123",
		"  room-1_x ": "ROOM-1_X",
		"Z":           "Z",
	}
	for raw, want := range cases {
		got, err := NormalizeCode(raw)
		if err != nil || got != want {
			t.Fatalf("NormalizeCode(%q)=%q,%v want %q", raw, got, err, want)
		}
	}
	for _, raw := range []string{"", "   ", "has space", "emoji😀", "a.b", strings.Repeat("A", MaxCodeLength+1)} {
		if _, err := NormalizeCode(raw); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("NormalizeCode(%q) err=%v, want ErrInvalidCode", raw, err)
		}
	}
}

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := NewCode()
		if err != nil {
			t.Fatalf("NewCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("len(%q)=%d, want 6", code, len(code))
		}
		if norm, err := NormalizeCode(code); err != nil || norm != code {
			t.Fatalf("NewCode produced non-normalized code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Fatalf("expected mostly distinct codes, got %d/50", len(seen))
	}
}
