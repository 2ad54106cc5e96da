package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MOODSYNC_ICE_SERVERS_JSON"

	envStunURLs       = "MOODSYNC_STUN_URLS"
	envTurnURLs       = "MOODSYNC_TURN_URLS"
	envTurnUsername   = "MOODSYNC_TURN_USERNAME"
	envTurnCredential = "MOODSYNC_TURN_CREDENTIAL"

	// DefaultSTUNURL is handed to clients when no ICE servers are configured,
	// so two browsers behind ordinary NATs can still find each other.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

// DefaultICEServers returns the ICE server list used when nothing is
// configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
}

// parseICEServersFromValues resolves the ICE server list. The JSON form wins
// over the convenience variables; with neither set the default STUN server is
// used. turnREST relaxes the credential requirement on TURN entries because
// credentials are minted per socket.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnREST)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both `"urls": "stun:..."` and
// `"urls": ["stun:..."]`, as RTCIceServer does in browsers.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates MOODSYNC_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitTrimmed(entry.URLs),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := validateICEServer(server, allowMissingTURNCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// comma-separated STUN/TURN variables.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitTrimmed(strings.Split(stunURLs, ",")); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server, allowMissingTURNCreds); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	turn := splitTrimmed(strings.Split(turnURLs, ","))
	if len(turn) == 0 {
		return servers, nil
	}

	turnUsername = strings.TrimSpace(turnUsername)
	turnCredential = strings.TrimSpace(turnCredential)
	if !allowMissingTURNCreds && (turnUsername == "" || turnCredential == "") {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}

	server := webrtc.ICEServer{URLs: turn, Username: turnUsername}
	if turnCredential != "" {
		server.Credential = turnCredential
	}
	if err := validateICEServer(server, allowMissingTURNCreds); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, server), nil
}

func splitTrimmed(parts []string) []string {
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowMissingTURNCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	hasTURN := false
	for _, u := range server.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			hasTURN = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if !hasTURN || allowMissingTURNCreds {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
