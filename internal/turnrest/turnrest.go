// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (use-auth-secret / static-auth-secret):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
}

type Generator struct {
	sharedSecret   []byte
	ttl            int64
	usernamePrefix string
	now            func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("TTLSeconds must be > 0")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("UsernamePrefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

// Generate mints credentials bound to sessionID. An empty sessionID gets a
// random one.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := strconv.FormatInt(expiry, 10) + ":" + g.usernamePrefix + ":" + sessionID
	return Credentials{
		Username:   username,
		Credential: Sign(g.sharedSecret, username),
		ExpiryUnix: expiry,
	}, nil
}

// ICEServers returns a copy of servers with freshly minted credentials set on
// every entry that has a TURN url. STUN-only entries are left untouched.
func (g *Generator) ICEServers(servers []webrtc.ICEServer, sessionID string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)

	var creds *Credentials
	for i := range out {
		if !hasTURNURL(out[i]) {
			continue
		}
		if creds == nil {
			c, err := g.Generate(sessionID)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
		out[i].CredentialType = webrtc.ICECredentialTypePassword
	}
	return out, nil
}

func Sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// Source hands out the configured ICE servers. When Generator is set, TURN
// entries carry credentials minted for the requesting session.
type Source struct {
	Servers   []webrtc.ICEServer
	Generator *Generator
}

func (s Source) For(sessionID string) ([]webrtc.ICEServer, error) {
	if s.Generator == nil {
		out := make([]webrtc.ICEServer, len(s.Servers))
		copy(out, s.Servers)
		return out, nil
	}
	return s.Generator.ICEServers(s.Servers, sessionID)
}
