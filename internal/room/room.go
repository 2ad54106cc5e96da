// Package room tracks which participants are in which room.
//
// A Store is the source of truth for rosters. MemoryStore serves a single
// relay instance; RedisStore lets several instances share membership.
package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidCode  = errors.New("invalid room code")
	ErrRoomFull     = errors.New("room is full")
	ErrTooManyRooms = errors.New("too many rooms")
	ErrNotMember    = errors.New("not a member of the room")
)

const (
	MaxCodeLength = 64
	newCodeLength = 6
	codeAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsHost   bool      `json:"isHost"`
	Muted    bool      `json:"muted"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Store is a room membership registry. Every mutating call returns the roster
// after the change, ordered by join time.
type Store interface {
	// Join adds p to room, replacing any entry with the same ID.
	Join(ctx context.Context, room string, p Participant) ([]Participant, error)
	// Leave removes id from room. It returns ErrNotMember (with the current
	// roster) when id was not present. Empty rooms are deleted.
	Leave(ctx context.Context, room, id string) ([]Participant, error)
	// SetMuted updates the muted flag of every listed member; unknown ids are
	// ignored.
	SetMuted(ctx context.Context, room string, ids []string, muted bool) ([]Participant, error)
	Members(ctx context.Context, room string) ([]Participant, error)
	Close() error
}

// Limits caps the registry. Values <= 0 mean unlimited.
type Limits struct {
	MaxRooms               int
	MaxParticipantsPerRoom int
}

// NormalizeCode trims and upper-cases a room code and checks that it only
// uses [A-Z0-9_-].
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" || len(code) > MaxCodeLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, raw)
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidCode, raw)
		}
	}
	return code, nil
}

// NewCode returns a random 6 character room code.
func NewCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < newCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Find returns the participant with id from a roster.
func Find(roster []Participant, id string) (Participant, bool) {
	for _, p := range roster {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func sortRoster(roster []Participant) {
	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].JoinedAt.Before(roster[j].JoinedAt)
		}
		return roster[i].ID < roster[j].ID
	})
}
