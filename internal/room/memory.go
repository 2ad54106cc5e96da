package room

import (
	"context"
	"sync"
)

type MemoryStore struct {
	limits Limits

	mu    sync.Mutex
	rooms map[string]map[string]Participant
}

func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits: limits,
		rooms:  make(map[string]map[string]Participant),
	}
}

func (s *MemoryStore) Join(_ context.Context, room string, p Participant) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[room]
	if !ok {
		if s.limits.MaxRooms > 0 && len(s.rooms) >= s.limits.MaxRooms {
			return nil, ErrTooManyRooms
		}
		members = make(map[string]Participant)
		s.rooms[room] = members
	}
	if _, rejoin := members[p.ID]; !rejoin {
		if s.limits.MaxParticipantsPerRoom > 0 && len(members) >= s.limits.MaxParticipantsPerRoom {
			return s.rosterLocked(room), ErrRoomFull
		}
	}
	members[p.ID] = p
	return s.rosterLocked(room), nil
}

func (s *MemoryStore) Leave(_ context.Context, room, id string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[room]
	if _, ok := members[id]; !ok {
		return s.rosterLocked(room), ErrNotMember
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return s.rosterLocked(room), nil
}

func (s *MemoryStore) SetMuted(_ context.Context, room string, ids []string, muted bool) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[room]
	for _, id := range ids {
		if p, ok := members[id]; ok {
			p.Muted = muted
			members[id] = p
		}
	}
	return s.rosterLocked(room), nil
}

func (s *MemoryStore) Members(_ context.Context, room string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked(room), nil
}

// Rooms reports the number of non-empty rooms.
func (s *MemoryStore) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) rosterLocked(room string) []Participant {
	members := s.rooms[room]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sortRoster(out)
	return out
}
