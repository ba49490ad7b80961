package recorder

import (
	"context"
	"sync"
)

// Store persists rooms. Upsert reports whether the room was newly created;
// on an existing room it updates status and end time, adds missing
// participants and refreshes leftAt on known ones.
type Store interface {
	Upsert(ctx context.Context, room *Room) (created bool, err error)
}

// MemoryStore keeps rooms in process. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Room)}
}

func (s *MemoryStore) Upsert(_ context.Context, room *Room) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rooms[room.ID]
	if !ok {
		cp := *room
		cp.Participants = append([]Participant(nil), room.Participants...)
		s.rooms[room.ID] = &cp
		return true, nil
	}

	existing.Status = room.Status
	existing.EndedAt = room.EndedAt
	for _, p := range room.Participants {
		found := false
		for i := range existing.Participants {
			if existing.Participants[i].UserID == p.UserID {
				if p.LeftAt != nil {
					existing.Participants[i].LeftAt = p.LeftAt
				}
				found = true
				break
			}
		}
		if !found {
			existing.Participants = append(existing.Participants, p)
		}
	}
	return false, nil
}

// Room returns a copy of the stored room, or nil.
func (s *MemoryStore) Room(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	cp := *r
	cp.Participants = append([]Participant(nil), r.Participants...)
	return &cp
}

// Len returns the number of stored rooms.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
