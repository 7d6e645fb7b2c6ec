package storage

import (
	"context"
	"sync"
)

// Memory keeps users in process memory. It requires an id but enforces no
// uniqueness, so a redelivered event produces a second entity.
type Memory struct {
	mu    sync.Mutex
	users []User
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Begin(context.Context) (Scope, error) {
	return &memoryScope{store: m}, nil
}

// All returns a copy of every committed user.
func (m *Memory) All() []User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]User(nil), m.users...)
}

func (m *Memory) FindByPhoneNumber(phone string) []User {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.users {
		if u.PhoneNumber == phone {
			out = append(out, u)
		}
	}
	return out
}

type memoryScope struct {
	store   *Memory
	pending []User
	done    bool
}

func (s *memoryScope) Users() Users {
	return memoryUsers{scope: s}
}

func (s *memoryScope) Commit(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.users = append(s.store.users, s.pending...)
	s.pending = nil
	return nil
}

func (s *memoryScope) Rollback(context.Context) error {
	if !s.done {
		s.done = true
		s.pending = nil
	}
	return nil
}

type memoryUsers struct {
	scope *memoryScope
}

func (u memoryUsers) Add(_ context.Context, user User) error {
	if user.ID == "" {
		return ErrMissingKey
	}
	u.scope.pending = append(u.scope.pending, user)
	return nil
}
