package auth

import (
	"context"
	"sync"
)

// Memory is an in-process SessionValidator and Directory for the
// single-process deployment mode and for tests, where no external auth
// database is available.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]*User  // user id -> user
	sessions map[string]string // session token -> user id
}

// NewMemory creates an empty in-memory identity source.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		sessions: make(map[string]string),
	}
}

// AddUser registers a user.
func (m *Memory) AddUser(user *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[cp.ID] = &cp
}

// AddSession binds a session token to a user id.
func (m *Memory) AddSession(token, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = userID
}

func (m *Memory) ValidateSession(ctx context.Context, token string) (*User, error) {
	m.mu.RLock()
	userID, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetUser(ctx, userID)
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}
