// Package session holds the single live exam session of a node: its id,
// shared symmetric key and role.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/postalsys/examcast/internal/crypto"
	"github.com/postalsys/examcast/internal/protocol"
)

// Role identifies how this node takes part in a session. It is the same
// value carried as senderRole on the wire.
type Role = protocol.Role

const (
	// RoleBroadcaster originates messages and hands out the key.
	RoleBroadcaster = protocol.RoleBroadcaster
	// RoleReceiver joined with externally supplied material.
	RoleReceiver = protocol.RoleReceiver
)

var (
	// ErrEmptyID is returned by Join for a blank session id.
	ErrEmptyID = errors.New("session id is empty")
	// ErrInvalidKey is returned by Join for a key that is not 64 hex chars.
	ErrInvalidKey = errors.New("session key is invalid")
	// ErrNoSession is returned when an operation needs a live session.
	ErrNoSession = errors.New("no active session")
)

// Session is the (id, key, role) triple identifying one exam instance.
type Session struct {
	ID   string
	Key  string
	Role Role
}

// String returns a log-safe rendering without the key.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.ID, s.Role)
}

// Manager holds at most one active session. Start and Join replace any
// session already held.
type Manager struct {
	mu      sync.RWMutex
	current *Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{}
}

// Start creates a broadcaster session with a fresh id and key.
func (m *Manager) Start() (*Session, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{
		ID:   uuid.NewString(),
		Key:  key,
		Role: RoleBroadcaster,
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	return copySession(s), nil
}

// Join stores a receiver session from material obtained out of band.
// Only the shape of the material is checked.
func (m *Manager) Join(id, key string) (*Session, error) {
	id = strings.TrimSpace(id)
	key = strings.ToLower(strings.TrimSpace(key))

	if id == "" {
		return nil, ErrEmptyID
	}
	if err := crypto.ValidateKey(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	s := &Session{ID: id, Key: key, Role: RoleReceiver}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	return copySession(s), nil
}

// Current returns a copy of the active session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil, false
	}
	return copySession(m.current), true
}

// Active reports whether a session is live.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// End clears the active session. The caller tears down the router.
func (m *Manager) End() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}
