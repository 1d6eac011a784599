package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cargoline/opsdash/internal/feed"
	"github.com/cargoline/opsdash/internal/notifications"
)

// ErrNoSession is returned by actions that need a credential when none is set.
var ErrNoSession = errors.New("no active notification session")

// Manager follows the current credential: setting one bootstraps a session,
// changing it replaces the session and clearing it tears everything down.
// Subscriptions survive session changes.
type Manager struct {
	opts Options

	mu         sync.Mutex
	credential string
	current    *Session
	detach     func()

	listenersMu sync.Mutex
	listeners   map[int]func(feed.Snapshot)
	nextID      int
}

// NewManager creates a manager with no session.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:      opts,
		listeners: make(map[int]func(feed.Snapshot)),
	}
}

// SetCredential switches to credential. An empty credential tears the current
// session down; the same credential again is a no-op.
func (m *Manager) SetCredential(ctx context.Context, credential string) {
	credential = strings.TrimSpace(credential)

	m.mu.Lock()
	defer m.mu.Unlock()

	if credential == m.credential && (credential == "" || m.current != nil) {
		return
	}

	m.teardownLocked()
	m.credential = credential
	if credential == "" {
		return
	}

	s := Bootstrap(ctx, m.opts, credential)
	m.detach = s.Store().Subscribe(m.broadcast)
	m.current = s
}

// Close tears down the current session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.credential = ""
}

func (m *Manager) teardownLocked() {
	if m.current == nil {
		return
	}
	m.current.Teardown()
	if m.detach != nil {
		m.detach()
		m.detach = nil
	}
	m.current = nil
	m.broadcast(feed.Snapshot{Notifications: []notifications.Notification{}})
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	return m.session() != nil
}

// Snapshot returns the current state, empty when there is no session.
func (m *Manager) Snapshot() feed.Snapshot {
	if s := m.session(); s != nil {
		return s.Store().Snapshot()
	}
	return feed.Snapshot{Notifications: []notifications.Notification{}}
}

// Refresh reloads the full feed.
func (m *Manager) Refresh(ctx context.Context) error {
	s := m.session()
	if s == nil {
		return ErrNoSession
	}
	return s.Store().Refresh(ctx)
}

// MarkAsRead marks id read. See feed.Store.MarkAsRead.
func (m *Manager) MarkAsRead(ctx context.Context, id string) error {
	s := m.session()
	if s == nil {
		return ErrNoSession
	}
	return s.Store().MarkAsRead(ctx, id)
}

// DisconnectedSeconds reports how long the push channel has been down, for
// the disconnected-seconds gauge.
func (m *Manager) DisconnectedSeconds() float64 {
	s := m.session()
	if s == nil {
		return 0
	}
	return s.DisconnectedFor().Seconds()
}

// Subscribe registers fn for state changes of the current and future sessions.
func (m *Manager) Subscribe(fn func(feed.Snapshot)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) broadcast(snapshot feed.Snapshot) {
	m.listenersMu.Lock()
	listeners := make([]func(feed.Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (m *Manager) session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
