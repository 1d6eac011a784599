// Package feed keeps the session's notification feed and unread counter.
//
// The feed slice is replaced as a whole on every change and never mutated once
// published, so a Snapshot can be handed to other goroutines without copying.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/metrics"
	"github.com/cargoline/opsdash/internal/notifications"
	"github.com/cargoline/opsdash/internal/reconcile"
)

// Client is the REST collaborator used by the store.
type Client interface {
	List(ctx context.Context, after *time.Time) (notifications.Page, error)
	MarkRead(ctx context.Context, id string) error
}

// Sink receives notifications that were newly inserted by a push or an
// incremental load.
type Sink interface {
	Publish(n notifications.Notification)
}

// Snapshot is a read-only view of the session state.
type Snapshot struct {
	Notifications  []notifications.Notification `json:"notifications"`
	UnreadCount    int                          `json:"unreadCount"`
	Connected      bool                         `json:"connected"`
	LastReceivedAt *time.Time                   `json:"lastReceivedAt"`
}

// Options configures a Store.
type Options struct {
	Logger *logger.Logger
	Sink   Sink

	// Now is the normalizer clock. Defaults to time.Now.
	Now func() time.Time
}

// Store owns the session state.
type Store struct {
	client Client
	logger *logger.Logger
	sink   Sink
	now    func() time.Time

	mu        sync.Mutex
	state     Snapshot
	closed    bool
	listeners map[int]func(Snapshot)
	nextID    int

	// publishMu serializes listener delivery so the last delivered snapshot is
	// always the latest state.
	publishMu sync.Mutex
}

// New creates an empty store.
func New(client Client, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		client:    client,
		logger:    opts.Logger.WithComponent("feed"),
		sink:      opts.Sink,
		now:       opts.Now,
		state:     Snapshot{Notifications: []notifications.Notification{}},
		listeners: make(map[int]func(Snapshot)),
	}
}

// Refresh replaces the feed with a full snapshot from the server.
func (s *Store) Refresh(ctx context.Context) error {
	page, err := s.client.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}

	rows := reconcile.Sort(page.Notifications)

	if !s.mutate(func(state *Snapshot) {
		state.Notifications = rows
		state.UnreadCount = page.UnreadCount
		state.LastReceivedAt = reconcile.Advance(state.LastReceivedAt, rows...)
	}) {
		s.logger.Debug("discarded refresh for closed store")
		return nil
	}

	s.logger.Debug("feed refreshed",
		slog.Int("count", len(rows)),
		slog.Int("unread_count", page.UnreadCount))
	return nil
}

// LoadIncremental merges notifications newer than after into the feed. A nil
// after fetches everything but still merges rather than replacing.
func (s *Store) LoadIncremental(ctx context.Context, after *time.Time) error {
	page, err := s.client.List(ctx, after)
	if err != nil {
		return fmt.Errorf("load incremental notifications: %w", err)
	}

	var inserted []notifications.Notification
	if !s.mutate(func(state *Snapshot) {
		result := reconcile.Merge(state.Notifications, page.Notifications)
		for _, n := range result.Rows {
			if result.Inserted(n.ID) {
				inserted = append(inserted, n)
			}
		}
		state.Notifications = result.Rows
		state.UnreadCount = page.UnreadCount
		state.LastReceivedAt = reconcile.Advance(state.LastReceivedAt, page.Notifications...)
	}) {
		s.logger.Debug("discarded incremental load for closed store")
		return nil
	}

	s.emit(inserted...)
	s.logger.Debug("incremental load merged",
		slog.Int("received", len(page.Notifications)),
		slog.Int("inserted", len(inserted)),
		slog.Int("unread_count", page.UnreadCount))
	return nil
}

// MarkAsRead flips the notification to read locally and acknowledges it on the
// server. The acknowledgement is sent even if the item is already read or not
// in the feed. When it fails the store resyncs with a full Refresh instead of
// rolling back, and the acknowledgement error is returned.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	s.mutate(func(state *Snapshot) {
		for i, n := range state.Notifications {
			if n.ID != id {
				continue
			}
			if n.Read {
				return
			}
			rows := make([]notifications.Notification, len(state.Notifications))
			copy(rows, state.Notifications)
			rows[i].Read = true
			state.Notifications = rows
			state.UnreadCount = max(state.UnreadCount-1, 0)
			return
		}
	})

	err := s.client.MarkRead(ctx, id)
	if err == nil {
		metrics.MarkRead.WithLabelValues(metrics.ResultOK).Inc()
		return nil
	}

	metrics.MarkRead.WithLabelValues(metrics.ResultResync).Inc()
	s.logger.Warn("mark as read failed, resyncing feed",
		slog.String("notification_id", id),
		slog.String("error", err.Error()))

	if refreshErr := s.Refresh(ctx); refreshErr != nil {
		s.logger.Warn("resync after mark as read failed", slog.String("error", refreshErr.Error()))
	}

	return fmt.Errorf("mark notification %s read: %w", id, err)
}

// ApplyPush merges one raw push payload. It reports whether the notification
// was new to the feed; malformed payloads are dropped.
func (s *Store) ApplyPush(raw []byte) bool {
	n, ok := notifications.NormalizeJSON(raw, s.now())
	if !ok {
		metrics.PushEvents.WithLabelValues(metrics.ResultDropped).Inc()
		s.logger.Debug("dropped malformed push payload", slog.Int("bytes", len(raw)))
		return false
	}
	metrics.PushEvents.WithLabelValues(metrics.ResultAccepted).Inc()

	inserted := false
	if !s.mutate(func(state *Snapshot) {
		result := reconcile.Merge(state.Notifications, []notifications.Notification{n})
		inserted = result.Inserted(n.ID)
		state.Notifications = result.Rows
		if inserted && !n.Read {
			state.UnreadCount++
		}
		state.LastReceivedAt = reconcile.Advance(state.LastReceivedAt, n)
	}) {
		return false
	}

	if inserted {
		s.emit(n)
	}
	return inserted
}

// SetConnected records the push channel state.
func (s *Store) SetConnected(connected bool) {
	s.mutate(func(state *Snapshot) {
		state.Connected = connected
	})
}

// Watermark returns the newest CreatedAt observed, or nil.
func (s *Store) Watermark() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastReceivedAt
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive the state after every change. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close resets the store to its empty state and discards every later
// mutation. Subscribers receive the empty state once.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Snapshot{Notifications: []notifications.Notification{}}
	listeners := s.snapshotListeners()
	s.listeners = make(map[int]func(Snapshot))
	s.mu.Unlock()

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	for _, fn := range listeners {
		fn(Snapshot{Notifications: []notifications.Notification{}})
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mutate applies fn to a copy of the state and publishes the result. It
// returns false without calling fn once the store is closed.
func (s *Store) mutate(fn func(state *Snapshot)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	next := s.state
	fn(&next)
	s.state = next
	s.mu.Unlock()

	s.publish()
	return true
}

func (s *Store) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.state
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Store) snapshotListeners() []func(Snapshot) {
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (s *Store) emit(inserted ...notifications.Notification) {
	if len(inserted) == 0 {
		return
	}
	metrics.FeedInserted.Add(float64(len(inserted)))
	if s.sink == nil {
		return
	}
	for _, n := range inserted {
		s.sink.Publish(n)
	}
}
