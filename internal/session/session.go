// Package session owns the lifetime of logged-in sessions.
//
// SESSION LIFECYCLE:
// A session is created on successful authentication and holds one Ledger
// kept current by its own change feed subscription:
//
//	Open / Resume → Subscribe → Ledger.Run goroutine
//	Close (logout) / expiry → subscription closed → Ledger.Run returns
//
// The JWT handed to the client carries the session id as its jti. Because a
// signed token stays valid until it expires, ending a session is not enough
// on its own: the manager also remembers every closed id until the token
// that named it would have expired, and refuses to resume it. Without that
// list a logged-out token could recreate its session on the next request.
//
// WHY A MANAGER AND NOT A GLOBAL MAP?
// The manager owns goroutines (one Ledger.Run per session, the sweeper) and
// must tear them down on logout, expiry and server shutdown. Keeping the map,
// the closing set and the revocation list behind one mutex makes those three
// paths agree on which sessions are alive.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/feed"
	"github.com/sakif/expense-tracker/internal/ledger"
	"github.com/sakif/expense-tracker/internal/repository"
)

// Session is one logged-in client. It is safe to share between request
// goroutines: the Ledger synchronizes itself and the other fields are
// immutable after creation.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Ledger      *ledger.Ledger

	sub    *feed.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Done is closed once the session's ledger has stopped reconciling.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manager tracks live sessions and the ids of sessions ended by logout or
// expiry.
type Manager struct {
	store  repository.RecordStore
	broker *feed.Broker
	opts   ledger.Options
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closing  map[string]bool
	// revoked maps closed session ids to the expiry of the token that named
	// them. Entries are dropped by Sweep once that token can no longer
	// validate.
	revoked map[string]time.Time
}

// NewManager creates a Manager. store should be the feed-decorated store
// so ledger writes reach subscribers.
func NewManager(store repository.RecordStore, broker *feed.Broker, opts ledger.Options, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		broker:   broker,
		opts:     opts,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		closing:  make(map[string]bool),
		revoked:  make(map[string]time.Time),
	}
}

// TTL is how long a new session lives.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Open starts a new session for userID.
func (m *Manager) Open(ctx context.Context, userID, displayName string) (*Session, error) {
	now := m.now()
	return m.start(ctx, xid.New().String(), userID, displayName, now, now.Add(m.ttl))
}

// Resume returns the live session id, or recreates it when the server no
// longer holds it (for example after a restart) and the caller's token is
// still valid until expiresAt. A session that was closed is never
// recreated.
func (m *Manager) Resume(ctx context.Context, id, userID, displayName string, expiresAt time.Time) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	_, revoked := m.revoked[id]
	m.mu.Unlock()
	if revoked {
		return nil, apperror.Unauthorized("Session ended. Please log in again.")
	}
	if ok {
		if s.UserID != userID {
			return nil, apperror.Forbidden("session belongs to another user")
		}
		return s, nil
	}

	now := m.now()
	if !now.Before(expiresAt) {
		return nil, apperror.Unauthorized("Session expired. Please log in again.")
	}
	return m.start(ctx, id, userID, displayName, now, expiresAt)
}

func (m *Manager) start(ctx context.Context, id, userID, displayName string, createdAt, expiresAt time.Time) (*Session, error) {
	sub, err := m.broker.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		Ledger:      ledger.New(userID, m.store, m.opts, m.logger),
		sub:         sub,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if _, revoked := m.revoked[id]; revoked {
		// Closed while we were subscribing.
		m.mu.Unlock()
		cancel()
		sub.Close()
		return nil, apperror.Unauthorized("Session ended. Please log in again.")
	}
	if existing, ok := m.sessions[id]; ok {
		// Lost a race with a concurrent Resume of the same id.
		m.mu.Unlock()
		cancel()
		sub.Close()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	// Subscribe has already queued the current record; apply it here so the
	// session is usable as soon as it is returned.
	select {
	case ev := <-sub.Events():
		_ = s.Ledger.Reconcile(ev)
	default:
	}

	go func() {
		defer close(s.done)
		_ = s.Ledger.Run(runCtx, sub.Events())
	}()

	m.logger.Info("session opened",
		slog.String("sessionID", id),
		slog.String("userID", userID),
		slog.Time("expiresAt", expiresAt),
	)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, apperror.Unauthorized("Session not found. Please log in again.")
	}
	if s.Expired(m.now()) {
		m.Close(id)
		return nil, apperror.Unauthorized("Session expired. Please log in again.")
	}
	return s, nil
}

// Close ends a session: the subscription is torn down and the ledger stops
// reconciling. Writes already in flight finish on their own. The id is
// revoked until the session's expiry so its token cannot resume it.
// Closing an unknown session is a no-op; closing one already being closed
// is a conflict.
func (m *Manager) Close(id string) error {
	return m.close(id, time.Time{})
}

// Revoke ends the session id like Close and keeps it revoked until
// expiresAt even when the manager does not hold it, as after a restart.
func (m *Manager) Revoke(id string, expiresAt time.Time) error {
	return m.close(id, expiresAt)
}

func (m *Manager) close(id string, expiresAt time.Time) error {
	m.mu.Lock()
	if m.closing[id] {
		m.mu.Unlock()
		return apperror.Busy("logout")
	}
	s, ok := m.sessions[id]
	if ok && s.ExpiresAt.After(expiresAt) {
		expiresAt = s.ExpiresAt
	}
	if !expiresAt.IsZero() && expiresAt.After(m.revoked[id]) {
		m.revoked[id] = expiresAt
	}
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.closing[id] = true
	delete(m.sessions, id)
	m.mu.Unlock()

	s.cancel()
	s.sub.Close()

	m.mu.Lock()
	delete(m.closing, id)
	m.mu.Unlock()

	m.logger.Info("session closed",
		slog.String("sessionID", id),
		slog.String("userID", s.UserID),
	)
	return nil
}

// Sweep closes every session expired at now, forgets revoked ids whose
// tokens have expired, and returns how many sessions it closed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	for id, until := range m.revoked {
		if !now.Before(until) {
			delete(m.revoked, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Close(id)
	}
	if len(expired) > 0 {
		m.logger.Info("expired sessions swept", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
