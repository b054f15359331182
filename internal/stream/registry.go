package stream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/verification"
)

// ErrDuplicateConnection is returned when a connection id is already registered.
var ErrDuplicateConnection = errors.New("connection already has a stream session")

// Registry maps connection identity to its Session. A session exists exactly
// between Open and the call of the dispose func Open returns.
type Registry struct {
	verifier verification.Verifier
	logger   *zap.Logger
	counters counters

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(verifier verification.Verifier, logger *zap.Logger) *Registry {
	return &Registry{
		verifier: verifier,
		logger:   logger.Named("stream_registry"),
		sessions: make(map[string]*Session),
	}
}

// Open creates the session for connectionID. The returned dispose func cancels
// all of the session's work and removes it; it is idempotent and should be
// deferred by the connection handler.
func (r *Registry) Open(ctx context.Context, connectionID string, sink Sink) (*Session, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connectionID]; exists {
		return nil, nil, logging.NewOperationError("stream.open", connectionID, ErrDuplicateConnection)
	}

	sessionLogger := logging.WithConnection(r.logger.Named("stream_session"), connectionID)
	session := newSession(ctx, connectionID, r.verifier, sink, sessionLogger, &r.counters)
	r.sessions[connectionID] = session
	r.counters.sessionsOpened.Add(1)
	sessionLogger.Info("stream session opened")

	dispose := sync.OnceFunc(func() { r.dispose(session) })
	return session, dispose, nil
}

func (r *Registry) dispose(session *Session) {
	r.mu.Lock()
	current, registered := r.sessions[session.id]
	registered = registered && current == session
	if registered {
		delete(r.sessions, session.id)
	}
	r.mu.Unlock()

	session.Close()
	if registered {
		r.counters.sessionsClosed.Add(1)
		session.logger.Info("stream session disposed")
	}
}

// Get returns the live session for connectionID.
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[connectionID]
	return session, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll disposes every live session; used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		r.dispose(session)
	}
}

// Stats returns the registry counters.
func (r *Registry) Stats() Stats {
	return r.counters.snapshot(r.Len())
}
