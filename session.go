package mcpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// newSessionID generates session identifiers. A package variable so tests can
// force collisions.
var newSessionID = func() string {
	return uuid.New().String()
}

// TransportKind identifies which wire protocol a session speaks.
type TransportKind int

// The two supported transports.
const (
	TransportSSE TransportKind = iota + 1
	TransportStreamable
)

func (k TransportKind) String() string {
	switch k {
	case TransportSSE:
		return "sse"
	case TransportStreamable:
		return "streamable"
	default:
		return "unknown"
	}
}

// messageSink is the outbound delivery handle of a session. Implementations
// are not required to be safe for concurrent use; Session.Send serializes
// callers so that at most one writer touches the sink at a time.
type messageSink interface {
	// deliver queues or writes one encoded JSON-RPC message.
	deliver(data []byte) error
	// close releases the sink. Called at most once, via Session close.
	close()
}

// Session represents one client's logical connection: its identity, transport
// kind, and outbound delivery handle. Sessions are owned exclusively by a
// SessionRegistry, which is the sole authority for their creation and
// destruction.
type Session struct {
	id        string
	kind      TransportKind
	createdAt time.Time
	identity  string

	logger *slog.Logger
	sink   messageSink

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func newSession(id string, kind TransportKind, identity string, sink messageSink, logger *slog.Logger) *Session {
	return &Session{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		identity:  identity,
		logger:    logger.With(slog.String("sessionID", id), slog.String("transport", kind.String())),
		sink:      sink,
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Kind returns the transport the session was created on.
func (s *Session) Kind() TransportKind { return s.kind }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Identity returns the caller identity bound at creation, or "" for an
// anonymous session.
func (s *Session) Identity() string { return s.identity }

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send encodes and delivers one message on the session's outbound handle.
// Sends are serialized per session so a broadcast and a direct response cannot
// interleave inside one wire frame. Sending on a closed session logs and
// returns nil; a non-nil error means the transport write failed and the caller
// should treat the client as disconnected.
func (s *Session) Send(msg JSONRPCMessage) error {
	if s.closed.Load() {
		s.logger.Warn("session is closed while sending message", slog.String("method", msg.Method))
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		s.logger.Warn("session is closed while sending message", slog.String("method", msg.Method))
		return nil
	}

	return s.sink.deliver(data)
}

// close flips the closed flag before touching the sink, so concurrent triggers
// (write failure, shutdown sweep, explicit close) release resources at most
// once. The flag is flipped under writeMu: an in-flight delivery finishes
// before Done is observable, so a stream handler never releases the response
// writer while a send is still touching it.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed.Store(true)
		s.writeMu.Unlock()

		close(s.done)
		s.sink.close()
	})
}

// SessionRegistry is a concurrent map of session ID to Session, shared by all
// transport adapters. All operations are safe under concurrent callers.
type SessionRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		logger:   logger.With(slog.String("component", "registry")),
		sessions: make(map[string]*Session),
	}
}

// Register inserts the session, failing if the ID is already taken.
func (r *SessionRegistry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; ok {
		return fmt.Errorf("session %s already registered", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Lookup returns the session with the given ID, if present.
func (r *SessionRegistry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove deregisters the session and releases its outbound handle. Removing an
// absent or already-removed ID is a no-op, and the release happens at most
// once even when a write failure and a shutdown sweep race.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	r.logger.Debug("session removed", slog.String("sessionID", id))
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Broadcast fans a notification out to every registered session. A failure
// sending to one session is logged, the session is removed as disconnected,
// and delivery to the rest proceeds; Broadcast itself never fails.
func (r *SessionRegistry) Broadcast(method string, params any) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			r.logger.Error("failed to marshal broadcast params",
				slog.String("method", method),
				slog.String("err", err.Error()))
			return
		}
		msg.Params = paramsBs
	}

	for _, s := range r.snapshot() {
		if err := s.Send(msg); err != nil {
			s.logger.Error("failed to broadcast message",
				slog.String("method", method),
				slog.String("err", err.Error()))
			r.Remove(s.id)
		}
	}
}

// Sweep closes and removes every session of the given kind, isolating each
// close so one faulty session never blocks the rest.
func (r *SessionRegistry) Sweep(kind TransportKind) {
	for _, s := range r.snapshot() {
		if s.kind != kind {
			continue
		}
		r.Remove(s.id)
	}
}

func (r *SessionRegistry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
