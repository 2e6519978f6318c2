package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server assembles the full MCP transport surface: a shared session registry,
// the legacy SSE adapter, the streamable adapter, the route table that
// classifies inbound requests, the optional origin gate, and the graceful
// shutdown coordinator. Mount Handler on any HTTP server; unmatched requests
// fall through to the configured fallback handler.
type Server struct {
	logger *slog.Logger

	info         Info
	capabilities ServerCapabilities
	instructions string

	baseURL        string
	ssePath        string
	messagePath    string
	streamablePath string
	statusPath     string

	requireOrigin      bool
	requireOriginMatch bool

	gracePeriod  time.Duration
	replayLimit  int
	pingInterval time.Duration

	resolveIdentity IdentityResolver
	fallback        http.Handler

	registry   *SessionRegistry
	sse        *SSETransport
	streamable *StreamableTransport
	router     chi.Router

	closing      atomic.Bool
	shutdownOnce sync.Once
}

var (
	defaultShutdownGracePeriod = 5 * time.Second
	defaultReplayLimit         = 256
	defaultPingInterval        = 30 * time.Second
)

// NewServer creates a server that dispatches every tool call to the given
// invoker.
func NewServer(invoker ToolInvoker, options ...ServerOption) *Server {
	s := &Server{
		logger: slog.Default(),
		info: Info{
			Name:    "mcp-server",
			Version: "dev",
		},
		capabilities: ServerCapabilities{
			Tools:   &ToolsCapability{},
			Logging: &LoggingCapability{},
		},
		ssePath:        "/sse",
		messagePath:    "/message",
		streamablePath: "/mcp",
		statusPath:     "/status",
		gracePeriod:    defaultShutdownGracePeriod,
		replayLimit:    defaultReplayLimit,
		pingInterval:   defaultPingInterval,
	}
	for _, opt := range options {
		opt(s)
	}

	s.registry = NewSessionRegistry(s.logger)

	s.sse = &SSETransport{
		registry:        s.registry,
		invoker:         invoker,
		resolveIdentity: s.resolveIdentity,
		baseURL:         s.baseURL,
		messagePath:     s.messagePath,
		info:            s.info,
		capabilities:    s.capabilities,
		instructions:    s.instructions,
		pingInterval:    s.pingInterval,
		closing:         s.IsShuttingDown,
		retryAfter:      func() time.Duration { return s.gracePeriod },
		logger:          s.logger.With(slog.String("component", "sse")),
	}

	s.streamable = &StreamableTransport{
		registry:        s.registry,
		invoker:         invoker,
		resolveIdentity: s.resolveIdentity,
		info:            s.info,
		capabilities:    s.capabilities,
		instructions:    s.instructions,
		replayLimit:     s.replayLimit,
		closing:         s.IsShuttingDown,
		retryAfter:      func() time.Duration { return s.gracePeriod },
		logger:          s.logger.With(slog.String("component", "streamable")),
	}

	s.router = s.buildRouter()

	return s
}

// WithLogger sets the logger for the server and its transports.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "mcpserver"))
	}
}

// WithServerInfo sets the server name and version reported on initialize.
func WithServerInfo(info Info) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithCapabilities sets the capabilities reported on initialize.
func WithCapabilities(capabilities ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = capabilities
	}
}

// WithInstructions sets the server instructions reported on initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithBaseURL sets the absolute base URL used to build the bootstrap endpoint
// event and, when origin matching is enabled, to validate Origin headers.
// Without it the endpoint URL is derived from each request's Host header.
func WithBaseURL(baseURL string) ServerOption {
	return func(s *Server) {
		s.baseURL = baseURL
	}
}

// WithIdentityResolver sets the resolver consulted once per session creation
// to bind the caller's identity.
func WithIdentityResolver(resolver IdentityResolver) ServerOption {
	return func(s *Server) {
		s.resolveIdentity = resolver
	}
}

// WithRequireOrigin rejects any request that lacks an Origin header with 403.
func WithRequireOrigin() ServerOption {
	return func(s *Server) {
		s.requireOrigin = true
	}
}

// WithRequireOriginMatch additionally rejects requests whose Origin does not
// match the configured base URL. This guards a locally bound endpoint against
// cross-origin and DNS-rebinding attacks from browsers.
func WithRequireOriginMatch() ServerOption {
	return func(s *Server) {
		s.requireOriginMatch = true
	}
}

// WithShutdownGracePeriod sets the interval between the shutdown signal and
// session teardown, during which connect attempts receive 503 with a
// Retry-After of the same duration.
func WithShutdownGracePeriod(d time.Duration) ServerOption {
	return func(s *Server) {
		s.gracePeriod = d
	}
}

// WithReplayLimit bounds the per-session replay log of the streamable
// transport. Oldest events are evicted first; zero or negative means
// unbounded.
func WithReplayLimit(n int) ServerOption {
	return func(s *Server) {
		s.replayLimit = n
	}
}

// WithPingInterval sets the keep-alive ping interval on legacy SSE streams.
// Zero disables pings.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithSSEPath sets the legacy connect path.
func WithSSEPath(path string) ServerOption {
	return func(s *Server) {
		s.ssePath = path
	}
}

// WithMessagePath sets the legacy message path.
func WithMessagePath(path string) ServerOption {
	return func(s *Server) {
		s.messagePath = path
	}
}

// WithStreamablePath sets the streamable endpoint path.
func WithStreamablePath(path string) ServerOption {
	return func(s *Server) {
		s.streamablePath = path
	}
}

// WithFallbackHandler sets the handler for requests no transport route
// matches, so the host application keeps serving its own pages next to the
// protocol endpoints.
func WithFallbackHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.fallback = h
	}
}

// Handler returns the assembled route table.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the shared session registry.
func (s *Server) Registry() *SessionRegistry { return s.registry }

// Broadcast fans a notification out to every active session on both
// transports.
func (s *Server) Broadcast(method string, params any) {
	s.registry.Broadcast(method, params)
}

// IsShuttingDown reports whether Shutdown has been initiated.
func (s *Server) IsShuttingDown() bool { return s.closing.Load() }

// Shutdown flips the closing flag, waits out the grace period so connected
// clients can observe the closing status, then closes every transport's
// sessions. It is idempotent and returns the context's error if ctx expires
// during the grace wait.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("shutting down", slog.Duration("gracePeriod", s.gracePeriod))

		if s.gracePeriod > 0 {
			select {
			case <-time.After(s.gracePeriod):
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			s.sse.CloseGracefully()
			return nil
		})
		g.Go(func() error {
			s.streamable.CloseGracefully()
			return nil
		})
		if werr := g.Wait(); werr != nil && err == nil {
			err = werr
		}

		s.logger.Info("shutdown complete")
	})
	return err
}

// buildRouter is the decision table mapping path and method to protocol
// operation. Unmatched combinations fall through to the fallback handler.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	c := cors.New(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{headerSessionID},
		AllowCredentials: false,
	})
	r.Use(c.Handler)
	r.Use(s.originGate)

	r.Get(s.ssePath, s.sse.HandleSSE().ServeHTTP)
	r.Post(s.messagePath, s.sse.HandleMessage().ServeHTTP)

	r.Post(s.streamablePath, s.streamable.HandlePost().ServeHTTP)
	r.Get(s.streamablePath, s.streamable.HandleListen().ServeHTTP)
	r.Delete(s.streamablePath, s.streamable.HandleDelete().ServeHTTP)

	r.Get(s.statusPath, s.handleStatus)

	if s.fallback != nil {
		r.NotFound(s.fallback.ServeHTTP)
		r.MethodNotAllowed(s.fallback.ServeHTTP)
	}

	return r
}

// originGate short-circuits with 403 before any session or transport logic
// when the configured Origin checks fail.
func (s *Server) originGate(next http.Handler) http.Handler {
	if !s.requireOrigin && !s.requireOriginMatch {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.requireOrigin && origin == "" {
			s.logger.Warn("rejecting request without Origin header", slog.String("path", r.URL.Path))
			writeJSONError(w, http.StatusForbidden, "missing Origin header")
			return
		}

		if s.requireOriginMatch && origin != "" && !s.originMatches(origin) {
			s.logger.Warn("rejecting request with mismatched Origin header",
				slog.String("path", r.URL.Path),
				slog.String("origin", origin))
			writeJSONError(w, http.StatusForbidden, "Origin header does not match server URL")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originMatches(origin string) bool {
	if s.baseURL == "" {
		return false
	}

	base, err := url.Parse(s.baseURL)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}

	return o.Scheme == base.Scheme && o.Host == base.Host
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ShuttingDown bool `json:"shuttingDown"`
	}{ShuttingDown: s.IsShuttingDown()})
}

type errorBody struct {
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: message})
}

func writeShuttingDown(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
}
