package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// headerSessionID carries the session identifier on every streamable exchange
// after initialize.
const headerSessionID = "Mcp-Session-Id"

const headerLastEventID = "Last-Event-ID"

// StreamableTransport implements the modern MCP wire protocol on a single
// endpoint: POST for initialize, notifications, responses, and requests (the
// latter answered over a per-request event sub-stream), GET for a standing
// listening stream or for replay from a previous event ID, and DELETE for
// explicit session termination.
//
// Messages pushed on the listening stream are retained in a bounded
// session-scoped replay log, so a client that loses the stream can reconnect
// with Last-Event-ID and resume without loss or duplication.
type StreamableTransport struct {
	registry        *SessionRegistry
	invoker         ToolInvoker
	resolveIdentity IdentityResolver

	info         Info
	capabilities ServerCapabilities
	instructions string

	replayLimit int
	closing     func() bool
	retryAfter  func() time.Duration

	logger *slog.Logger
}

// streamEvent is one retained listening-stream message with its event ID.
type streamEvent struct {
	id   uint64
	data []byte
}

// streamableSink buffers outbound messages for delivery on the listening
// stream. Event IDs are a per-session monotonic counter; the buffer is bounded
// by limit, oldest evicted first. At most one GET (standing or replay) may
// claim the stream at a time.
type streamableSink struct {
	mu      sync.Mutex
	events  []streamEvent
	lastID  uint64
	limit   int
	claimed bool

	signal chan struct{}
}

func newStreamableSink(limit int) *streamableSink {
	return &streamableSink{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

func (k *streamableSink) deliver(data []byte) error {
	k.mu.Lock()
	k.lastID++
	k.events = append(k.events, streamEvent{id: k.lastID, data: data})
	if k.limit > 0 && len(k.events) > k.limit {
		k.events = k.events[len(k.events)-k.limit:]
	}
	k.mu.Unlock()

	k.wake()
	return nil
}

func (k *streamableSink) close() {
	// Wake a standing listener so it can observe the closed session.
	k.wake()
}

func (k *streamableSink) wake() {
	select {
	case k.signal <- struct{}{}:
	default:
	}
}

// claim reserves the session's event stream for one GET. It fails while a
// standing subscription or an in-progress replay holds the stream.
func (k *streamableSink) claim() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.claimed {
		return false
	}
	k.claimed = true
	return true
}

func (k *streamableSink) release() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.claimed = false
}

func (k *streamableSink) latest() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.lastID
}

// eventsAfter returns a copy of every retained event with ID strictly greater
// than the given one, in original order.
func (k *streamableSink) eventsAfter(id uint64) []streamEvent {
	k.mu.Lock()
	defer k.mu.Unlock()

	var evs []streamEvent
	for _, ev := range k.events {
		if ev.id > id {
			evs = append(evs, ev)
		}
	}
	return evs
}

// HandlePost returns the handler for all POSTed streamable messages. An
// initialize request creates and registers a new session and answers with a
// plain JSON response carrying the session ID header; a notification or
// response for an existing session is forwarded and acknowledged with 202; any
// other request is answered over an event sub-stream opened on this same
// connection.
func (t *StreamableTransport) HandlePost() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %s", err))
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			t.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			writeJSONError(w, http.StatusBadRequest, nErr.Error())
			return
		}

		isInit := msg.IsRequest() && msg.Method == methodInitialize

		// Header checks are collected and reported together in one response
		// rather than failing on the first violation.
		violations := acceptViolations(r, true)
		if !isInit && r.Header.Get(headerSessionID) == "" {
			violations = append(violations, "missing Mcp-Session-Id header")
		}
		if len(violations) > 0 {
			writeJSONError(w, http.StatusBadRequest, strings.Join(violations, "; "))
			return
		}

		if isInit {
			t.handleInitialize(w, r, msg)
			return
		}

		sessID := r.Header.Get(headerSessionID)
		session, ok := t.registry.Lookup(sessID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown session id: %s", sessID))
			return
		}

		switch {
		case msg.IsNotification():
			t.handleNotification(w, r, session, msg)
		case msg.IsResponse():
			// Client responses to server-initiated requests are not tracked
			// by this layer.
			t.logger.Debug("ignoring client response", slog.String("sessionID", sessID))
			w.WriteHeader(http.StatusAccepted)
		case msg.IsRequest():
			t.handleRequestStream(w, r, session, msg)
		default:
			writeJSONError(w, http.StatusBadRequest, "message is neither request, notification, nor response")
		}
	})
}

func (t *StreamableTransport) handleInitialize(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	if t.closing() {
		writeShuttingDown(w, t.retryAfter())
		return
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		nErr := fmt.Errorf("failed to unmarshal initialize params: %w", err)
		writeJSONError(w, http.StatusBadRequest, nErr.Error())
		return
	}

	sessID := newSessionID()

	var identity string
	if t.resolveIdentity != nil {
		identity = t.resolveIdentity(r)
	}

	session := newSession(sessID, TransportStreamable, identity, newStreamableSink(t.replayLimit), t.logger)
	if err := t.registry.Register(session); err != nil {
		t.logger.Error("failed to register session", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resBs, _ := json.Marshal(initializeResult{
		ProtocolVersion: protocolVersionStreamable,
		Capabilities:    t.capabilities,
		ServerInfo:      t.info,
		Instructions:    t.instructions,
	})

	t.logger.Info("streamable session initialized",
		slog.String("sessionID", sessID),
		slog.String("clientName", params.ClientInfo.Name))

	w.Header().Set(headerSessionID, sessID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		t.logger.Error("failed to write initialize result", slog.String("err", err.Error()))
	}
}

func (t *StreamableTransport) handleNotification(w http.ResponseWriter, r *http.Request, session *Session, msg JSONRPCMessage) {
	if msg.Method != methodNotificationsInitialized {
		_, err := t.invoker.Invoke(r.Context(), msg.Method, msg.Params, t.invocationContext(r, session))
		if err != nil {
			t.logger.Warn("notification handler failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRequestStream answers one request over an event sub-stream on the
// inbound connection. Result events carry the originating request's ID so the
// client can correlate; they are not retained for replay, which covers the
// listening stream only.
func (t *StreamableTransport) handleRequestStream(
	w http.ResponseWriter,
	r *http.Request,
	session *Session,
	msg JSONRPCMessage,
) {
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade request stream: %w", err)
		t.logger.Error("failed to upgrade request stream", slog.String("err", nErr.Error()))
		writeJSONError(w, http.StatusInternalServerError, nErr.Error())
		return
	}

	result, err := t.invoker.Invoke(r.Context(), msg.Method, msg.Params, t.invocationContext(r, session))

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if err != nil {
		resMsg.Error = &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		}
	} else {
		resMsg.Result = result
	}

	data, marshalErr := json.Marshal(resMsg)
	if marshalErr != nil {
		t.logger.Error("failed to marshal result", slog.String("err", marshalErr.Error()))
		return
	}

	ev := &sse.Message{Type: sse.Type("message")}
	if !strings.ContainsAny(string(msg.ID), "\n\r") {
		ev.ID = sse.ID(string(msg.ID))
	}
	ev.AppendData(string(data))

	if err := stream.Send(ev); err != nil {
		t.logger.Warn("request stream write failed",
			slog.String("sessionID", session.ID()),
			slog.String("err", err.Error()))
		return
	}
	if err := stream.Flush(); err != nil {
		t.logger.Warn("request stream flush failed",
			slog.String("sessionID", session.ID()),
			slog.String("err", err.Error()))
	}
}

// HandleListen returns the handler for GETs on the streamable endpoint. With a
// Last-Event-ID header it replays the retained events strictly after that ID
// over a transient response and ends, without opening a fresh subscription.
// Without one it opens the session's standing listening stream for
// server-pushed messages; completion, client disconnect, and session close all
// converge on one disposal path that releases the subscription.
func (t *StreamableTransport) HandleListen() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		violations := acceptViolations(r, false)
		if r.Header.Get(headerSessionID) == "" {
			violations = append(violations, "missing Mcp-Session-Id header")
		}
		if len(violations) > 0 {
			writeJSONError(w, http.StatusBadRequest, strings.Join(violations, "; "))
			return
		}

		sessID := r.Header.Get(headerSessionID)
		session, ok := t.registry.Lookup(sessID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown session id: %s", sessID))
			return
		}

		sink, ok := session.sink.(*streamableSink)
		if !ok {
			writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("session %s does not belong to the streamable transport", sessID))
			return
		}

		if lastRaw := r.Header.Get(headerLastEventID); lastRaw != "" {
			t.replay(w, r, session, sink, lastRaw)
			return
		}

		t.listen(w, r, session, sink)
	})
}

func (t *StreamableTransport) replay(
	w http.ResponseWriter,
	r *http.Request,
	session *Session,
	sink *streamableSink,
	lastRaw string,
) {
	last, err := strconv.ParseUint(lastRaw, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("malformed Last-Event-ID %q", lastRaw))
		return
	}

	if !sink.claim() {
		writeJSONError(w, http.StatusConflict, "another stream is already active for this session")
		return
	}
	defer sink.release()

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade replay stream: %w", err)
		t.logger.Error("failed to upgrade replay stream", slog.String("err", nErr.Error()))
		writeJSONError(w, http.StatusInternalServerError, nErr.Error())
		return
	}

	evs := sink.eventsAfter(last)
	t.logger.Info("replaying events",
		slog.String("sessionID", session.ID()),
		slog.Uint64("afterEventID", last),
		slog.Int("count", len(evs)))

	for _, ev := range evs {
		if err := writeStreamEvent(stream, ev); err != nil {
			t.logger.Warn("replay write failed",
				slog.String("sessionID", session.ID()),
				slog.String("err", err.Error()))
			return
		}
	}
	// The replay response ends here; the client must issue a fresh GET for a
	// standing subscription.
}

func (t *StreamableTransport) listen(w http.ResponseWriter, r *http.Request, session *Session, sink *streamableSink) {
	if !sink.claim() {
		writeJSONError(w, http.StatusConflict, "another stream is already active for this session")
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		sink.release()
		nErr := fmt.Errorf("failed to upgrade listening stream: %w", err)
		t.logger.Error("failed to upgrade listening stream", slog.String("err", nErr.Error()))
		writeJSONError(w, http.StatusInternalServerError, nErr.Error())
		return
	}

	t.logger.Info("listening stream attached", slog.String("sessionID", session.ID()))

	// Single disposal path for every way the stream can end.
	defer func() {
		sink.release()
		t.logger.Info("listening stream detached", slog.String("sessionID", session.ID()))
	}()

	// Events pushed before any listener attached stay in the replay log; the
	// standing stream starts at the current tail.
	delivered := sink.latest()

	for {
		for _, ev := range sink.eventsAfter(delivered) {
			if err := writeStreamEvent(stream, ev); err != nil {
				// The subscription is gone but the session survives: the
				// client can replay from its last seen event ID.
				t.logger.Warn("listening stream write failed",
					slog.String("sessionID", session.ID()),
					slog.String("err", err.Error()))
				return
			}
			delivered = ev.id
		}

		select {
		case <-sink.signal:
		case <-session.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleDelete returns the handler for explicit session termination.
func (t *StreamableTransport) HandleDelete() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.Header.Get(headerSessionID)
		if sessID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
			return
		}

		if _, ok := t.registry.Lookup(sessID); !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown session id: %s", sessID))
			return
		}

		t.registry.Remove(sessID)
		t.logger.Info("session terminated by client", slog.String("sessionID", sessID))
		w.WriteHeader(http.StatusNoContent)
	})
}

// CloseGracefully closes every streamable session independently; one failure
// does not block the rest.
func (t *StreamableTransport) CloseGracefully() {
	t.registry.Sweep(TransportStreamable)
}

func (t *StreamableTransport) invocationContext(r *http.Request, session *Session) InvocationContext {
	return InvocationContext{
		SessionID:      session.ID(),
		CallerIdentity: session.Identity(),
		RemoteAddr:     r.RemoteAddr,
	}
}

func writeStreamEvent(stream *sse.Session, ev streamEvent) error {
	msg := &sse.Message{
		Type: sse.Type("message"),
		ID:   sse.ID(strconv.FormatUint(ev.id, 10)),
	}
	msg.AppendData(string(ev.data))

	if err := stream.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// acceptViolations checks the Accept header the way the streamable protocol
// requires: POSTs must accept both JSON and event streams, GETs event streams
// only. Multiple Accept headers are allowed.
func acceptViolations(r *http.Request, post bool) []string {
	accept := strings.Split(strings.Join(r.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json", "*/*":
			jsonOK = true
			if strings.TrimSpace(c) == "*/*" {
				streamOK = true
			}
		case "text/event-stream":
			streamOK = true
		}
	}

	var violations []string
	if post && !jsonOK {
		violations = append(violations, "Accept must contain 'application/json'")
	}
	if !streamOK {
		violations = append(violations, "Accept must contain 'text/event-stream'")
	}
	return violations
}
