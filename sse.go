package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements the legacy MCP wire protocol: one long-lived GET
// stream per session for server-to-client events, plus a POST endpoint for
// client-to-server messages. Its HandleSSE and HandleMessage handlers are
// framework-agnostic and can be mounted on any mux; Server wires them into the
// default route table.
//
// The standing streams have no protocol-level idle timeout. A client that
// vanishes without a clean disconnect holds its session until a write fails
// (the keep-alive ping forces one eventually) or the server shuts down.
type SSETransport struct {
	registry        *SessionRegistry
	invoker         ToolInvoker
	resolveIdentity IdentityResolver

	baseURL     string
	messagePath string

	info         Info
	capabilities ServerCapabilities
	instructions string

	pingInterval time.Duration
	closing      func() bool
	retryAfter   func() time.Duration

	logger *slog.Logger
}

// sseSink writes events straight onto the upgraded response stream. Write
// serialization is provided by Session.Send; the stream itself is released by
// the connect handler returning, not by close.
type sseSink struct {
	sess *sse.Session
}

func (s sseSink) deliver(data []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(data))

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s sseSink) close() {}

// HandleSSE returns the handler for GET connects. It upgrades the connection
// to an event stream, binds the caller's identity, registers a new session,
// and pushes the bootstrap "endpoint" event telling the client where to POST
// subsequent messages. The connection stays open until the client disconnects
// or the session is closed.
func (t *SSETransport) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.closing() {
			writeShuttingDown(w, t.retryAfter())
			return
		}

		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			t.logger.Error("failed to upgrade session", "err", nErr)
			writeJSONError(w, http.StatusInternalServerError, nErr.Error())
			return
		}

		sessID := newSessionID()

		var identity string
		if t.resolveIdentity != nil {
			// Resolved once; every later message on this session reuses it.
			identity = t.resolveIdentity(r)
		}

		session := newSession(sessID, TransportSSE, identity, sseSink{sess: sess}, t.logger)
		if err := t.registry.Register(session); err != nil {
			// The response is committed as an event stream by now; only the
			// log can carry the failure.
			t.logger.Error("failed to register session", slog.String("err", err.Error()))
			return
		}

		if err := t.sendEndpointEvent(sess, r, sessID); err != nil {
			t.logger.Error("failed to send endpoint event", slog.String("err", err.Error()))
			t.registry.Remove(sessID)
			return
		}

		t.logger.Info("sse session connected",
			slog.String("sessionID", sessID),
			slog.String("remoteAddr", r.RemoteAddr))

		t.serveStream(r, session)
	})
}

// sendEndpointEvent pushes the bootstrap event carrying the absolute URL the
// client must POST messages to.
func (t *SSETransport) sendEndpointEvent(sess *sse.Session, r *http.Request, sessID string) error {
	url := fmt.Sprintf("%s?sessionId=%s", t.endpointURL(r), sessID)

	msg := &sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData(url)

	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write endpoint event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush endpoint event: %w", err)
	}
	return nil
}

func (t *SSETransport) endpointURL(r *http.Request) string {
	if t.baseURL != "" {
		return t.baseURL + t.messagePath
	}
	return fmt.Sprintf("http://%s%s", r.Host, t.messagePath)
}

// serveStream blocks for the lifetime of the connection, emitting keep-alive
// pings. A failed ping means the client is gone; the session is removed and
// the response completes.
func (t *SSETransport) serveStream(r *http.Request, session *Session) {
	var ping <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-session.Done():
			// Closed elsewhere: a failed write, an explicit close, or the
			// shutdown sweep. Returning completes the hanging response.
			return
		case <-r.Context().Done():
			t.logger.Info("sse client disconnected", slog.String("sessionID", session.ID()))
			t.registry.Remove(session.ID())
			return
		case <-ping:
			err := session.Send(JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      MustString(uuid.New().String()),
				Method:  methodPing,
			})
			if err != nil {
				t.logger.Info("sse ping failed, closing session",
					slog.String("sessionID", session.ID()),
					slog.String("err", err.Error()))
				t.registry.Remove(session.ID())
				return
			}
		}
	}
}

// HandleMessage returns the handler for POSTed client messages. It expects a
// sessionId query parameter and a single JSON-RPC message body; requests are
// dispatched to the tool boundary and the handler blocks until the invocation
// returns (one goroutine stays pinned per in-flight call), with the result
// delivered back over the session's event stream.
func (t *SSETransport) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionId")
		if sessID == "" {
			t.logger.Warn("missing sessionId query parameter")
			writeJSONError(w, http.StatusBadRequest, "missing sessionId query parameter")
			return
		}

		session, ok := t.registry.Lookup(sessID)
		if !ok {
			t.logger.Warn("unknown session id", slog.String("sessionID", sessID))
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown session id: %s", sessID))
			return
		}

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

		switch {
		case msg.IsRequest():
			t.handleRequest(w, r, session, msg)
		case msg.IsNotification():
			t.handleNotification(w, r, session, msg)
		default:
			// Client responses to server-initiated requests are not tracked
			// by this layer.
			t.logger.Debug("ignoring client response", slog.String("sessionID", sessID))
			w.WriteHeader(http.StatusOK)
		}
	})
}

func (t *SSETransport) handleRequest(w http.ResponseWriter, r *http.Request, session *Session, msg JSONRPCMessage) {
	if msg.Method == methodInitialize {
		t.handleInitialize(w, session, msg)
		return
	}

	params := msg.Params
	if session.Identity() != "" {
		// Side channel: tools see who is calling without re-authenticating.
		params = mergeCallerIdentity(params, session.Identity(), t.logger)
	}

	result, err := t.invoker.Invoke(r.Context(), msg.Method, params, InvocationContext{
		SessionID:      session.ID(),
		CallerIdentity: session.Identity(),
		RemoteAddr:     r.RemoteAddr,
	})

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

	if sendErr := session.Send(resMsg); sendErr != nil {
		// Write failure means the client disconnected mid-call.
		t.logger.Error("failed to send result, closing session",
			slog.String("sessionID", session.ID()),
			slog.String("err", sendErr.Error()))
		t.registry.Remove(session.ID())
		writeJSONError(w, http.StatusInternalServerError, sendErr.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (t *SSETransport) handleInitialize(w http.ResponseWriter, session *Session, msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		nErr := fmt.Errorf("failed to unmarshal initialize params: %w", err)
		writeJSONError(w, http.StatusBadRequest, nErr.Error())
		return
	}

	resBs, _ := json.Marshal(initializeResult{
		ProtocolVersion: protocolVersionSSE,
		Capabilities:    t.capabilities,
		ServerInfo:      t.info,
		Instructions:    t.instructions,
	})

	err := session.Send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	})
	if err != nil {
		t.logger.Error("failed to send initialize result",
			slog.String("sessionID", session.ID()),
			slog.String("err", err.Error()))
		t.registry.Remove(session.ID())
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	t.logger.Info("sse session initialized",
		slog.String("sessionID", session.ID()),
		slog.String("clientName", params.ClientInfo.Name))

	w.WriteHeader(http.StatusOK)
}

func (t *SSETransport) handleNotification(w http.ResponseWriter, r *http.Request, session *Session, msg JSONRPCMessage) {
	if msg.Method == methodNotificationsInitialized {
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err := t.invoker.Invoke(r.Context(), msg.Method, msg.Params, InvocationContext{
		SessionID:      session.ID(),
		CallerIdentity: session.Identity(),
		RemoteAddr:     r.RemoteAddr,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CloseGracefully closes every SSE session independently; one failure does not
// block the rest.
func (t *SSETransport) CloseGracefully() {
	t.registry.Sweep(TransportSSE)
}

// mergeCallerIdentity injects the session's bound identity into the request's
// arguments map under the "callerIdentity" key. Malformed params are passed
// through untouched; the dispatch path reports the real decoding error.
func mergeCallerIdentity(params json.RawMessage, identity string, logger *slog.Logger) json.RawMessage {
	var decoded map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			logger.Warn("failed to decode params for identity injection", slog.String("err", err.Error()))
			return params
		}
	}
	if decoded == nil {
		decoded = make(map[string]any)
	}

	args, ok := decoded["arguments"].(map[string]any)
	if !ok {
		args = make(map[string]any)
	}
	args["callerIdentity"] = identity
	decoded["arguments"] = args

	merged, err := json.Marshal(decoded)
	if err != nil {
		logger.Warn("failed to encode params after identity injection", slog.String("err", err.Error()))
		return params
	}
	return merged
}
