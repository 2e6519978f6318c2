package mcpserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandleSSE_RegisterCollision(t *testing.T) {
	orig := newSessionID
	newSessionID = func() string { return "fixed-id" }
	defer func() { newSessionID = orig }()

	reg := NewSessionRegistry(testLogger())
	if err := reg.Register(newSession("fixed-id", TransportSSE, "", &recordingSink{}, testLogger())); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tr := &SSETransport{
		registry:   reg,
		closing:    func() bool { return false },
		retryAfter: func() time.Duration { return 0 },
		logger:     testLogger(),
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sse", nil)

	tr.HandleSSE().ServeHTTP(rec, req)

	// The response was already committed as an event stream, so the failure
	// must not append a JSON error body on top of it.
	if body := rec.Body.String(); strings.Contains(body, `"message"`) {
		t.Errorf("collision wrote an error body onto the event stream: %q", body)
	}

	if _, ok := reg.Lookup("fixed-id"); !ok {
		t.Error("original session displaced by the colliding connect")
	}
	if got := reg.Len(); got != 1 {
		t.Errorf("registry Len() = %d, want 1", got)
	}
}
