package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/jenkinsci/mcp-server-plugin-sub000"
)

var port = "8080"

// jobs is the in-memory stand-in for a CI controller's job store.
var jobs = map[string]string{
	"build-all":  "SUCCESS",
	"deploy":     "RUNNING",
	"nightly-ci": "FAILURE",
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	server := mcpserver.NewServer(mcpserver.ToolInvokerFunc(invoke),
		mcpserver.WithLogger(logger),
		mcpserver.WithServerInfo(mcpserver.Info{Name: "jenkins-mcp", Version: "0.1.0"}),
		mcpserver.WithInstructions("Query and trigger CI jobs over MCP."),
		mcpserver.WithBaseURL(baseURL()),
		mcpserver.WithIdentityResolver(func(r *http.Request) string {
			return r.Header.Get("X-Forwarded-User")
		}),
		mcpserver.WithShutdownGracePeriod(5*time.Second),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("Server starting on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Printf("Session teardown interrupted: %v\n", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}

	fmt.Println("Server exited gracefully")
}

func invoke(_ context.Context, method string, params json.RawMessage, ic mcpserver.InvocationContext) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		return json.RawMessage(`{"tools":[
			{"name":"getJobStatus","description":"Report the last build status of a job"},
			{"name":"whoAmI","description":"Report the identity the session is bound to"}
		]}`), nil
	case "tools/call":
		return callTool(params, ic)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

func callTool(params json.RawMessage, ic mcpserver.InvocationContext) (json.RawMessage, error) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, fmt.Errorf("malformed tool call: %w", err)
	}

	switch call.Name {
	case "getJobStatus":
		job, _ := call.Arguments["job"].(string)
		status, ok := jobs[job]
		if !ok {
			return nil, fmt.Errorf("unknown job: %s", job)
		}
		return json.Marshal(map[string]string{"job": job, "status": status})
	case "whoAmI":
		identity := ic.CallerIdentity
		if identity == "" {
			identity = "anonymous"
		}
		return json.Marshal(map[string]string{"identity": identity, "sessionId": ic.SessionID})
	default:
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
}

func baseURL() string {
	return fmt.Sprintf("http://localhost:%s", port)
}
