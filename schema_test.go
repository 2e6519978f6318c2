package mcpserver_test

import (
	"encoding/json"
	"testing"

	mcpserver "github.com/jenkinsci/mcp-server-plugin-sub000"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcpserver.MustString
		wantErr bool
	}{
		{
			name:    "string input",
			input:   `"test123"`,
			want:    mcpserver.MustString("test123"),
			wantErr: false,
		},
		{
			name:    "integer input",
			input:   `42`,
			want:    mcpserver.MustString("42"),
			wantErr: false,
		},
		{
			name:    "float input",
			input:   `42.0`,
			want:    mcpserver.MustString("42"),
			wantErr: false,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			want:    mcpserver.MustString(""),
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			want:    mcpserver.MustString(""),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcpserver.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   mcpserver.MustString
		want    string
		wantErr bool
	}{
		{
			name:    "string value",
			input:   mcpserver.MustString("test123"),
			want:    `"test123"`,
			wantErr: false,
		},
		{
			name:    "numeric string",
			input:   mcpserver.MustString("42"),
			want:    `"42"`,
			wantErr: false,
		},
		{
			name:    "empty string",
			input:   mcpserver.MustString(""),
			want:    `""`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.MarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("MustString.MarshalJSON() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestJSONRPCMessage_Kinds(t *testing.T) {
	tests := []struct {
		name             string
		input            string
		wantRequest      bool
		wantNotification bool
		wantResponse     bool
	}{
		{
			name:        "request with string ID",
			input:       `{"jsonrpc":"2.0","id":"1","method":"tools/list"}`,
			wantRequest: true,
		},
		{
			name:        "request with numeric ID",
			input:       `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`,
			wantRequest: true,
		},
		{
			name:             "notification",
			input:            `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			wantNotification: true,
		},
		{
			name:         "response with result",
			input:        `{"jsonrpc":"2.0","id":"1","result":{}}`,
			wantResponse: true,
		},
		{
			name:         "response with error",
			input:        `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"method not found"}}`,
			wantResponse: true,
		},
		{
			name:  "neither",
			input: `{"jsonrpc":"2.0","id":"1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg mcpserver.JSONRPCMessage
			if err := json.Unmarshal([]byte(tt.input), &msg); err != nil {
				t.Fatalf("Failed to unmarshal: %v", err)
			}

			if got := msg.IsRequest(); got != tt.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.wantRequest)
			}
			if got := msg.IsNotification(); got != tt.wantNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.wantNotification)
			}
			if got := msg.IsResponse(); got != tt.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.wantResponse)
			}
		})
	}
}
