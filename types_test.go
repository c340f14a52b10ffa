package mcp_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wojciech-wais/go-mcp"
)

func TestContentMarshalTags(t *testing.T) {
	testCases := []struct {
		name     string
		content  mcp.Content
		wantTag  string
		wantPart string
	}{
		{
			name:     "text",
			content:  mcp.TextContent{Text: "hello"},
			wantTag:  "text",
			wantPart: `"text":"hello"`,
		},
		{
			name:     "image",
			content:  mcp.ImageContent{Data: "aGk=", MimeType: "image/png"},
			wantTag:  "image",
			wantPart: `"mimeType":"image/png"`,
		},
		{
			name:     "audio",
			content:  mcp.AudioContent{Data: "aGk=", MimeType: "audio/wav"},
			wantTag:  "audio",
			wantPart: `"mimeType":"audio/wav"`,
		},
		{
			name:     "resource link",
			content:  mcp.ResourceLink{URI: "file:///a", Name: "a"},
			wantTag:  "resource_link",
			wantPart: `"uri":"file:///a"`,
		},
		{
			name: "embedded resource",
			content: mcp.EmbeddedResource{
				Resource: mcp.ResourceContents{URI: "file:///a", Text: "data"},
			},
			wantTag:  "resource",
			wantPart: `"resource":`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bs, err := json.Marshal(tc.content)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}

			var wire map[string]json.RawMessage
			if err := json.Unmarshal(bs, &wire); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if string(wire["type"]) != `"`+tc.wantTag+`"` {
				t.Errorf("expected type tag %q, got %s", tc.wantTag, wire["type"])
			}
			if !strings.Contains(string(bs), tc.wantPart) {
				t.Errorf("expected %s to contain %s", bs, tc.wantPart)
			}
		})
	}
}

func TestCallToolResultRoundTrip(t *testing.T) {
	result := mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Text: "hello"},
			mcp.ImageContent{Data: "aGk=", MimeType: "image/png"},
		},
		IsError: true,
	}

	bs, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded mcp.CallToolResult
	if err := json.Unmarshal(bs, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(decoded.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(decoded.Content))
	}
	text, ok := decoded.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", decoded.Content[0])
	}
	if text.Text != "hello" {
		t.Errorf("expected text hello, got %s", text.Text)
	}
	if _, ok := decoded.Content[1].(mcp.ImageContent); !ok {
		t.Fatalf("expected ImageContent, got %T", decoded.Content[1])
	}
	if !decoded.IsError {
		t.Error("expected isError to survive the round trip")
	}
}

func TestCallToolResultUnknownContentTag(t *testing.T) {
	var result mcp.CallToolResult
	err := json.Unmarshal([]byte(`{"content":[{"type":"video","data":"x"}]}`), &result)
	if err == nil {
		t.Fatal("expected error for unknown content type")
	}
}

func TestPromptMessageRoundTrip(t *testing.T) {
	msg := mcp.PromptMessage{
		Role:    mcp.RoleAssistant,
		Content: mcp.TextContent{Text: "rendered"},
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded mcp.PromptMessage
	if err := json.Unmarshal(bs, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Role != mcp.RoleAssistant {
		t.Errorf("expected role assistant, got %s", decoded.Role)
	}
	text, ok := decoded.Content.(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", decoded.Content)
	}
	if text.Text != "rendered" {
		t.Errorf("unexpected text %s", text.Text)
	}
}

func TestSamplingResultRoundTrip(t *testing.T) {
	result := mcp.SamplingResult{
		Role:       mcp.RoleAssistant,
		Content:    mcp.TextContent{Text: "generated"},
		Model:      "test-model",
		StopReason: "endTurn",
	}

	bs, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded mcp.SamplingResult
	if err := json.Unmarshal(bs, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Model != "test-model" || decoded.StopReason != "endTurn" {
		t.Errorf("unexpected decode: %+v", decoded)
	}
	if _, ok := decoded.Content.(mcp.TextContent); !ok {
		t.Fatalf("expected TextContent, got %T", decoded.Content)
	}
}

func TestServerCapabilitiesPresence(t *testing.T) {
	caps := mcp.ServerCapabilities{
		Tools:   json.RawMessage(`{"listChanged":true}`),
		Logging: json.RawMessage(`{}`),
	}

	bs, err := json.Marshal(caps)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(bs, &wire); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := wire["tools"]; !ok {
		t.Error("expected tools field")
	}
	if _, ok := wire["resources"]; ok {
		t.Error("unexpected resources field")
	}
	if _, ok := wire["prompts"]; ok {
		t.Error("unexpected prompts field")
	}
}

func TestLogLevelRoundTrip(t *testing.T) {
	for level := mcp.LogLevelDebug; level <= mcp.LogLevelEmergency; level++ {
		bs, err := json.Marshal(level)
		if err != nil {
			t.Fatalf("failed to marshal level %d: %v", level, err)
		}

		var decoded mcp.LogLevel
		if err := json.Unmarshal(bs, &decoded); err != nil {
			t.Fatalf("failed to unmarshal %s: %v", bs, err)
		}
		if decoded != level {
			t.Errorf("round trip mismatch: %d != %d", decoded, level)
		}
	}

	var invalid mcp.LogLevel
	if err := json.Unmarshal([]byte(`"loud"`), &invalid); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogLevelOrdering(t *testing.T) {
	if !(mcp.LogLevelDebug < mcp.LogLevelInfo && mcp.LogLevelError < mcp.LogLevelEmergency) {
		t.Error("log levels are not ordered by severity")
	}
}

func TestCompletionResultWireShape(t *testing.T) {
	result := mcp.CompletionResult{
		Completion: mcp.Completion{Values: []string{"a", "b"}, Total: 2},
	}

	bs, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var wire struct {
		Completion struct {
			Values  []string `json:"values"`
			Total   int      `json:"total"`
			HasMore bool     `json:"hasMore"`
		} `json:"completion"`
	}
	if err := json.Unmarshal(bs, &wire); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(wire.Completion.Values) != 2 || wire.Completion.Total != 2 {
		t.Errorf("unexpected wire shape: %s", bs)
	}
}

func TestResourceContentsOmitsAbsentFields(t *testing.T) {
	bs, err := json.Marshal(mcp.ResourceContents{URI: "file:///a", Text: "x"})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if strings.Contains(string(bs), "blob") {
		t.Errorf("expected blob to be omitted, got %s", bs)
	}
}
