package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wojciech-wais/go-mcp"
)

// echoHTTPServer wires a StreamableHTTPServer to a trivial peer that answers
// every request with an empty result.
func echoHTTPServer(t *testing.T, options ...mcp.StreamableHTTPOption) (*mcp.StreamableHTTPServer, *httptest.Server) {
	t.Helper()

	transport := mcp.NewStreamableHTTPServer(options...)
	err := transport.Start(func(msg mcp.Message) {
		req, ok := msg.(*mcp.Request)
		if !ok {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := transport.Send(ctx, &mcp.Response{ID: req.ID}); err != nil {
				t.Errorf("failed to send response: %v", err)
			}
		}()
	}, nil)
	if err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	httpServer := httptest.NewServer(transport)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		transport.Shutdown(ctx)
		httpServer.Close()
	})
	return transport, httpServer
}

func postFrame(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamableHTTPMintsSessionID(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("expected minted session id")
	}
	if len(sessID) != 36 {
		t.Errorf("session id %q is not a UUID", sessID)
	}

	body, _ := io.ReadAll(resp.Body)
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("response body is not a frame: %v", err)
	}
	if string(wire["id"]) != "1" {
		t.Errorf("expected response to request 1, got %s", body)
	}

	// The minted session is routable afterwards.
	resp2 := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		map[string]string{"Mcp-Session-Id": sessID})
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d for known session", resp2.StatusCode)
	}
}

func TestStreamableHTTPUnknownSession(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Mcp-Session-Id": "not-a-session"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamableHTTPProtocolVersionCheck(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"MCP-Protocol-Version": "1999-01-01"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	resp = postFrame(t, server.URL, `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		map[string]string{"MCP-Protocol-Version": mcp.ProtocolVersion})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for matching version, got %d", resp.StatusCode)
	}
}

func TestStreamableHTTPOriginCheck(t *testing.T) {
	_, server := echoHTTPServer(t, mcp.WithAllowedOrigins([]string{"http://good.example"}))

	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Origin": "http://evil.example"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	resp = postFrame(t, server.URL, `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		map[string]string{"Origin": "http://good.example"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for allowed origin, got %d", resp.StatusCode)
	}
}

func TestStreamableHTTPParseError(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `{"jsonrpc":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var wire struct {
		Error *mcp.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if wire.Error == nil || wire.Error.Code != mcp.CodeParseError {
		t.Errorf("expected parse error object, got %s", body)
	}
}

func TestStreamableHTTPBatchResponses(t *testing.T) {
	_, server := echoHTTPServer(t)

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"ping"}
	]`
	resp := postFrame(t, server.URL, body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	out, _ := io.ReadAll(resp.Body)
	var frames []map[string]json.RawMessage
	if err := json.Unmarshal(out, &frames); err != nil {
		t.Fatalf("expected JSON array of responses, got %s", out)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 responses (notifications omitted), got %d", len(frames))
	}
	// Input order preserved.
	if string(frames[0]["id"]) != "1" || string(frames[1]["id"]) != "2" {
		t.Errorf("responses out of order: %s", out)
	}
}

func TestStreamableHTTPNotificationOnlyBatch(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `[{"jsonrpc":"2.0","method":"notifications/initialized"}]`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(body)) != 0 {
		t.Errorf("expected empty body, got %s", body)
	}
}

func TestStreamableHTTPSingleNotification(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
}

func TestStreamableHTTPPostSSE(t *testing.T) {
	_, server := echoHTTPServer(t)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `data: {"jsonrpc":"2.0","id":1,"result":{}}`) &&
		!strings.Contains(text, `"id":1`) {
		t.Errorf("stream carries no response frame: %q", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Errorf("stream missing done event: %q", text)
	}
}

func TestStreamableHTTPDelete(t *testing.T) {
	_, server := echoHTTPServer(t)

	// Create a session via POST.
	resp := postFrame(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("no session id minted")
	}

	del, err := http.NewRequest(http.MethodDelete, server.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	del.Header.Set("Mcp-Session-Id", sessID)
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", delResp.StatusCode)
	}

	// Session is gone now.
	resp = postFrame(t, server.URL, `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		map[string]string{"Mcp-Session-Id": sessID})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}

	// Unknown session.
	del2, _ := http.NewRequest(http.MethodDelete, server.URL+"/mcp", nil)
	del2.Header.Set("Mcp-Session-Id", "missing")
	delResp2, err := http.DefaultClient.Do(del2)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	delResp2.Body.Close()
	if delResp2.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", delResp2.StatusCode)
	}
}

func TestStreamableHTTPGetStream(t *testing.T) {
	transport, server := echoHTTPServer(t)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Error("GET did not mint a session id")
	}

	lines := make(chan string, 10)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// First the keepalive comment.
	select {
	case line := <-lines:
		if !strings.HasPrefix(line, ": ping") {
			t.Errorf("expected ping comment first, got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keepalive")
	}

	// Then a pushed notification.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Send(ctx, &mcp.Notification{Method: "notifications/tools/list_changed"}); err != nil {
		t.Fatalf("failed to push notification: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, "list_changed") {
				return
			}
		case <-deadline:
			t.Fatal("pushed frame never arrived on the GET stream")
		}
	}
}

func TestStreamableHTTPWrongPath(t *testing.T) {
	_, server := echoHTTPServer(t)

	resp, err := http.Post(server.URL+"/other", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 off the MCP path, got %d", resp.StatusCode)
	}
}

// TestStreamableHTTPEndToEnd runs a full peer pair over the HTTP transport:
// handshake, tool listing and a tool call.
func TestStreamableHTTPEndToEnd(t *testing.T) {
	server := mcp.NewServer(mcp.Implementation{Name: "http-server", Version: "1.0.0"})
	server.AddTool(mcp.Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Text: string(args)}}}, nil
	})

	serverTransport := mcp.NewStreamableHTTPServer()
	if err := server.Start(serverTransport); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	httpServer := httptest.NewServer(serverTransport)
	defer httpServer.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	client := mcp.NewClient(mcp.Implementation{Name: "http-client", Version: "1.0.0"})
	clientTransport := mcp.NewStreamableHTTPClient(httpServer.URL+"/mcp", httpServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, clientTransport); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctx)
	}()

	if clientTransport.SessionID() == "" {
		t.Error("client did not capture the session id")
	}
	if client.ServerCapabilities().Tools == nil {
		t.Fatal("server did not advertise tools")
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	tools, err := client.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("tools/list failed: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	result, err := client.CallTool(ctx, "echo", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("tools/call failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok || !strings.Contains(text.Text, "hi") {
		t.Errorf("unexpected tool output: %+v", result.Content)
	}
}
