package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/wojciech-wais/go-mcp"
)

func startStdIOReader(t *testing.T) (*mcp.StdIO, *io.PipeWriter, chan mcp.Message, chan error) {
	t.Helper()

	reader, feed := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)

	msgs := make(chan mcp.Message, 10)
	errs := make(chan error, 10)
	if err := transport.Start(func(msg mcp.Message) {
		msgs <- msg
	}, func(err error) {
		errs <- err
	}); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	t.Cleanup(func() {
		feed.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := transport.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown: %v", err)
		}
	})
	return transport, feed, msgs, errs
}

func waitMessage(t *testing.T, msgs chan mcp.Message) mcp.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestStdIOReceive(t *testing.T) {
	_, feed, msgs, _ := startStdIOReader(t)

	go feed.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))

	req, ok := waitMessage(t, msgs).(*mcp.Request)
	if !ok {
		t.Fatal("expected *Request")
	}
	if req.Method != "ping" {
		t.Errorf("unexpected method %s", req.Method)
	}
}

func TestStdIOReceiveCRLFAndEmptyLines(t *testing.T) {
	_, feed, msgs, _ := startStdIOReader(t)

	go feed.Write([]byte("\r\n" +
		"{\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}\r\n" +
		"\n" +
		"{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n"))

	if _, ok := waitMessage(t, msgs).(*mcp.Notification); !ok {
		t.Fatal("expected *Notification first")
	}
	if _, ok := waitMessage(t, msgs).(*mcp.Request); !ok {
		t.Fatal("expected *Request second")
	}
}

func TestStdIOParseErrorDoesNotStopStream(t *testing.T) {
	_, feed, msgs, errs := startStdIOReader(t)

	go feed.Write([]byte("this is not json\n" +
		`{"jsonrpc":"2.0","id":3,"method":"ping"}` + "\n"))

	select {
	case err := <-errs:
		var parseErr *mcp.ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("expected *ParseError, got %T", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for parse error")
	}

	if _, ok := waitMessage(t, msgs).(*mcp.Request); !ok {
		t.Fatal("stream did not survive the parse error")
	}
}

func TestStdIOSend(t *testing.T) {
	out, sink := io.Pipe()
	transport := mcp.NewStdIO(neverReader{}, sink)
	if err := transport.Start(func(mcp.Message) {}, nil); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer shutdownTransport(t, transport)

	lines := make(chan string, 2)
	go func() {
		scanner := bufio.NewScanner(out)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ctx := context.Background()
	if err := transport.Send(ctx, &mcp.Request{ID: mcp.IntID(1), Method: "ping"}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if err := transport.Send(ctx, &mcp.Notification{Method: "notifications/initialized"}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	// Frames come out one per line, in send order.
	first := waitLine(t, lines)
	var wire map[string]any
	if err := json.Unmarshal([]byte(first), &wire); err != nil {
		t.Fatalf("first line is not a JSON frame: %v", err)
	}
	if wire["method"] != "ping" {
		t.Errorf("expected ping first, got %v", wire["method"])
	}

	second := waitLine(t, lines)
	if err := json.Unmarshal([]byte(second), &wire); err != nil {
		t.Fatalf("second line is not a JSON frame: %v", err)
	}
	if wire["method"] != "notifications/initialized" {
		t.Errorf("expected initialized second, got %v", wire["method"])
	}
}

func TestStdIOSendBeforeStartIsQueued(t *testing.T) {
	out, sink := io.Pipe()
	transport := mcp.NewStdIO(neverReader{}, sink)

	if err := transport.Send(context.Background(), &mcp.Request{ID: mcp.IntID(1), Method: "ping"}); err != nil {
		t.Fatalf("send before start failed: %v", err)
	}

	if err := transport.Start(func(mcp.Message) {}, nil); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer shutdownTransport(t, transport)

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(out)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	line := waitLine(t, lines)
	var wire map[string]any
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		t.Fatalf("queued frame not written: %v", err)
	}
	if wire["method"] != "ping" {
		t.Errorf("unexpected frame %s", line)
	}
}

func TestStdIOShutdown(t *testing.T) {
	transport := mcp.NewStdIO(neverReader{}, io.Discard)
	if err := transport.Start(func(mcp.Message) {}, nil); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	// Idempotent.
	if err := transport.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}

	err := transport.Send(context.Background(), &mcp.Request{ID: mcp.IntID(1), Method: "ping"})
	if !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestStdIOReaderEOFExitsCleanly(t *testing.T) {
	reader, feed := io.Pipe()
	transport := mcp.NewStdIO(reader, io.Discard)
	if err := transport.Start(func(mcp.Message) {}, nil); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer shutdownTransport(t, transport)

	feed.Close()
	// Nothing to assert beyond "no panic": shutdown in the cleanup must not
	// hang on a reader that saw EOF.
}

func waitLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output line")
		return ""
	}
}

func shutdownTransport(t *testing.T, transport mcp.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown: %v", err)
	}
}

// neverReader blocks forever, standing in for an idle stdin.
type neverReader struct{}

func (neverReader) Read([]byte) (int, error) {
	select {}
}
