package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	defaultMCPPath           = "/mcp"
	defaultKeepAliveInterval = 30 * time.Second

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"
)

// StreamableHTTPOption configures a StreamableHTTPServer.
type StreamableHTTPOption func(*StreamableHTTPServer)

// StreamableHTTPServer is the server side of the Streamable HTTP transport:
// a single endpoint (default /mcp) answering POST with JSON or per-request
// SSE replies, GET with a long-lived SSE stream for server-initiated frames,
// and DELETE with session termination. Sessions are keyed by the
// Mcp-Session-Id header; the server mints a UUIDv4 on the first request that
// lacks one and returns it in the response header.
//
// The server implements http.Handler, so it can be mounted on any mux, or
// run standalone through ListenAndServe.
type StreamableHTTPServer struct {
	mcpPath           string
	allowedOrigins    []string
	keepAliveInterval time.Duration
	logger            *slog.Logger

	callbackMu sync.Mutex
	onMessage  MessageHandler
	onError    ErrorHandler

	sessionMu sync.Mutex
	sessions  map[string]*httpServerSession

	// pending holds per-request rendezvous channels so responses produced
	// by the peer find their way back to the POST that carried the request.
	pendingMu sync.Mutex
	pending   map[string]chan *Response

	httpMu  sync.Mutex
	httpSrv *http.Server

	done         chan struct{}
	shutdownOnce sync.Once
}

// postRendezvous pairs a request id from a POST body with the channel its
// response is delivered on.
type postRendezvous struct {
	id string
	ch chan *Response
}

type httpServerSession struct {
	id string

	// mu also serializes writes on the sink, shared between broadcast
	// sends and the keepalive ticker.
	mu   sync.Mutex
	sink *sse.Session
}

// NewStreamableHTTPServer creates a Streamable HTTP server transport.
func NewStreamableHTTPServer(options ...StreamableHTTPOption) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		mcpPath:           defaultMCPPath,
		keepAliveInterval: defaultKeepAliveInterval,
		logger:            slog.Default(),
		sessions:          make(map[string]*httpServerSession),
		pending:           make(map[string]chan *Response),
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithMCPPath sets the endpoint path served by the transport.
func WithMCPPath(path string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.mcpPath = path
	}
}

// WithAllowedOrigins installs an Origin allow-list. When non-empty, requests
// carrying an Origin header that matches no entry exactly are rejected with
// 403.
func WithAllowedOrigins(origins []string) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.allowedOrigins = origins
	}
}

// WithKeepAliveInterval sets the interval of the ": ping" comments sent on
// GET streams.
func WithKeepAliveInterval(interval time.Duration) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.keepAliveInterval = interval
	}
}

// WithStreamableHTTPLogger sets the logger for the server transport.
func WithStreamableHTTPLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(s *StreamableHTTPServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "streamable-http"),
		)
	}
}

// Start implements Transport by installing the peer callbacks. The HTTP
// listener is driven separately: mount the server on a mux or call
// ListenAndServe.
func (s *StreamableHTTPServer) Start(onMessage MessageHandler, onError ErrorHandler) error {
	s.callbackMu.Lock()
	s.onMessage = onMessage
	s.onError = onError
	s.callbackMu.Unlock()
	return nil
}

// ListenAndServe runs a standalone HTTP server on addr until Shutdown.
func (s *StreamableHTTPServer) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	s.httpMu.Lock()
	s.httpSrv = srv
	s.httpMu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve streamable HTTP: %w", err)
	}
	return nil
}

// Send routes one outbound frame. Responses rendezvous with the POST request
// that carried the originating call; everything else (notifications and
// server-initiated requests) is emitted on every open GET stream.
func (s *StreamableHTTPServer) Send(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return ErrTransportClosed
	default:
	}

	if resp, ok := msg.(*Response); ok {
		s.pendingMu.Lock()
		ch, found := s.pending[resp.ID.String()]
		s.pendingMu.Unlock()
		if found {
			select {
			case ch <- resp:
			default:
			}
			return nil
		}
	}

	bs, err := Serialize(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	s.sessionMu.Lock()
	sessions := make([]*httpServerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionMu.Unlock()

	for _, sess := range sessions {
		if err := sess.sendEvent(bs); err != nil {
			s.logger.Warn("failed to push frame on SSE stream",
				slog.String("sessionID", sess.id),
				slog.String("err", err.Error()))
		}
	}
	return nil
}

// Shutdown terminates the transport and, when ListenAndServe is running,
// stops the embedded HTTP server.
func (s *StreamableHTTPServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.done)

		s.httpMu.Lock()
		srv := s.httpSrv
		s.httpMu.Unlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

// ServeHTTP dispatches the three endpoint methods.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.mcpPath != "" && r.URL.Path != s.mcpPath {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// validOrigin implements the DNS-rebinding check: with a configured
// allow-list, a present Origin header must match one entry exactly.
func (s *StreamableHTTPServer) validOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.allowedOrigins, origin)
}

func (s *StreamableHTTPServer) validProtocolVersion(r *http.Request) bool {
	version := r.Header.Get(headerProtocolVersion)
	return version == "" || version == ProtocolVersion
}

// resolveSession looks up the session named by the request header, minting a
// fresh UUIDv4 session when the header is absent. The session id is always
// echoed in the response header. Returns nil after replying 404 for an
// unknown id.
func (s *StreamableHTTPServer) resolveSession(w http.ResponseWriter, r *http.Request) *httpServerSession {
	id := r.Header.Get(headerSessionID)

	if id == "" {
		sess := &httpServerSession{id: uuid.New().String()}
		s.sessionMu.Lock()
		s.sessions[sess.id] = sess
		s.sessionMu.Unlock()
		w.Header().Set(headerSessionID, sess.id)
		return sess
	}

	s.sessionMu.Lock()
	sess, ok := s.sessions[id]
	s.sessionMu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"session not found"}`)
		return nil
	}
	w.Header().Set(headerSessionID, sess.id)
	return sess
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if !s.validOrigin(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"invalid origin"}`)
		return
	}
	if !s.validProtocolVersion(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unsupported protocol version"}`)
		return
	}

	sess := s.resolveSession(w, r)
	if sess == nil {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	batch := isBatch(body)
	var msgs []Message
	if batch {
		msgs, err = ParseBatch(body)
	} else {
		var msg Message
		msg, err = Parse(body)
		if msg != nil {
			msgs = []Message{msg}
		}
	}
	if err != nil {
		s.writeParseError(w, err)
		return
	}

	// Register a rendezvous for every request before handing any frame to
	// the peer, so responses cannot slip past the collector.
	var expects []postRendezvous
	for _, msg := range msgs {
		req, ok := msg.(*Request)
		if !ok {
			continue
		}
		ch := make(chan *Response, 1)
		key := req.ID.String()
		s.pendingMu.Lock()
		s.pending[key] = ch
		s.pendingMu.Unlock()
		expects = append(expects, postRendezvous{id: key, ch: ch})
	}
	defer func() {
		s.pendingMu.Lock()
		for _, e := range expects {
			delete(s.pending, e.id)
		}
		s.pendingMu.Unlock()
	}()

	s.callbackMu.Lock()
	onMessage := s.onMessage
	s.callbackMu.Unlock()
	if onMessage == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	for _, msg := range msgs {
		onMessage(msg)
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.respondSSE(w, r, expects)
		return
	}

	// Notification-only input acknowledges with 202 and no body.
	if len(expects) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	responses := make([]Message, 0, len(expects))
	for _, e := range expects {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case resp := <-e.ch:
			responses = append(responses, resp)
		}
	}

	var out []byte
	if batch {
		out, err = SerializeBatch(responses)
	} else {
		out, err = Serialize(responses[0])
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		s.logger.Warn("failed to write POST response", slog.String("err", err.Error()))
	}
}

// respondSSE streams each response of this POST as a data event and closes
// the stream with a done event.
func (s *StreamableHTTPServer) respondSSE(w http.ResponseWriter, r *http.Request, expects []postRendezvous) {
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "failed to upgrade to SSE", http.StatusInternalServerError)
		return
	}

	for _, e := range expects {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case resp := <-e.ch:
			bs, err := Serialize(resp)
			if err != nil {
				s.logger.Error("failed to serialize response", slog.String("err", err.Error()))
				continue
			}
			msg := &sse.Message{}
			msg.AppendData(string(bs))
			if err := sseSess.Send(msg); err != nil {
				return
			}
			if err := sseSess.Flush(); err != nil {
				return
			}
		}
	}

	doneMsg := &sse.Message{Type: sse.Type("done")}
	doneMsg.AppendData("{}")
	if err := sseSess.Send(doneMsg); err != nil {
		return
	}
	if err := sseSess.Flush(); err != nil {
		s.logger.Warn("failed to flush SSE done event", slog.String("err", err.Error()))
	}
}

func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.validOrigin(r) {
		http.Error(w, "invalid origin", http.StatusForbidden)
		return
	}

	sess := s.resolveSession(w, r)
	if sess == nil {
		return
	}

	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "failed to upgrade to SSE", http.StatusInternalServerError)
		return
	}

	sess.mu.Lock()
	sess.sink = sseSess
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		if sess.sink == sseSess {
			sess.sink = nil
		}
		sess.mu.Unlock()
	}()

	if err := sess.sendComment("ping"); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	// The stream stays open until the client disconnects or the transport
	// shuts down; frames are pushed by Send, only keepalives happen here.
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := sess.sendComment("ping"); err != nil {
				return
			}
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(headerSessionID)
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	s.sessionMu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *StreamableHTTPServer) writeParseError(w http.ResponseWriter, err error) {
	errFrame := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Error   *Error `json:"error"`
	}{
		JSONRPC: JSONRPCVersion,
		Error:   Errorf(CodeParseError, "%s", err.Error()),
	}
	bs, _ := json.Marshal(errFrame)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	if _, err := w.Write(bs); err != nil {
		s.logger.Warn("failed to write parse error", slog.String("err", err.Error()))
	}
}

func (sess *httpServerSession) sendEvent(data []byte) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sink == nil {
		return nil
	}

	msg := &sse.Message{}
	msg.AppendData(string(data))
	if err := sess.sink.Send(msg); err != nil {
		return err
	}
	return sess.sink.Flush()
}

func (sess *httpServerSession) sendComment(comment string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.sink == nil {
		return nil
	}

	msg := &sse.Message{}
	msg.AppendComment(comment)
	if err := sess.sink.Send(msg); err != nil {
		return err
	}
	return sess.sink.Flush()
}

// StreamableHTTPClientOption configures a StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

// StreamableHTTPClient is the client side of the Streamable HTTP transport.
// Every outbound frame is POSTed to the endpoint with the protocol-version
// and session-id headers; response bodies, JSON or SSE, are surfaced on the
// message callback. With WithListenStream the client also opens the GET SSE
// stream to receive server-initiated frames.
type StreamableHTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	withStream bool

	callbackMu sync.Mutex
	onMessage  MessageHandler
	onError    ErrorHandler

	sessionMu sync.Mutex
	sessionID string

	streamCancel context.CancelFunc

	done         chan struct{}
	shutdownOnce sync.Once
}

// NewStreamableHTTPClient creates a client transport for the MCP endpoint at
// url. A nil httpClient falls back to http.DefaultClient.
func NewStreamableHTTPClient(url string, httpClient *http.Client, options ...StreamableHTTPClientOption) *StreamableHTTPClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableHTTPClient{
		url:        url,
		httpClient: cli,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithListenStream opens the long-lived GET SSE stream on Start, so
// server-initiated requests and notifications reach the client between
// calls.
func WithListenStream() StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.withStream = true
	}
}

// WithStreamableHTTPClientLogger sets the logger for the client transport.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "streamable-http-client"),
		)
	}
}

// SessionID returns the session id assigned by the server, empty before the
// first response.
func (c *StreamableHTTPClient) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// Start installs the callbacks and, when configured, opens the GET stream.
func (c *StreamableHTTPClient) Start(onMessage MessageHandler, onError ErrorHandler) error {
	c.callbackMu.Lock()
	c.onMessage = onMessage
	c.onError = onError
	c.callbackMu.Unlock()

	if c.withStream {
		ctx, cancel := context.WithCancel(context.Background())
		c.streamCancel = cancel
		go c.listenStream(ctx)
	}
	return nil
}

// Send POSTs one frame and surfaces whatever the server replies, a single
// JSON frame, a batch, or an SSE stream, on the message callback.
func (c *StreamableHTTPClient) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	bs, err := Serialize(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setSessionHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	c.captureSessionID(resp)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.readEvents(resp.Body)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	c.deliverRaw(body)
	return nil
}

// Shutdown terminates the transport and the GET stream.
func (c *StreamableHTTPClient) Shutdown(_ context.Context) error {
	c.shutdownOnce.Do(func() {
		close(c.done)
		if c.streamCancel != nil {
			c.streamCancel()
		}
	})
	return nil
}

func (c *StreamableHTTPClient) setSessionHeaders(req *http.Request) {
	req.Header.Set(headerProtocolVersion, ProtocolVersion)
	if id := c.SessionID(); id != "" {
		req.Header.Set(headerSessionID, id)
	}
}

func (c *StreamableHTTPClient) captureSessionID(resp *http.Response) {
	id := resp.Header.Get(headerSessionID)
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *StreamableHTTPClient) listenStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.reportError(fmt.Errorf("failed to create stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setSessionHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.reportError(fmt.Errorf("failed to open SSE stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.reportError(fmt.Errorf("unexpected stream status code: %d", resp.StatusCode))
		return
	}
	c.captureSessionID(resp)

	c.readEvents(resp.Body)
}

// readEvents consumes an SSE body, delivering every data event as a frame
// until a done event or the end of the stream.
func (c *StreamableHTTPClient) readEvents(body io.Reader) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			select {
			case <-c.done:
			default:
				c.reportError(fmt.Errorf("failed to read SSE event: %w", err))
			}
			return
		}
		if ev.Type == "done" {
			return
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}
		c.deliverRaw([]byte(ev.Data))
	}
}

func (c *StreamableHTTPClient) deliverRaw(body []byte) {
	c.callbackMu.Lock()
	onMessage := c.onMessage
	c.callbackMu.Unlock()
	if onMessage == nil {
		return
	}

	if isBatch(body) {
		msgs, err := ParseBatch(body)
		if err != nil {
			c.reportError(err)
			return
		}
		for _, msg := range msgs {
			onMessage(msg)
		}
		return
	}

	msg, err := Parse(body)
	if err != nil {
		c.reportError(err)
		return
	}
	onMessage(msg)
}

func (c *StreamableHTTPClient) reportError(err error) {
	c.callbackMu.Lock()
	onError := c.onError
	c.callbackMu.Unlock()

	if onError != nil {
		onError(err)
		return
	}
	c.logger.Error("streamable HTTP client error", slog.String("err", err.Error()))
}
