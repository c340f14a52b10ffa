package mcp

import (
	"strconv"
	"sync"
	"time"
)

// SessionState tracks the lifecycle of one peer session.
type SessionState int

// Session lifecycle states, in handshake order.
const (
	SessionUninitialized SessionState = iota
	SessionInitializing
	SessionReady
	SessionShuttingDown
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionShuttingDown:
		return "shutting down"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

const defaultRequestTimeout = 30 * time.Second

// CompletionFunc receives the outcome of an outbound request: the correlated
// response, or an error when the request timed out or the transport died.
// It is invoked exactly once.
type CompletionFunc func(resp *Response, err error)

type pendingRequest struct {
	method        string
	createdAt     time.Time
	complete      CompletionFunc
	progressToken *ProgressToken
}

// Session owns the outbound side of one peer: the request id counter, the
// pending-call table, timeout accounting, lifecycle state and the negotiated
// handshake results. All fields are guarded by a single mutex; completion
// callbacks fire with the mutex released.
type Session struct {
	mu              sync.Mutex
	state           SessionState
	nextID          int64
	pending         map[string]*pendingRequest
	serverCaps      ServerCapabilities
	clientCaps      ClientCapabilities
	protocolVersion string
	transportSessID string
	requestTimeout  time.Duration
}

// NewSession creates a session in the Uninitialized state with the default
// 30 second request timeout.
func NewSession() *Session {
	return &Session{
		nextID:         1,
		pending:        make(map[string]*pendingRequest),
		requestTimeout: defaultRequestTimeout,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to a new lifecycle state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// NextID allocates the next integer request id. IDs are monotonic and never
// reused within the session's lifetime.
func (s *Session) NextID() RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocID()
}

func (s *Session) allocID() RequestID {
	id := IntID(s.nextID)
	s.nextID++
	return id
}

// RegisterRequest allocates an id and records a pending entry for an
// outbound request. The completion fires exactly once: from CompleteRequest
// on the matched response, from CheckTimeouts on expiry, or from
// FailAllPending on shutdown.
func (s *Session) RegisterRequest(method string, complete CompletionFunc) RequestID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocID()
	s.pending[id.String()] = &pendingRequest{
		method:    method,
		createdAt: time.Now(),
		complete:  complete,
	}
	return id
}

// RegisterProgressToken associates a progress token with a pending request.
func (s *Session) RegisterProgressToken(id RequestID, token ProgressToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.pending[id.String()]; ok {
		entry.progressToken = &token
	}
}

// CompleteRequest correlates a response to its pending entry, fires the
// waiter and removes the entry. It reports whether an entry existed; late
// responses after a timeout, and responses to ids this peer never issued,
// return false and are dropped by the caller.
func (s *Session) CompleteRequest(id RequestID, resp *Response) bool {
	s.mu.Lock()
	entry, ok := s.pending[id.String()]
	if ok {
		delete(s.pending, id.String())
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if entry.complete != nil {
		entry.complete(resp, nil)
	}
	return true
}

// dropPending removes a pending entry without firing its waiter, for
// requests whose send never reached the transport.
func (s *Session) dropPending(id RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id.String())
}

// HasPending reports whether an outbound request with the id is in flight.
func (s *Session) HasPending(id RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id.String()]
	return ok
}

// SetRequestTimeout changes the deadline applied to outbound requests.
func (s *Session) SetRequestTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestTimeout = timeout
}

// RequestTimeout returns the deadline applied to outbound requests.
func (s *Session) RequestTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestTimeout
}

// CheckTimeouts drains every pending entry older than the request timeout,
// fails each drained waiter with ErrRequestTimeout, and returns the expired
// ids. A response arriving after the sweep finds no entry and is dropped.
func (s *Session) CheckTimeouts() []RequestID {
	now := time.Now()

	s.mu.Lock()
	var expired []RequestID
	var completions []CompletionFunc
	for key, entry := range s.pending {
		if now.Sub(entry.createdAt) < s.requestTimeout {
			continue
		}
		delete(s.pending, key)
		expired = append(expired, requestIDFromKey(key))
		if entry.complete != nil {
			completions = append(completions, entry.complete)
		}
	}
	s.mu.Unlock()

	for _, complete := range completions {
		complete(nil, ErrRequestTimeout)
	}
	return expired
}

// FailAllPending drains the whole pending table and fails every waiter with
// the given error. Called on shutdown.
func (s *Session) FailAllPending(err error) {
	s.mu.Lock()
	var completions []CompletionFunc
	for key, entry := range s.pending {
		delete(s.pending, key)
		if entry.complete != nil {
			completions = append(completions, entry.complete)
		}
	}
	s.mu.Unlock()

	for _, complete := range completions {
		complete(nil, err)
	}
}

// SetCapabilities stores the negotiated capability pair.
func (s *Session) SetCapabilities(server ServerCapabilities, client ClientCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverCaps = server
	s.clientCaps = client
}

// Capabilities returns the negotiated capability pair.
func (s *Session) Capabilities() (ServerCapabilities, ClientCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps, s.clientCaps
}

// SetProtocolVersion stores the negotiated protocol version.
func (s *Session) SetProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// SetTransportSessionID stores the transport-level session id, e.g. the
// Mcp-Session-Id of a Streamable HTTP session.
func (s *Session) SetTransportSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportSessID = id
}

// TransportSessionID returns the transport-level session id.
func (s *Session) TransportSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportSessID
}

// requestIDFromKey rebuilds a RequestID from a pending-table key. Integer
// ids are stringified on insert, so a decimal key round-trips back to an
// integer id.
func requestIDFromKey(key string) RequestID {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return IntID(n)
	}
	return StringID(key)
}
