package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SamplingHandler generates a model response for a server-issued
// sampling/createMessage request.
type SamplingHandler func(ctx context.Context, req SamplingRequest) (SamplingResult, error)

// ElicitationHandler answers a server-issued elicitation/create request by
// collecting input from the user.
type ElicitationHandler func(ctx context.Context, req ElicitationRequest) (ElicitationResult, error)

// ClientOption configures a Client.
type ClientOption func(*Client)

// Client is the client flavor of an MCP peer. It drives the initialization
// handshake, exposes typed wrappers for the server's method surface, and
// serves the reverse requests (sampling, roots, elicitation) a server may
// issue back over the same connection.
//
// A Client must be created with NewClient, connected with Connect and
// released with Close.
type Client struct {
	info           Implementation
	requestTimeout time.Duration
	workerCount    int
	logger         *slog.Logger

	router *Router
	peer   *peer

	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler

	rootsMu  sync.Mutex
	roots    []Root
	rootsSet bool

	onToolsChanged     func()
	onResourcesChanged func()
	onResourceUpdated  func(uri string)
	onPromptsChanged   func()
	onProgress         func(params ProgressParams)
	onLog              func(msg LogMessage)

	serverMu     sync.Mutex
	serverInfo   Implementation
	serverCaps   ServerCapabilities
	instructions string
}

// NewClient creates an MCP client with the given implementation info.
func NewClient(info Implementation, options ...ClientOption) *Client {
	c := &Client{
		info:           info,
		requestTimeout: defaultRequestTimeout,
		workerCount:    defaultWorkerCount,
		logger:         slog.Default(),
		router:         NewRouter(),
	}
	for _, opt := range options {
		opt(c)
	}

	session := NewSession()
	session.SetRequestTimeout(c.requestTimeout)
	c.peer = newPeer(c.router, session, c.workerCount, c.logger)

	c.setupRouter()
	return c
}

// WithSamplingHandler installs the sampling handler and advertises the
// sampling capability.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithElicitationHandler installs the elicitation handler and advertises the
// elicitation capability.
func WithElicitationHandler(handler ElicitationHandler) ClientOption {
	return func(c *Client) {
		c.elicitationHandler = handler
	}
}

// WithRoots sets the initial roots list and advertises the roots capability.
func WithRoots(roots []Root) ClientOption {
	return func(c *Client) {
		c.roots = roots
		c.rootsSet = true
	}
}

// WithClientRequestTimeout sets the deadline for outbound requests.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithClientWorkerCount sets the size of the handler worker pool.
func WithClientWorkerCount(count int) ClientOption {
	return func(c *Client) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "client"),
		)
	}
}

// WithToolListWatcher sets the callback for notifications/tools/list_changed.
func WithToolListWatcher(f func()) ClientOption {
	return func(c *Client) {
		c.onToolsChanged = f
	}
}

// WithResourceListWatcher sets the callback for
// notifications/resources/list_changed.
func WithResourceListWatcher(f func()) ClientOption {
	return func(c *Client) {
		c.onResourcesChanged = f
	}
}

// WithResourceUpdatedWatcher sets the callback for
// notifications/resources/updated.
func WithResourceUpdatedWatcher(f func(uri string)) ClientOption {
	return func(c *Client) {
		c.onResourceUpdated = f
	}
}

// WithPromptListWatcher sets the callback for
// notifications/prompts/list_changed.
func WithPromptListWatcher(f func()) ClientOption {
	return func(c *Client) {
		c.onPromptsChanged = f
	}
}

// WithProgressListener sets the callback for notifications/progress.
func WithProgressListener(f func(params ProgressParams)) ClientOption {
	return func(c *Client) {
		c.onProgress = f
	}
}

// WithLogReceiver sets the callback for notifications/message.
func WithLogReceiver(f func(msg LogMessage)) ClientOption {
	return func(c *Client) {
		c.onLog = f
	}
}

// Connect binds the client to a transport and runs the initialization
// handshake: initialize, version check, capability exchange and the
// initialized notification. After Connect returns the session is ready.
func (c *Client) Connect(ctx context.Context, t Transport) error {
	if err := c.peer.start(t); err != nil {
		return err
	}

	c.peer.session.SetState(SessionInitializing)

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.info,
	}
	var result InitializeResult
	if err := c.peer.callInto(ctx, methodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %q, expected %q",
			result.ProtocolVersion, ProtocolVersion)
	}

	c.serverMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.instructions = result.Instructions
	c.serverMu.Unlock()

	c.peer.session.SetCapabilities(result.Capabilities, params.Capabilities)
	c.peer.session.SetProtocolVersion(result.ProtocolVersion)
	c.router.SetCapabilities(result.Capabilities, params.Capabilities)

	if err := c.peer.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.peer.session.SetState(SessionReady)
	return nil
}

// Close shuts the client down: the transport is closed and every blocked
// call is failed.
func (c *Client) Close(ctx context.Context) error {
	return c.peer.shutdown(ctx)
}

// ServerInfo returns the connected server's implementation info.
func (c *Client) ServerInfo() Implementation {
	c.serverMu.Lock()
	defer c.serverMu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities negotiated during Connect.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.serverMu.Lock()
	defer c.serverMu.Unlock()
	return c.serverCaps
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	c.serverMu.Lock()
	defer c.serverMu.Unlock()
	return c.instructions
}

// Session exposes the client's session, mainly for state inspection.
func (c *Client) Session() *Session {
	return c.peer.session
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.peer.callInto(ctx, methodPing, nil, nil)
}

// ListTools fetches one page of tools. An empty cursor requests the first
// page.
func (c *Client) ListTools(ctx context.Context, cursor string) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.peer.callInto(ctx, MethodToolsList, ListToolsParams{Cursor: cursor}, &result)
	return result, err
}

// CallTool invokes a tool by name. Arguments may be any JSON-marshalable
// value; nil sends no arguments.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (CallToolResult, error) {
	var args json.RawMessage
	if arguments != nil {
		bs, err := json.Marshal(arguments)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		args = bs
	}

	var result CallToolResult
	err := c.peer.callInto(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, &result)
	return result, err
}

// CallToolWithProgress invokes a tool and attaches a progress token under
// which the server may emit notifications/progress; deliver those through
// WithProgressListener.
func (c *Client) CallToolWithProgress(ctx context.Context, name string, arguments any, token ProgressToken) (CallToolResult, error) {
	var args json.RawMessage
	if arguments != nil {
		bs, err := json.Marshal(arguments)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		args = bs
	}

	var result CallToolResult
	err := c.peer.callInto(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      &ParamsMeta{ProgressToken: &token},
	}, &result)
	return result, err
}

// ListResources fetches one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.peer.callInto(ctx, MethodResourcesList, ListResourcesParams{Cursor: cursor}, &result)
	return result, err
}

// ListResourceTemplates fetches one page of resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.peer.callInto(ctx, MethodResourcesTemplatesList,
		ListResourceTemplatesParams{Cursor: cursor}, &result)
	return result, err
}

// ReadResource reads the resource at the URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.peer.callInto(ctx, MethodResourcesRead, ReadResourceParams{URI: uri}, &result)
	return result, err
}

// SubscribeResource subscribes to update notifications for the URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	return c.peer.callInto(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil)
}

// UnsubscribeResource removes the subscription for the URI.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	return c.peer.callInto(ctx, MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: uri}, nil)
}

// ListPrompts fetches one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.peer.callInto(ctx, MethodPromptsList, ListPromptsParams{Cursor: cursor}, &result)
	return result, err
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.peer.callInto(ctx, MethodPromptsGet,
		GetPromptParams{Name: name, Arguments: arguments}, &result)
	return result, err
}

// Complete requests completion suggestions for a prompt or resource-template
// argument.
func (c *Client) Complete(ctx context.Context, ref CompletionRef, arg CompletionArgument) (CompletionResult, error) {
	var result CompletionResult
	err := c.peer.callInto(ctx, MethodCompletionComplete,
		CompleteParams{Ref: ref, Argument: arg}, &result)
	return result, err
}

// SetLogLevel sets the minimum severity of log messages the server emits.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	return c.peer.callInto(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil)
}

// CancelRequest sends notifications/cancelled for an in-flight request. The
// pending entry is untouched on this side: either the response still
// arrives, or the timeout fires.
func (c *Client) CancelRequest(ctx context.Context, id RequestID, reason string) error {
	return c.peer.notify(ctx, methodNotificationsCancelled,
		CancelledParams{RequestID: id, Reason: reason})
}

// SetRoots replaces the roots list and, once the session is ready, emits
// notifications/roots/list_changed.
func (c *Client) SetRoots(ctx context.Context, roots []Root) error {
	c.rootsMu.Lock()
	c.roots = roots
	c.rootsSet = true
	c.rootsMu.Unlock()

	if c.peer.session.State() != SessionReady {
		return nil
	}
	return c.peer.notify(ctx, methodNotificationsRootsListChanged, nil)
}

func (c *Client) capabilities() ClientCapabilities {
	caps := ClientCapabilities{}
	c.rootsMu.Lock()
	if c.rootsSet {
		caps.Roots = json.RawMessage(`{"listChanged":true}`)
	}
	c.rootsMu.Unlock()
	if c.samplingHandler != nil {
		caps.Sampling = emptyResult
	}
	if c.elicitationHandler != nil {
		caps.Elicitation = emptyResult
	}
	return caps
}

func (c *Client) setupRouter() {
	c.router.OnRequest(methodPing, func(context.Context, json.RawMessage) (any, error) {
		return emptyResult, nil
	})

	c.router.OnRequest(MethodSamplingCreateMessage, c.handleSampling)
	c.router.RequireCapability(MethodSamplingCreateMessage, capabilitySampling)

	c.router.OnRequest(MethodRootsList, c.handleRootsList)
	c.router.RequireCapability(MethodRootsList, capabilityRoots)

	c.router.OnRequest(MethodElicitationCreate, c.handleElicitation)
	c.router.RequireCapability(MethodElicitationCreate, capabilityElicitation)

	c.router.OnNotification(methodNotificationsCancelled, func(_ context.Context, params json.RawMessage) {
		var p CancelledParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.peer.cancelInFlight(p.RequestID)
	})
	c.router.OnNotification(methodNotificationsToolsListChanged, func(context.Context, json.RawMessage) {
		if c.onToolsChanged != nil {
			c.onToolsChanged()
		}
	})
	c.router.OnNotification(methodNotificationsResourcesListChanged, func(context.Context, json.RawMessage) {
		if c.onResourcesChanged != nil {
			c.onResourcesChanged()
		}
	})
	c.router.OnNotification(methodNotificationsResourcesUpdated, func(_ context.Context, params json.RawMessage) {
		if c.onResourceUpdated == nil {
			return
		}
		var p ResourceUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.onResourceUpdated(p.URI)
	})
	c.router.OnNotification(methodNotificationsPromptsListChanged, func(context.Context, json.RawMessage) {
		if c.onPromptsChanged != nil {
			c.onPromptsChanged()
		}
	})
	c.router.OnNotification(methodNotificationsProgress, func(_ context.Context, params json.RawMessage) {
		if c.onProgress == nil {
			return
		}
		var p ProgressParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.onProgress(p)
	})
	c.router.OnNotification(methodNotificationsMessage, func(_ context.Context, params json.RawMessage) {
		if c.onLog == nil {
			return
		}
		var msg LogMessage
		if err := json.Unmarshal(params, &msg); err != nil {
			return
		}
		c.onLog(msg)
	})
}

func (c *Client) handleSampling(ctx context.Context, params json.RawMessage) (any, error) {
	if c.samplingHandler == nil {
		return nil, Errorf(CodeMethodNotFound, "sampling not supported by client")
	}
	var req SamplingRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}
	return c.samplingHandler(ctx, req)
}

func (c *Client) handleRootsList(context.Context, json.RawMessage) (any, error) {
	c.rootsMu.Lock()
	roots := make([]Root, len(c.roots))
	copy(roots, c.roots)
	c.rootsMu.Unlock()
	return RootList{Roots: roots}, nil
}

func (c *Client) handleElicitation(ctx context.Context, params json.RawMessage) (any, error) {
	if c.elicitationHandler == nil {
		return nil, Errorf(CodeMethodNotFound, "elicitation not supported by client")
	}
	var req ElicitationRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}
	return c.elicitationHandler(ctx, req)
}
