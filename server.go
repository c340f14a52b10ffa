package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// ToolHandler executes a tool call with its raw JSON arguments. A returned
// error is reported as a tool-level failure (CallToolResult with IsError),
// never as a JSON-RPC error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// ResourceReadHandler produces the contents of a resource. Registered per
// exact URI through AddResource, or per URI template through
// AddResourceTemplate.
type ResourceReadHandler func(ctx context.Context, uri string) ([]ResourceContents, error)

// PromptHandler renders a prompt with the given arguments.
type PromptHandler func(ctx context.Context, name string, args map[string]string) (GetPromptResult, error)

// CompletionHandler produces completion suggestions for a prompt or
// resource-template argument.
type CompletionHandler func(ctx context.Context, ref CompletionRef, arg CompletionArgument) (Completion, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server is the server flavor of an MCP peer. It exposes registered tools,
// resources, prompts, completions and logging to one connected client over a
// Transport, and may call back into that client for sampling, roots and
// elicitation.
//
// Registration may happen before or after Start; mutations while the session
// is ready emit the matching */list_changed notification. A Server must be
// created with NewServer and released with Shutdown.
type Server struct {
	info           Implementation
	instructions   string
	pageSize       int
	workerCount    int
	requestTimeout time.Duration
	logger         *slog.Logger

	router *Router
	peer   *peer

	storeMu       sync.Mutex
	tools         *pagedStore[toolEntry]
	resources     *pagedStore[resourceEntry]
	templates     *pagedStore[templateEntry]
	prompts       *pagedStore[promptEntry]
	completion    CompletionHandler
	subscriptions map[string]struct{}
	minLogLevel   LogLevel

	onRootsListChanged func()
}

type toolEntry struct {
	def     Tool
	handler ToolHandler
}

type resourceEntry struct {
	def     Resource
	handler ResourceReadHandler
}

type templateEntry struct {
	def     ResourceTemplate
	handler ResourceReadHandler
	pattern glob.Glob
}

type promptEntry struct {
	def     Prompt
	handler PromptHandler
}

// NewServer creates an MCP server with the given implementation info. All
// protocol handlers are registered up front, before the server accepts an
// initialize request.
func NewServer(info Implementation, options ...ServerOption) *Server {
	s := &Server{
		info:           info,
		pageSize:       defaultPageSize,
		workerCount:    defaultWorkerCount,
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
		router:         NewRouter(),
		subscriptions:  make(map[string]struct{}),
		minLogLevel:    LogLevelInfo,
	}
	for _, opt := range options {
		opt(s)
	}

	s.tools = newPagedStore[toolEntry](s.pageSize)
	s.resources = newPagedStore[resourceEntry](s.pageSize)
	s.templates = newPagedStore[templateEntry](s.pageSize)
	s.prompts = newPagedStore[promptEntry](s.pageSize)

	session := NewSession()
	session.SetRequestTimeout(s.requestTimeout)
	s.peer = newPeer(s.router, session, s.workerCount, s.logger)

	s.setupRouter()
	return s
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPageSize sets the page size of the list methods.
func WithPageSize(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithWorkerCount sets the size of the handler worker pool.
func WithWorkerCount(count int) ServerOption {
	return func(s *Server) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithRequestTimeout sets the deadline for outbound server-to-client calls.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "server"),
		)
	}
}

// WithOnRootsListChanged sets the callback invoked when the client reports
// that its roots list changed.
func WithOnRootsListChanged(f func()) ServerOption {
	return func(s *Server) {
		s.onRootsListChanged = f
	}
}

// Start binds the server to a transport and begins serving. It does not
// block; use Shutdown to stop.
func (s *Server) Start(t Transport) error {
	return s.peer.start(t)
}

// Shutdown stops the server: the transport is shut down, pending reverse
// calls are failed, and queued handler work is drained.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.peer.shutdown(ctx)
}

// Session exposes the server's session, mainly for state inspection.
func (s *Server) Session() *Session {
	return s.peer.session
}

// AddTool registers a tool and its handler. Re-adding a name replaces the
// prior registration.
func (s *Server) AddTool(def Tool, handler ToolHandler) {
	s.storeMu.Lock()
	s.tools.add(def.Name, toolEntry{def: def, handler: handler})
	s.storeMu.Unlock()

	s.notifyListChanged(methodNotificationsToolsListChanged)
}

// RemoveTool removes a tool by name.
func (s *Server) RemoveTool(name string) {
	s.storeMu.Lock()
	removed := s.tools.remove(name)
	s.storeMu.Unlock()

	if removed {
		s.notifyListChanged(methodNotificationsToolsListChanged)
	}
}

// AddResource registers a resource and its read handler. Re-adding a URI
// replaces the prior registration.
func (s *Server) AddResource(def Resource, handler ResourceReadHandler) {
	s.storeMu.Lock()
	s.resources.add(def.URI, resourceEntry{def: def, handler: handler})
	s.storeMu.Unlock()

	s.notifyListChanged(methodNotificationsResourcesListChanged)
}

// AddResourceTemplate registers a resource template and the read handler
// used for any URI it matches. Matching expands each {var} expression of the
// template into a wildcard, so "file:///{path}" matches "file:///a/b.txt";
// literal template text must match exactly.
func (s *Server) AddResourceTemplate(def ResourceTemplate, handler ResourceReadHandler) {
	entry := templateEntry{def: def, handler: handler}
	if pattern, err := glob.Compile(templateGlobPattern(def.URITemplate)); err == nil {
		entry.pattern = pattern
	} else {
		s.logger.Warn("failed to compile resource template pattern",
			slog.String("uriTemplate", def.URITemplate),
			slog.String("err", err.Error()))
	}

	s.storeMu.Lock()
	s.templates.add(def.URITemplate, entry)
	s.storeMu.Unlock()

	s.notifyListChanged(methodNotificationsResourcesListChanged)
}

// RemoveResource removes a resource or resource template by URI.
func (s *Server) RemoveResource(uri string) {
	s.storeMu.Lock()
	removed := s.resources.remove(uri)
	if s.templates.remove(uri) {
		removed = true
	}
	s.storeMu.Unlock()

	if removed {
		s.notifyListChanged(methodNotificationsResourcesListChanged)
	}
}

// AddPrompt registers a prompt and its handler. Re-adding a name replaces
// the prior registration.
func (s *Server) AddPrompt(def Prompt, handler PromptHandler) {
	s.storeMu.Lock()
	s.prompts.add(def.Name, promptEntry{def: def, handler: handler})
	s.storeMu.Unlock()

	s.notifyListChanged(methodNotificationsPromptsListChanged)
}

// RemovePrompt removes a prompt by name.
func (s *Server) RemovePrompt(name string) {
	s.storeMu.Lock()
	removed := s.prompts.remove(name)
	s.storeMu.Unlock()

	if removed {
		s.notifyListChanged(methodNotificationsPromptsListChanged)
	}
}

// SetCompletionHandler installs the handler behind completion/complete.
// Installing one before initialize advertises the completions capability.
func (s *Server) SetCompletionHandler(handler CompletionHandler) {
	s.storeMu.Lock()
	s.completion = handler
	s.storeMu.Unlock()
}

// NotifyResourceUpdated emits notifications/resources/updated for the URI,
// but only when the client has subscribed to it.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) error {
	s.storeMu.Lock()
	_, subscribed := s.subscriptions[uri]
	s.storeMu.Unlock()

	if !subscribed {
		return nil
	}
	return s.peer.notify(ctx, methodNotificationsResourcesUpdated, ResourceUpdatedParams{URI: uri})
}

// Log emits a notifications/message log frame, suppressed when level is
// below the client-set minimum.
func (s *Server) Log(ctx context.Context, level LogLevel, loggerName string, data any) error {
	s.storeMu.Lock()
	minLevel := s.minLogLevel
	s.storeMu.Unlock()

	if level < minLevel {
		return nil
	}

	dataBs, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	return s.peer.notify(ctx, methodNotificationsMessage, LogMessage{
		Level:  level,
		Logger: loggerName,
		Data:   dataBs,
	})
}

// SendProgress emits notifications/progress under the given token. A zero
// total means unknown.
func (s *Server) SendProgress(ctx context.Context, token ProgressToken, progress, total float64, message string) error {
	return s.peer.notify(ctx, methodNotificationsProgress, ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// RequestSampling asks the connected client to generate a model response.
// The client must have advertised the sampling capability.
func (s *Server) RequestSampling(ctx context.Context, req SamplingRequest) (SamplingResult, error) {
	if _, clientCaps := s.peer.session.Capabilities(); clientCaps.Sampling == nil {
		return SamplingResult{}, fmt.Errorf("client does not support sampling")
	}
	var result SamplingResult
	err := s.peer.callInto(ctx, MethodSamplingCreateMessage, req, &result)
	return result, err
}

// RequestRoots asks the connected client for its root list. The client must
// have advertised the roots capability.
func (s *Server) RequestRoots(ctx context.Context) (RootList, error) {
	if _, clientCaps := s.peer.session.Capabilities(); clientCaps.Roots == nil {
		return RootList{}, fmt.Errorf("client does not support roots")
	}
	var result RootList
	err := s.peer.callInto(ctx, MethodRootsList, nil, &result)
	return result, err
}

// RequestElicitation asks the connected client to collect structured input
// from its user. The client must have advertised the elicitation capability.
func (s *Server) RequestElicitation(ctx context.Context, req ElicitationRequest) (ElicitationResult, error) {
	if _, clientCaps := s.peer.session.Capabilities(); clientCaps.Elicitation == nil {
		return ElicitationResult{}, fmt.Errorf("client does not support elicitation")
	}
	var result ElicitationResult
	err := s.peer.callInto(ctx, MethodElicitationCreate, req, &result)
	return result, err
}

func (s *Server) setupRouter() {
	s.router.OnRequest(methodInitialize, s.handleInitialize)
	s.router.OnRequest(methodPing, func(context.Context, json.RawMessage) (any, error) {
		return emptyResult, nil
	})

	s.router.OnRequest(MethodToolsList, s.handleListTools)
	s.router.OnRequest(MethodToolsCall, s.handleCallTool)
	s.router.RequireCapability(MethodToolsList, capabilityTools)
	s.router.RequireCapability(MethodToolsCall, capabilityTools)

	s.router.OnRequest(MethodResourcesList, s.handleListResources)
	s.router.OnRequest(MethodResourcesTemplatesList, s.handleListResourceTemplates)
	s.router.OnRequest(MethodResourcesRead, s.handleReadResource)
	s.router.OnRequest(MethodResourcesSubscribe, s.handleSubscribeResource)
	s.router.OnRequest(MethodResourcesUnsubscribe, s.handleUnsubscribeResource)
	for _, method := range []string{
		MethodResourcesList, MethodResourcesTemplatesList, MethodResourcesRead,
		MethodResourcesSubscribe, MethodResourcesUnsubscribe,
	} {
		s.router.RequireCapability(method, capabilityResources)
	}

	s.router.OnRequest(MethodPromptsList, s.handleListPrompts)
	s.router.OnRequest(MethodPromptsGet, s.handleGetPrompt)
	s.router.RequireCapability(MethodPromptsList, capabilityPrompts)
	s.router.RequireCapability(MethodPromptsGet, capabilityPrompts)

	s.router.OnRequest(MethodCompletionComplete, s.handleComplete)

	s.router.OnRequest(MethodLoggingSetLevel, s.handleSetLogLevel)
	s.router.RequireCapability(MethodLoggingSetLevel, capabilityLogging)

	s.router.OnNotification(methodNotificationsInitialized, func(context.Context, json.RawMessage) {
		s.peer.session.SetState(SessionReady)
		serverCaps, clientCaps := s.peer.session.Capabilities()
		s.router.SetCapabilities(serverCaps, clientCaps)
	})
	s.router.OnNotification(methodNotificationsCancelled, func(_ context.Context, params json.RawMessage) {
		var p CancelledParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.peer.cancelInFlight(p.RequestID)
	})
	s.router.OnNotification(methodNotificationsRootsListChanged, func(context.Context, json.RawMessage) {
		if s.onRootsListChanged != nil {
			s.onRootsListChanged()
		}
	})
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	if state := s.peer.session.State(); state != SessionUninitialized {
		return nil, Errorf(CodeInvalidRequest, "initialize in state %q", state)
	}
	s.peer.session.SetState(SessionInitializing)

	caps := s.computeCapabilities()
	s.peer.session.SetCapabilities(caps, p.Capabilities)
	s.peer.session.SetProtocolVersion(ProtocolVersion)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// computeCapabilities derives the advertised capabilities from what is
// registered at initialize time: tools when any tool exists, resources with
// subscribe and listChanged when any resource or template exists, prompts
// when any prompt exists, logging unconditionally, completions when a
// completion handler is installed.
func (s *Server) computeCapabilities() ServerCapabilities {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	caps := ServerCapabilities{Logging: emptyResult}
	if s.tools.len() > 0 {
		caps.Tools = json.RawMessage(`{"listChanged":true}`)
	}
	if s.resources.len() > 0 || s.templates.len() > 0 {
		caps.Resources = json.RawMessage(`{"subscribe":true,"listChanged":true}`)
	}
	if s.prompts.len() > 0 {
		caps.Prompts = json.RawMessage(`{"listChanged":true}`)
	}
	if s.completion != nil {
		caps.Completions = emptyResult
	}
	return caps
}

func (s *Server) handleListTools(_ context.Context, params json.RawMessage) (any, error) {
	var p ListToolsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	entries, next, err := s.tools.page(p.Cursor)
	s.storeMu.Unlock()
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.def)
	}
	return ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}
	ctx = withProgressToken(ctx, p.Meta)

	s.storeMu.Lock()
	entry, ok := s.tools.get(p.Name)
	s.storeMu.Unlock()
	if !ok {
		return nil, Errorf(CodeInvalidParams, "unknown tool %q", p.Name)
	}

	args := p.Arguments
	if args == nil {
		args = emptyResult
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		// Tool failure is a tool-level signal, not a JSON-RPC error.
		return CallToolResult{
			Content: []Content{TextContent{Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (s *Server) handleListResources(_ context.Context, params json.RawMessage) (any, error) {
	var p ListResourcesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	entries, next, err := s.resources.page(p.Cursor)
	s.storeMu.Unlock()
	if err != nil {
		return nil, err
	}

	resources := make([]Resource, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, e.def)
	}
	return ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (s *Server) handleListResourceTemplates(_ context.Context, params json.RawMessage) (any, error) {
	var p ListResourceTemplatesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	entries, next, err := s.templates.page(p.Cursor)
	s.storeMu.Unlock()
	if err != nil {
		return nil, err
	}

	templates := make([]ResourceTemplate, 0, len(entries))
	for _, e := range entries {
		templates = append(templates, e.def)
	}
	return ListResourceTemplatesResult{ResourceTemplates: templates, NextCursor: next}, nil
}

func (s *Server) handleReadResource(ctx context.Context, params json.RawMessage) (any, error) {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}
	ctx = withProgressToken(ctx, p.Meta)

	// Exact URI first, template match second.
	s.storeMu.Lock()
	var handler ResourceReadHandler
	if entry, ok := s.resources.get(p.URI); ok {
		handler = entry.handler
	} else {
		for _, tmpl := range s.templates.all() {
			if tmpl.matches(p.URI) {
				handler = tmpl.handler
				break
			}
		}
	}
	s.storeMu.Unlock()

	if handler == nil {
		return nil, Errorf(CodeResourceNotFound, "resource not found: %s", p.URI)
	}

	contents, err := handler(ctx, p.URI)
	if err != nil {
		return nil, err
	}
	return ReadResourceResult{Contents: contents}, nil
}

func (s *Server) handleSubscribeResource(_ context.Context, params json.RawMessage) (any, error) {
	var p SubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	s.subscriptions[p.URI] = struct{}{}
	s.storeMu.Unlock()
	return emptyResult, nil
}

func (s *Server) handleUnsubscribeResource(_ context.Context, params json.RawMessage) (any, error) {
	var p UnsubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	delete(s.subscriptions, p.URI)
	s.storeMu.Unlock()
	return emptyResult, nil
}

func (s *Server) handleListPrompts(_ context.Context, params json.RawMessage) (any, error) {
	var p ListPromptsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	entries, next, err := s.prompts.page(p.Cursor)
	s.storeMu.Unlock()
	if err != nil {
		return nil, err
	}

	prompts := make([]Prompt, 0, len(entries))
	for _, e := range entries {
		prompts = append(prompts, e.def)
	}
	return ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	entry, ok := s.prompts.get(p.Name)
	s.storeMu.Unlock()
	if !ok {
		return nil, Errorf(CodeInvalidParams, "unknown prompt %q", p.Name)
	}

	return entry.handler(ctx, p.Name, p.Arguments)
}

func (s *Server) handleComplete(ctx context.Context, params json.RawMessage) (any, error) {
	var p CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	handler := s.completion
	s.storeMu.Unlock()
	if handler == nil {
		return nil, Errorf(CodeMethodNotFound, "completion not supported by server")
	}

	completion, err := handler(ctx, p.Ref, p.Argument)
	if err != nil {
		return nil, err
	}
	if len(completion.Values) > maxCompletionValues {
		completion.Values = completion.Values[:maxCompletionValues]
		completion.HasMore = true
	}
	return CompletionResult{Completion: completion}, nil
}

func (s *Server) handleSetLogLevel(_ context.Context, params json.RawMessage) (any, error) {
	var p SetLogLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Errorf(CodeInvalidParams, "failed to unmarshal params: %s", err.Error())
	}

	s.storeMu.Lock()
	s.minLogLevel = p.Level
	s.storeMu.Unlock()
	return emptyResult, nil
}

// notifyListChanged emits a list-changed notification when the session is
// ready; registrations before the handshake stay silent.
func (s *Server) notifyListChanged(method string) {
	if s.peer.session.State() != SessionReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.peer.notify(ctx, method, nil); err != nil {
		s.logger.Warn("failed to send list changed notification",
			slog.String("method", method),
			slog.String("err", err.Error()))
	}
}

const maxCompletionValues = 100

type progressTokenKey struct{}

func withProgressToken(ctx context.Context, meta *ParamsMeta) context.Context {
	if meta == nil || meta.ProgressToken == nil {
		return ctx
	}
	return context.WithValue(ctx, progressTokenKey{}, *meta.ProgressToken)
}

// ProgressTokenFromContext returns the progress token the caller attached to
// the request being handled, if any. Handlers pass it to SendProgress to
// report progress on long-running work.
func ProgressTokenFromContext(ctx context.Context) (ProgressToken, bool) {
	token, ok := ctx.Value(progressTokenKey{}).(ProgressToken)
	return token, ok
}

func (t templateEntry) matches(uri string) bool {
	if t.pattern != nil {
		return t.pattern.Match(uri)
	}
	// Fallback when the pattern failed to compile: literal prefix up to the
	// first expression.
	prefix := t.def.URITemplate
	if i := strings.IndexByte(prefix, '{'); i >= 0 {
		prefix = prefix[:i]
	}
	return strings.HasPrefix(uri, prefix)
}

// templateGlobPattern turns a URI template into a glob pattern: each {var}
// expression becomes a wildcard, everything else matches literally.
func templateGlobPattern(uriTemplate string) string {
	var b strings.Builder
	rest := uriTemplate
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(glob.QuoteMeta(rest))
			break
		}
		b.WriteString(glob.QuoteMeta(rest[:open]))
		b.WriteByte('*')
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			// Unterminated expression swallows the rest.
			break
		}
		rest = rest[open+closing+1:]
	}
	return b.String()
}
