package mcp

import (
	"encoding/json"
	"fmt"
)

// Role identifies the sender of a conversation message.
type Role string

// Roles used in prompt and sampling messages.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations inform clients how an object is used or displayed.
type Annotations struct {
	// Audience describes who the intended consumer of this object is. It can
	// include multiple entries to indicate content useful for multiple
	// audiences.
	Audience []Role `json:"audience,omitempty"`
	// Priority ranges from 0 (entirely optional) to 1 (effectively required).
	Priority float64 `json:"priority,omitempty"`
	// LastModified is an ISO 8601 timestamp of the last change.
	LastModified string `json:"lastModified,omitempty"`
}

// Content is one block of message content: TextContent, ImageContent,
// AudioContent, ResourceLink or EmbeddedResource. The concrete variant is
// tagged on the wire by its "type" field; decoding an unknown tag is an
// error.
type Content interface {
	contentType() string
}

// TextContent is plain text content.
type TextContent struct {
	Text        string       `json:"text"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ImageContent is base64-encoded image data.
type ImageContent struct {
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// AudioContent is base64-encoded audio data.
type AudioContent struct {
	Data        string       `json:"data"`
	MimeType    string       `json:"mimeType"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ResourceLink points at a resource the receiver can read separately.
type ResourceLink struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// EmbeddedResource carries resource contents inline.
type EmbeddedResource struct {
	Resource    ResourceContents `json:"resource"`
	Annotations *Annotations     `json:"annotations,omitempty"`
}

func (TextContent) contentType() string      { return "text" }
func (ImageContent) contentType() string     { return "image" }
func (AudioContent) contentType() string     { return "audio" }
func (ResourceLink) contentType() string     { return "resource_link" }
func (EmbeddedResource) contentType() string { return "resource" }

// MarshalJSON adds the "type" tag to the content object.
func (t TextContent) MarshalJSON() ([]byte, error) {
	type alias TextContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: t.contentType(), alias: alias(t)})
}

// MarshalJSON adds the "type" tag to the content object.
func (t ImageContent) MarshalJSON() ([]byte, error) {
	type alias ImageContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: t.contentType(), alias: alias(t)})
}

// MarshalJSON adds the "type" tag to the content object.
func (t AudioContent) MarshalJSON() ([]byte, error) {
	type alias AudioContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: t.contentType(), alias: alias(t)})
}

// MarshalJSON adds the "type" tag to the content object.
func (t ResourceLink) MarshalJSON() ([]byte, error) {
	type alias ResourceLink
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: t.contentType(), alias: alias(t)})
}

// MarshalJSON adds the "type" tag to the content object.
func (t EmbeddedResource) MarshalJSON() ([]byte, error) {
	type alias EmbeddedResource
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: t.contentType(), alias: alias(t)})
}

func decodeContent(data []byte) (Content, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe content type: %w", err)
	}

	switch probe.Type {
	case "text":
		var c TextContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "image":
		var c ImageContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "audio":
		var c AudioContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "resource_link":
		var c ResourceLink
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case "resource":
		var c EmbeddedResource
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", probe.Type)
	}
}

func decodeContentList(data []byte) ([]Content, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	contents := make([]Content, 0, len(raws))
	for _, raw := range raws {
		c, err := decodeContent(raw)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, nil
}

// Tool describes a callable tool and the schema of its arguments.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. A failing tool reports
// through IsError with details in Content; tool failure is a tool-level
// signal, not a JSON-RPC error.
type CallToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// UnmarshalJSON decodes the tagged content list.
func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content           json.RawMessage `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		IsError           bool            `json:"isError"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.StructuredContent = raw.StructuredContent
	r.IsError = raw.IsError
	if raw.Content == nil {
		r.Content = nil
		return nil
	}
	contents, err := decodeContentList(raw.Content)
	if err != nil {
		return err
	}
	r.Content = contents
	return nil
}

// Resource describes a readable resource exposed by a server.
type Resource struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        int64        `json:"size,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// ResourceContents is the payload of a resource read. Exactly one of Text
// and Blob is populated; Blob carries base64-encoded binary data.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceTemplate describes a family of resources through a URI template.
type ResourceTemplate struct {
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

// PromptArgument describes a single argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Prompt describes a prompt template and its arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UnmarshalJSON decodes the tagged content.
func (m *PromptMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	if raw.Content == nil {
		m.Content = nil
		return nil
	}
	c, err := decodeContent(raw.Content)
	if err != nil {
		return err
	}
	m.Content = c
	return nil
}

// GetPromptResult is the rendered form of a prompt.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ModelHint suggests a model by name for sampling.
type ModelHint struct {
	Name string `json:"name"`
}

// ModelPreferences guides model selection through hints and cost, speed and
// intelligence priorities, each ranging 0 to 1.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints"`
	CostPriority         float64     `json:"costPriority,omitempty"`
	SpeedPriority        float64     `json:"speedPriority,omitempty"`
	IntelligencePriority float64     `json:"intelligencePriority,omitempty"`
}

// SamplingRequest asks the client to generate a model response from the
// given conversation.
type SamplingRequest struct {
	Messages         []PromptMessage   `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int               `json:"maxTokens,omitempty"`
}

// SamplingResult is the generated message together with the model that
// produced it and the reason generation stopped.
type SamplingResult struct {
	Role       Role    `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// UnmarshalJSON decodes the tagged content.
func (r *SamplingResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content"`
		Model      string          `json:"model"`
		StopReason string          `json:"stopReason"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Role = raw.Role
	r.Model = raw.Model
	r.StopReason = raw.StopReason
	if raw.Content == nil {
		r.Content = nil
		return nil
	}
	c, err := decodeContent(raw.Content)
	if err != nil {
		return err
	}
	r.Content = c
	return nil
}

// ElicitationRequest asks the connected client to collect structured input
// from its user, shaped by the requested schema.
type ElicitationRequest struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema"`
}

// Elicitation actions a client may answer with.
const (
	ElicitationAccept  = "accept"
	ElicitationDecline = "decline"
	ElicitationCancel  = "cancel"
)

// ElicitationResult is the client's answer to an elicitation request.
type ElicitationResult struct {
	Action  string          `json:"action"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Root is a top-level entry point the client grants the server access to,
// identified by a file:// URI.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootList is the result of a roots/list request.
type RootList struct {
	Roots []Root `json:"roots"`
}

// CompletionRef identifies what a completion request completes: a prompt
// argument ("ref/prompt") or a resource template argument ("ref/resource").
// Name carries the prompt name or the template URI respectively.
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// CompletionRef types.
const (
	CompletionRefPrompt   = "ref/prompt"
	CompletionRefResource = "ref/resource"
)

// CompletionArgument names the argument being completed and its current
// value.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Completion carries completion suggestions. Values holds at most 100
// entries; HasMore signals that more are available than were returned.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore"`
}

// CompletionResult is the wire shape of a completion/complete response.
type CompletionResult struct {
	Completion Completion `json:"completion"`
}

// ServerCapabilities advertises the feature set of a server. Presence of a
// field denotes support; the values are free-form protocol-defined blobs.
type ServerCapabilities struct {
	Tools        json.RawMessage `json:"tools,omitempty"`
	Resources    json.RawMessage `json:"resources,omitempty"`
	Prompts      json.RawMessage `json:"prompts,omitempty"`
	Logging      json.RawMessage `json:"logging,omitempty"`
	Completions  json.RawMessage `json:"completions,omitempty"`
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// ClientCapabilities advertises the feature set of a client.
type ClientCapabilities struct {
	Roots        json.RawMessage `json:"roots,omitempty"`
	Sampling     json.RawMessage `json:"sampling,omitempty"`
	Elicitation  json.RawMessage `json:"elicitation,omitempty"`
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// Implementation identifies a server or client implementation.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult is the server's reply to an initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// LogLevel is the severity of an MCP log message, ordered from debug to
// emergency.
type LogLevel int

// Log levels, least to most severe.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	case LogLevelAlert:
		return "alert"
	case LogLevelEmergency:
		return "emergency"
	}
	return "info"
}

// ParseLogLevel maps a wire level string onto a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LogLevelDebug; l <= LogLevelEmergency; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// MarshalJSON encodes the level as its wire string.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a wire level string.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// LogMessage is the payload of a notifications/message frame.
type LogMessage struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ProgressToken identifies a long-running operation for progress reporting.
// Like a request id, it is an integer or a string.
type ProgressToken = RequestID

// ParamsMeta is the _meta object of request params, carrying the progress
// token under which the receiver may emit progress notifications.
type ParamsMeta struct {
	ProgressToken *ProgressToken `json:"progressToken,omitempty"`
}

// ProgressParams is the payload of a notifications/progress frame.
type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// CancelledParams is the payload of a notifications/cancelled frame.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ResourceUpdatedParams is the payload of a notifications/resources/updated
// frame.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// ListToolsParams are the params of a tools/list request.
type ListToolsParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult is one page of tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the params of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *ParamsMeta     `json:"_meta,omitempty"`
}

// ListResourcesParams are the params of a resources/list request.
type ListResourcesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult is one page of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListResourceTemplatesParams are the params of a resources/templates/list
// request.
type ListResourceTemplatesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult is one page of resource templates.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ReadResourceParams are the params of a resources/read request.
type ReadResourceParams struct {
	URI  string      `json:"uri"`
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult is the contents of a read resource.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeResourceParams are the params of a resources/subscribe request.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// UnsubscribeResourceParams are the params of a resources/unsubscribe
// request.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ListPromptsParams are the params of a prompts/list request.
type ListPromptsParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptsResult is one page of prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams are the params of a prompts/get request.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      *ParamsMeta       `json:"_meta,omitempty"`
}

// CompleteParams are the params of a completion/complete request.
type CompleteParams struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
}

// SetLogLevelParams are the params of a logging/setLevel request.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// MCP method names.
const (
	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodRootsList             = "roots/list"
	MethodSamplingCreateMessage = "sampling/createMessage"
	MethodElicitationCreate     = "elicitation/create"

	MethodCompletionComplete = "completion/complete"

	MethodLoggingSetLevel = "logging/setLevel"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsCancelled            = "notifications/cancelled"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsRootsListChanged     = "notifications/roots/list_changed"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsMessage              = "notifications/message"
)

// Capability names used for method gating.
const (
	capabilityTools       = "tools"
	capabilityResources   = "resources"
	capabilityPrompts     = "prompts"
	capabilityLogging     = "logging"
	capabilityCompletions = "completions"
	capabilitySampling    = "sampling"
	capabilityRoots       = "roots"
	capabilityElicitation = "elicitation"
)
