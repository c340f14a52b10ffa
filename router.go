package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

// RequestHandler processes an inbound request's params and returns a result
// to serialize into the response. Returning an *Error puts that error on the
// wire unchanged; any other error maps to an internal error (-32603).
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler processes an inbound notification. Notifications have
// no reply, so there is nothing to return.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Router maps inbound requests and notifications onto registered handlers,
// gated by the negotiated capability pair. Handlers are invoked with the
// routing mutex released, so a handler may call back into the router.
type Router struct {
	mu                     sync.Mutex
	requestHandlers        map[string]RequestHandler
	notificationHandlers   map[string]NotificationHandler
	capabilityRequirements map[string]string
	serverCaps             ServerCapabilities
	clientCaps             ClientCapabilities
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		requestHandlers:        make(map[string]RequestHandler),
		notificationHandlers:   make(map[string]NotificationHandler),
		capabilityRequirements: make(map[string]string),
	}
}

// OnRequest registers the handler for a request method, replacing any prior
// registration.
func (r *Router) OnRequest(method string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestHandlers[method] = handler
}

// OnNotification registers the handler for a notification method, replacing
// any prior registration.
func (r *Router) OnNotification(method string, handler NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notificationHandlers[method] = handler
}

// RequireCapability gates a method on a named capability of the negotiated
// pair. Requests for the method are rejected with invalid-request until the
// capability is present.
func (r *Router) RequireCapability(method, capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilityRequirements[method] = capability
}

// SetCapabilities publishes the negotiated capability pair consulted by the
// gate. Called once the initialization handshake settles.
func (r *Router) SetCapabilities(server ServerCapabilities, client ClientCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverCaps = server
	r.clientCaps = client
}

// HasHandler reports whether a request handler is registered for the method.
func (r *Router) HasHandler(method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requestHandlers[method]
	return ok
}

// Dispatch routes one inbound frame. Requests produce a response (success or
// error); notifications produce nil and their handler outcome is swallowed.
// Responses are never dispatched here; the peer short-circuits them to the
// session before routing.
func (r *Router) Dispatch(ctx context.Context, msg Message) *Response {
	switch m := msg.(type) {
	case *Request:
		return r.dispatchRequest(ctx, m)
	case *Notification:
		r.dispatchNotification(ctx, m)
	}
	return nil
}

func (r *Router) dispatchRequest(ctx context.Context, req *Request) *Response {
	r.mu.Lock()
	requirement, gated := r.capabilityRequirements[req.Method]
	allowed := !gated || r.capabilityPresent(requirement)
	handler := r.requestHandlers[req.Method]
	r.mu.Unlock()

	if !allowed {
		return &Response{ID: req.ID, Error: Errorf(CodeInvalidRequest,
			"method %q requires capability %q", req.Method, requirement)}
	}
	if handler == nil {
		return &Response{ID: req.ID, Error: Errorf(CodeMethodNotFound,
			"method %q not found", req.Method)}
	}

	params := req.Params
	if params == nil {
		params = emptyResult
	}

	result, err := handler(ctx, params)
	if err != nil {
		if protoErr, ok := err.(*Error); ok {
			return &Response{ID: req.ID, Error: protoErr}
		}
		return &Response{ID: req.ID, Error: Errorf(CodeInternalError, "%s", err.Error())}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: Errorf(CodeInternalError,
			"failed to marshal result: %s", err.Error())}
	}
	return &Response{ID: req.ID, Result: raw}
}

func (r *Router) dispatchNotification(ctx context.Context, notif *Notification) {
	r.mu.Lock()
	handler := r.notificationHandlers[notif.Method]
	r.mu.Unlock()

	if handler == nil {
		return
	}

	params := notif.Params
	if params == nil {
		params = emptyResult
	}
	handler(ctx, params)
}

// capabilityPresent is called with the mutex held.
func (r *Router) capabilityPresent(name string) bool {
	switch name {
	case capabilityTools:
		return r.serverCaps.Tools != nil
	case capabilityResources:
		return r.serverCaps.Resources != nil
	case capabilityPrompts:
		return r.serverCaps.Prompts != nil
	case capabilityLogging:
		return r.serverCaps.Logging != nil
	case capabilityCompletions:
		return r.serverCaps.Completions != nil
	case capabilityRoots:
		return r.clientCaps.Roots != nil
	case capabilitySampling:
		return r.clientCaps.Sampling != nil
	case capabilityElicitation:
		return r.clientCaps.Elicitation != nil
	}
	return false
}
