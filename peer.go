package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const timeoutSweepInterval = time.Second

type callOutcome struct {
	resp *Response
	err  error
}

// peer is the machinery shared by both peer flavors: a router, a session, a
// bound transport and a bounded worker pool. It correlates inbound responses
// to outbound calls, dispatches inbound requests off the reader goroutine
// and notifications inline on it, and sweeps timed-out calls.
type peer struct {
	router  *Router
	session *Session
	pool    *workerPool
	logger  *slog.Logger

	transportMu sync.Mutex
	transport   Transport

	// cancels maps in-flight inbound request ids onto their handler
	// contexts, so notifications/cancelled can abort them.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc

	done        chan struct{}
	sweepClosed chan struct{}
	closeOnce   sync.Once
}

func newPeer(router *Router, session *Session, workers int, logger *slog.Logger) *peer {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &peer{
		router:      router,
		session:     session,
		pool:        newWorkerPool(workers),
		logger:      logger,
		cancels:     make(map[string]context.CancelFunc),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		done:        make(chan struct{}),
		sweepClosed: make(chan struct{}),
	}
}

func (p *peer) start(t Transport) error {
	p.transportMu.Lock()
	p.transport = t
	p.transportMu.Unlock()

	if err := t.Start(p.handleMessage, p.handleError); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	go p.sweep()
	return nil
}

func (p *peer) currentTransport() Transport {
	p.transportMu.Lock()
	defer p.transportMu.Unlock()
	return p.transport
}

func (p *peer) send(ctx context.Context, msg Message) error {
	t := p.currentTransport()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, msg)
}

// call issues an outbound request and blocks until the correlated response
// arrives, the request times out, the context is done, or the peer shuts
// down. An error response from the remote side is returned as *Error.
func (p *peer) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}

	results := make(chan callOutcome, 1)
	id := p.session.RegisterRequest(method, func(resp *Response, err error) {
		results <- callOutcome{resp: resp, err: err}
	})

	req := &Request{ID: id, Method: method, Params: raw}
	if err := p.send(ctx, req); err != nil {
		p.session.dropPending(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrTransportClosed
	case out := <-results:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Error != nil {
			return nil, out.resp.Error
		}
		return out.resp.Result, nil
	}
}

// callInto runs call and decodes the result into out when out is non-nil.
func (p *peer) callInto(ctx context.Context, method string, params, out any) error {
	raw, err := p.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

func (p *peer) notify(ctx context.Context, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}
	return p.send(ctx, &Notification{Method: method, Params: raw})
}

// handleMessage is the single inbound entry point installed as the
// transport's message callback. Responses short-circuit to the session;
// requests go through the worker pool so the transport reader stays live
// regardless of handler latency; notifications are dispatched inline.
func (p *peer) handleMessage(msg Message) {
	switch m := msg.(type) {
	case *Response:
		if !p.session.CompleteRequest(m.ID, m) {
			p.logger.Debug("dropping response with no pending request",
				slog.String("id", m.ID.String()))
		}
	case *Request:
		p.pool.submit(func() { p.serveRequest(m) })
	case *Notification:
		// Notifications run inline so their effects are ordered before any
		// later request: initialized must publish capabilities before the
		// first gated call, and cancelled must not queue behind the very
		// request it aborts.
		p.router.Dispatch(p.baseCtx, m)
	}
}

func (p *peer) serveRequest(req *Request) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	key := req.ID.String()

	p.cancelMu.Lock()
	p.cancels[key] = cancel
	p.cancelMu.Unlock()

	resp := p.router.Dispatch(ctx, req)

	p.cancelMu.Lock()
	delete(p.cancels, key)
	p.cancelMu.Unlock()
	cancel()

	if resp == nil {
		return
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), p.session.RequestTimeout())
	defer sendCancel()
	if err := p.send(sendCtx, resp); err != nil {
		p.logger.Error("failed to send response",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
	}
}

// cancelInFlight aborts the handler context of an in-flight inbound request,
// if it is still running. Cancellation is best-effort; handlers that want to
// be cancellable watch their context.
func (p *peer) cancelInFlight(id RequestID) {
	p.cancelMu.Lock()
	cancel, ok := p.cancels[id.String()]
	p.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (p *peer) handleError(err error) {
	p.logger.Error("transport error", slog.String("err", err.Error()))
}

func (p *peer) sweep() {
	defer close(p.sweepClosed)

	// Sweep a few times per timeout window so short timeouts expire
	// promptly, capped at once per second.
	interval := p.session.RequestTimeout() / 4
	if interval > timeoutSweepInterval {
		interval = timeoutSweepInterval
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			for _, id := range p.session.CheckTimeouts() {
				p.logger.Warn("outbound request timed out",
					slog.String("id", id.String()))
			}
		}
	}
}

func (p *peer) shutdown(ctx context.Context) error {
	var shutdownErr error
	p.closeOnce.Do(func() {
		p.session.SetState(SessionShuttingDown)
		close(p.done)
		p.baseCancel()

		if t := p.currentTransport(); t != nil {
			shutdownErr = t.Shutdown(ctx)
		}

		p.session.FailAllPending(ErrTransportClosed)
		p.pool.close()
		p.session.SetState(SessionClosed)
	})
	return shutdownErr
}
