package rpc

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one decoded request's params and returns the
// success/error envelope the wire protocol expects.
type Handler func(ctx context.Context, params []byte) Envelope

// Router maps method names to handlers and performs the version/
// method-lookup checks every dispatch needs.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register associates handler with method, replacing any prior one.
func (r *Router) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Dispatch routes msg to its handler and folds the result into a
// JSON-RPC response. Notifications (empty ID) still run their
// handler but the caller is expected not to write the response back.
func (r *Router) Dispatch(ctx context.Context, msg RequestMessage) ResponseMessage {
	if err := ensureVersion(msg.JSONRPC); err != nil {
		return ErrorResponse(msg.ID, int(InvalidRequest), err.Error(), nil)
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Method]
	r.mu.RUnlock()
	if !ok {
		return ErrorResponse(msg.ID, int(InvalidRequest), fmt.Sprintf("unknown method: %s", msg.Method), nil)
	}

	env := handler(ctx, msg.Params)
	return envelopeToResponse(msg.ID, env)
}
