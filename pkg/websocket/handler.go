package websocket

import "context"

// Handler processes one inbound message and produces the reply to send back
// on the same connection.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher maps message actions to their handlers. Registration happens
// during server wiring, before any connection is accepted, so lookups need
// no locking.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register installs the handler for an action, replacing any previous one.
func (d *Dispatcher) Register(action string, h Handler) {
	d.handlers[action] = h
}

// RegisterFunc is Register for a bare function.
func (d *Dispatcher) RegisterFunc(action string, fn HandlerFunc) {
	d.handlers[action] = fn
}

// HasHandler reports whether an action is routable.
func (d *Dispatcher) HasHandler(action string) bool {
	_, ok := d.handlers[action]
	return ok
}

// Dispatch runs the handler for msg.Action. An unregistered action yields an
// UNKNOWN_ACTION reply instead of an error so the client still receives a
// correlated response.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	h, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"no handler for action "+msg.Action, nil)
	}
	return h.Handle(ctx, msg)
}
