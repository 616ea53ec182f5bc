package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/mcphub/internal/hub"
	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

// Broadcaster delivers an envelope to every live listener.
type Broadcaster interface {
	Broadcast(env jsonrpc.Envelope) (hub.Report, error)
}

// Result describes what one dispatched envelope produced.
type Result struct {
	ID     json.RawMessage
	Method string
	// Envelopes are the produced envelopes in emission order.
	Envelopes []jsonrpc.Envelope
	// Err is the protocol or domain error reported to listeners, if any.
	Err *jsonrpc.Error
	// BroadcastErr is set when an envelope could not be handed to the hub.
	BroadcastErr error
}

// Dispatcher interprets inbound envelopes and broadcasts their outcome.
type Dispatcher struct {
	registry *Registry
	out      Broadcaster
	logger   *slog.Logger
}

// New creates a Dispatcher over registry, freezing it. Every produced
// envelope goes to out.
func New(registry *Registry, out Broadcaster, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	registry.Freeze()
	return &Dispatcher{
		registry: registry,
		out:      out,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one raw inbound envelope. Parse failures, unknown
// methods, and handler errors all become error envelopes; nothing here is
// fatal to the calling connection.
func (d *Dispatcher) Dispatch(ctx context.Context, raw json.RawMessage) Result {
	env, rpcErr := jsonrpc.ParseEnvelope(raw)
	res := Result{ID: env.ID, Method: env.Method}
	if rpcErr != nil {
		d.logger.Debug("rejecting envelope", "code", rpcErr.Code, "message", rpcErr.Message)
		return d.fail(res, rpcErr)
	}

	h, ok := d.registry.Lookup(env.Method)
	if !ok {
		d.logger.Debug("method not found",
			"method", env.Method,
			"response", env.IsResponse())
		return d.fail(res, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found"))
	}

	d.logger.Debug("dispatching",
		"method", env.Method,
		"id", string(env.ID),
		"request", env.IsRequest(),
		"notification", env.IsNotification())

	outputs, err := d.invoke(ctx, h, env)
	if err != nil {
		return d.fail(res, d.domainError(env.Method, err))
	}

	for _, o := range outputs {
		if o.Delay > 0 {
			if !sleep(ctx, o.Delay) {
				res.BroadcastErr = ctx.Err()
				return res
			}
		}

		out, err := d.envelope(env.ID, o)
		if err != nil {
			d.logger.Error("encoding handler output", "method", env.Method, "error", err)
			return d.fail(res, jsonrpc.NewError(jsonrpc.InternalError, "Internal error"))
		}
		if !d.emit(&res, out) {
			return res
		}
	}
	return res
}

// DispatchBatch handles items independently and in order. A failing item
// never prevents the following ones from being processed.
func (d *Dispatcher) DispatchBatch(ctx context.Context, items []json.RawMessage) []Result {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, d.Dispatch(ctx, item))
	}
	return results
}

// invoke runs the handler, turning a panic into an error so one handler
// cannot take down the connection that delivered the request.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, env jsonrpc.Envelope) (outputs []Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", env.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, env.Params)
}

// domainError converts a handler error into a broadcastable error. Only
// *jsonrpc.Error values carry their text to listeners; anything else is
// reported generically and logged locally.
func (d *Dispatcher) domainError(method string, err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return sanitizeError(rpcErr)
	}
	d.logger.Error("handler failed", "method", method, "error", err)
	return jsonrpc.NewError(jsonrpc.InternalError, "Internal error")
}

func (d *Dispatcher) envelope(id json.RawMessage, o Output) (jsonrpc.Envelope, error) {
	if o.Method != "" {
		return jsonrpc.NewNotification(o.Method, o.Value)
	}
	return jsonrpc.NewResult(id, o.Value)
}

func (d *Dispatcher) fail(res Result, rpcErr *jsonrpc.Error) Result {
	res.Err = rpcErr
	d.emit(&res, jsonrpc.NewErrorResponse(res.ID, rpcErr))
	return res
}

// emit records env on res and broadcasts it, reporting whether dispatch
// should continue.
func (d *Dispatcher) emit(res *Result, env jsonrpc.Envelope) bool {
	res.Envelopes = append(res.Envelopes, env)
	if _, err := d.out.Broadcast(env); err != nil {
		d.logger.Error("broadcast failed", "method", res.Method, "error", err)
		res.BroadcastErr = err
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
