package trpc

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// CreateContextFunc builds the application context for an HTTP request or a
// WebSocket connection. Returning an error rejects the request or connection.
type CreateContextFunc func(r *http.Request) (any, error)

// ErrorEvent is passed to the OnError hook for every error sent to a client.
type ErrorEvent struct {
	Error   *Error
	Type    ProcedureType // empty when the failure happened before a procedure was known
	Path    string
	Input   any
	Context context.Context
}

// Options are shared by all server transports.
type Options struct {
	CreateContext CreateContextFunc
	OnError       func(ErrorEvent)
	Logger        *zap.Logger
	Metrics       *Metrics
	Observers     []CallObserver
	// Debug includes stack traces of recovered panics in error shapes.
	Debug bool
}

// dispatcher resolves calls for a transport and turns results and errors into
// envelopes.
type dispatcher struct {
	router    *Router
	opts      Options
	logger    *zap.Logger
	observers []CallObserver
}

func newDispatcher(router *Router, opts Options) *dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observers := append([]CallObserver(nil), opts.Observers...)
	if opts.Metrics != nil {
		observers = append(observers, opts.Metrics)
	}
	return &dispatcher{
		router:    router,
		opts:      opts,
		logger:    logger,
		observers: observers,
	}
}

// createContext runs the CreateContext hook and attaches its result to ctx.
func (d *dispatcher) createContext(ctx context.Context, r *http.Request) (context.Context, *Error) {
	if d.opts.CreateContext == nil {
		return ctx, nil
	}
	appCtx, err := d.opts.CreateContext(r)
	if err != nil {
		return ctx, AsError(err)
	}
	return WithAppContext(ctx, appCtx), nil
}

// call resolves req with observers and error reporting around it.
func (d *dispatcher) call(ctx context.Context, req *Request) (any, *Error) {
	for _, o := range d.observers {
		ctx = o.BeforeCall(ctx, req)
	}
	out, rerr := d.router.handle(ctx, req)
	var err error
	if rerr != nil {
		err = rerr
	}
	for i := len(d.observers) - 1; i >= 0; i-- {
		d.observers[i].AfterCall(ctx, req, err)
	}
	if rerr != nil {
		d.report(ctx, req, rerr)
	}
	return out, rerr
}

// resolve calls a query or mutation and builds its response envelope.
// The returned error is the one carried by the envelope, if any.
func (d *dispatcher) resolve(ctx context.Context, req *Request) (Envelope, *Error) {
	out, rerr := d.call(ctx, req)
	if rerr == nil {
		data, serr := d.serialize(out)
		if serr == nil {
			return Envelope{ID: req.ID, Result: dataResult(data)}, nil
		}
		rerr = serr
		d.report(ctx, req, rerr)
	}
	return d.errorEnvelope(ctx, req, rerr), rerr
}

// serialize encodes a result with the router's output transformer.
func (d *dispatcher) serialize(v any) (jsontext.Value, *Error) {
	data, err := d.router.transformer.OutputTransformer().Serialize(v)
	if err != nil {
		return nil, WrapError(CodeInternalServerError, "failed to serialize result", err)
	}
	return data, nil
}

// report logs err and calls the OnError hook.
func (d *dispatcher) report(ctx context.Context, req *Request, err *Error) {
	if err.Code == CodeInternalServerError {
		d.logger.Error("procedure failed",
			zap.String("type", string(req.Type)),
			zap.String("path", req.Path),
			zap.Error(err))
	}
	if d.opts.OnError != nil {
		d.opts.OnError(ErrorEvent{
			Error:   err,
			Type:    req.Type,
			Path:    req.Path,
			Input:   req.Input,
			Context: ctx,
		})
	}
}

// errorEnvelope formats err for req and wraps it in an envelope.
func (d *dispatcher) errorEnvelope(ctx context.Context, req *Request, err *Error) Envelope {
	return Envelope{ID: req.ID, Error: d.formatError(ctx, req, err)}
}

// formatError builds the error shape, applies the formatter and serializes
// the result with the output transformer.
func (d *dispatcher) formatError(ctx context.Context, req *Request, err *Error) jsontext.Value {
	shape := DefaultShape(err, req.Path, d.opts.Debug)
	merged, ferr := formatShape(d.router.formatter, FormatErrorInput{
		Shape:   shape,
		Error:   err,
		Type:    req.Type,
		Path:    req.Path,
		Input:   req.Input,
		Context: ctx,
	})
	if ferr != nil {
		d.logger.Error("error formatter failed", zap.String("path", req.Path), zap.Error(ferr))
		merged, ferr = formatShape(nil, FormatErrorInput{Shape: shape})
	}
	var v any = shape
	if ferr == nil {
		v = merged
	}
	data, serr := d.router.transformer.OutputTransformer().Serialize(v)
	if serr != nil {
		d.logger.Error("failed to serialize error shape", zap.Error(serr))
		data, _ = json.Marshal(shape)
	}
	return data
}

// failure reports an error that happened outside a procedure call, such as a
// malformed frame or a rejected context.
func (d *dispatcher) failure(ctx context.Context, id any, err *Error) Envelope {
	req := &Request{ID: id}
	d.report(ctx, req, err)
	return d.errorEnvelope(ctx, req, err)
}

// statusOf returns the HTTP status for an envelope's error, or 200.
func statusOf(err *Error) int {
	if err == nil {
		return http.StatusOK
	}
	return err.Code.HTTPStatus()
}

// isMaxBytes reports whether err came from an http.MaxBytesReader limit.
func isMaxBytes(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
