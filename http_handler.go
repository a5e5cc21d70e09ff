package trpc

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HTTPOptions configures the HTTP handler.
type HTTPOptions struct {
	Options
	// DisableBatching rejects ?batch=1 requests.
	DisableBatching bool
	// MaxBodySize limits mutation bodies in bytes. Default: 1 MiB. Negative means no limit.
	MaxBodySize int64
	// MaxBatchSize limits the number of calls per batch. 0 means no limit.
	MaxBatchSize int
	// BatchConcurrency limits how many calls of one batch run at once. 0 means no limit.
	BatchConcurrency int
	// SSEKeepAlive is the interval of keep-alive comments on subscription streams. Default: 15s
	SSEKeepAlive time.Duration
}

// HTTPHandler serves queries and mutations over HTTP, including batched
// requests, and subscriptions over server-sent events.
type HTTPHandler struct {
	d    *dispatcher
	opts HTTPOptions
	mux  chi.Router
}

// NewHTTPHandler creates an HTTP handler for router. Mount it under a base
// path with http.StripPrefix or chi's Mount; the remaining URL path is the
// procedure path.
func NewHTTPHandler(router *Router, opts HTTPOptions) *HTTPHandler {
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = 1 << 20
	}
	if opts.SSEKeepAlive <= 0 {
		opts.SSEKeepAlive = 15 * time.Second
	}
	h := &HTTPHandler{
		d:    newDispatcher(router, opts.Options),
		opts: opts,
	}
	mux := chi.NewRouter()
	mux.Get("/{path}", h.handleGet)
	mux.Post("/{path}", h.handlePost)
	mux.MethodNotAllowed(h.methodNotAllowed)
	mux.NotFound(h.notFound)
	h.mux = mux
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if wantsEventStream(r) {
		h.serveSSE(w, r, path)
		return
	}
	var raw jsontext.Value
	if in := r.URL.Query().Get("input"); in != "" {
		raw = jsontext.Value(in)
	}
	var failed *Error
	if h.d.router.Has(TypeSubscription, path) && !h.d.router.Has(TypeQuery, path) {
		failed = NewError(CodeMethodNotSupported, "subscriptions need a WebSocket or an event stream")
	}
	h.serve(w, r, TypeQuery, path, raw, failed)
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	body := r.Body
	if h.opts.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		rerr := ErrParse(err)
		if isMaxBytes(err) {
			rerr = WrapError(CodePayloadTooLarge, "request body too large", err)
		}
		h.serve(w, r, TypeMutation, path, nil, rerr)
		return
	}
	var raw jsontext.Value
	if len(data) > 0 {
		raw = jsontext.Value(data)
	}
	h.serve(w, r, TypeMutation, path, raw, nil)
}

func (h *HTTPHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	rerr := NewError(CodeMethodNotSupported, "unsupported HTTP method "+r.Method)
	h.serve(w, r, "", routePath(r), nil, rerr)
}

func (h *HTTPHandler) notFound(w http.ResponseWriter, r *http.Request) {
	path := routePath(r)
	h.serve(w, r, TypeQuery, path, nil, NewError(CodeNotFound, "no procedure on path "+strconv.Quote(path)))
}

// routePath returns the request path relative to where the handler is mounted.
func routePath(r *http.Request) string {
	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		path = rctx.RoutePath
	}
	return strings.TrimPrefix(path, "/")
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// httpCall is one call of a possibly batched HTTP request.
type httpCall struct {
	path string
	raw  jsontext.Value
	env  Envelope
	err  *Error
}

// serve resolves the calls of one request and writes the response. A non-nil
// failed is returned for every call without resolving any of them.
func (h *HTTPHandler) serve(w http.ResponseWriter, r *http.Request, typ ProcedureType, path string, raw jsontext.Value, failed *Error) {
	ctx := r.Context()
	batch := r.URL.Query().Get("batch") != ""

	paths := []string{path}
	if batch {
		paths = strings.Split(path, ",")
	}
	calls := make([]*httpCall, len(paths))
	for i, p := range paths {
		calls[i] = &httpCall{path: p}
	}

	switch {
	case failed != nil:
	case batch && h.opts.DisableBatching:
		failed = ErrBadRequest("batching is not enabled on the server")
	case batch && h.opts.MaxBatchSize > 0 && len(paths) > h.opts.MaxBatchSize:
		failed = NewError(CodePayloadTooLarge, "batch exceeds "+strconv.Itoa(h.opts.MaxBatchSize)+" calls")
	default:
		failed = assignInputs(calls, raw, batch)
	}
	if failed == nil {
		// The application context is created once per HTTP request.
		var rerr *Error
		ctx, rerr = h.d.createContext(ctx, r)
		failed = rerr
	}

	if failed != nil {
		for _, c := range calls {
			req := &Request{Type: typ, Path: c.path}
			h.d.report(ctx, req, failed)
			c.env, c.err = h.d.errorEnvelope(ctx, req, failed), failed
		}
	} else {
		h.resolveAll(ctx, typ, calls)
	}
	if batch {
		if m := h.d.opts.Metrics; m != nil {
			m.BatchSize.Observe(float64(len(calls)))
		}
	}
	h.write(w, calls, batch)
}

// assignInputs splits the raw input between the calls of a request.
func assignInputs(calls []*httpCall, raw jsontext.Value, batch bool) *Error {
	if len(raw) > 0 {
		var v jsontext.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return ErrParse(err)
		}
	}
	if !batch {
		calls[0].raw = raw
		return nil
	}
	if isAbsent(raw) {
		return nil
	}
	inputs := map[string]jsontext.Value{}
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return WrapError(CodeParseError, "batch input must be an object keyed by call index", err)
	}
	for i, c := range calls {
		c.raw = inputs[strconv.Itoa(i)]
	}
	return nil
}

func (h *HTTPHandler) resolveAll(ctx context.Context, typ ProcedureType, calls []*httpCall) {
	if len(calls) == 1 {
		c := calls[0]
		c.env, c.err = h.d.resolve(ctx, &Request{Type: typ, Path: c.path, RawInput: c.raw})
		return
	}
	var g errgroup.Group
	if h.opts.BatchConcurrency > 0 {
		g.SetLimit(h.opts.BatchConcurrency)
	}
	for _, c := range calls {
		g.Go(func() error {
			c.env, c.err = h.d.resolve(ctx, &Request{Type: typ, Path: c.path, RawInput: c.raw})
			return nil
		})
	}
	_ = g.Wait()
}

// write sends the envelopes. A batch gets 207 when its calls ended with
// different statuses.
func (h *HTTPHandler) write(w http.ResponseWriter, calls []*httpCall, batch bool) {
	status := statusOf(calls[0].err)
	for _, c := range calls[1:] {
		if statusOf(c.err) != status {
			status = http.StatusMultiStatus
			break
		}
	}

	var body any
	if batch {
		envs := make([]Envelope, len(calls))
		for i, c := range calls {
			envs[i] = c.env
		}
		body = envs
	} else {
		body = calls[0].env
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.MarshalWrite(w, body); err != nil {
		h.d.logger.Warn("failed to write response", zap.Error(err))
	}
}
