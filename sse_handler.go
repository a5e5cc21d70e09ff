package trpc

import (
	"net/http"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// serveSSE runs one subscription for the lifetime of an event stream. The
// envelope id is a fresh stream id. The stream ends after the stopped or
// error event, or when the client goes away.
func (h *HTTPHandler) serveSSE(w http.ResponseWriter, r *http.Request, path string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var raw jsontext.Value
	if in := r.URL.Query().Get("input"); in != "" {
		raw = jsontext.Value(in)
	}
	streamID := uuid.NewString()
	req := &Request{ID: streamID, Type: TypeSubscription, Path: path, RawInput: raw}

	ctx, rerr := h.d.createContext(r.Context(), r)
	var out any
	if rerr == nil {
		out, rerr = h.d.call(ctx, req)
	} else {
		h.d.report(ctx, req, rerr)
	}
	handle, _ := out.(*SubscriptionHandle)
	if rerr == nil && handle == nil {
		rerr = NewError(CodeInternalServerError, "subscription resolver returned no handle")
		h.d.report(ctx, req, rerr)
	}
	if rerr != nil {
		env := h.d.errorEnvelope(ctx, req, rerr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rerr.Code.HTTPStatus())
		_ = json.MarshalWrite(w, env)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sseT := newSSETransport(w, flusher)
	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			h.d.logger.Error("failed to encode event", zap.String("stream", streamID), zap.Error(err))
			return
		}
		_ = sseT.Send(data)
		if env, ok := v.(Envelope); ok && (env.Error != nil || (env.Result != nil && env.Result.Type == ResultStopped)) {
			sseT.Close()
		}
	}
	engine := newSubscriptionEngine(h.d, send)
	defer engine.close()

	if rerr := engine.start(ctx, req, handle); rerr != nil {
		send(h.d.errorEnvelope(ctx, req, rerr))
		return
	}

	// Keep-alive loop, blocks until client disconnects or the subscription ends
	keepAlive := time.NewTicker(h.opts.SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Close the transport first so in-flight writes are done before the
			// HTTP server finalizes the response writer.
			sseT.Close()
			return
		case <-sseT.done:
			return
		case <-keepAlive.C:
			sseT.sendComment("keep-alive")
		}
	}
}
