package trpc

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-json-experiment/json"
)

func setupHTTP(t *testing.T, opts HTTPOptions) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHTTPHandler(newTestRouter(t), opts))
	t.Cleanup(ts.Close)
	return ts
}

func doHTTP(t *testing.T, method, target, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decodeBatch(t *testing.T, data []byte) []testEnvelope {
	t.Helper()
	var envs []testEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		t.Fatalf("decode batch %s: %v", data, err)
	}
	return envs
}

func TestHTTPQuery(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello?input="+url.QueryEscape(`"world"`), "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if strings.TrimSpace(string(body)) != `{"id":null,"result":{"type":"data","data":"hello world"}}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHTTPMutation(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodPost, ts.URL+"/add", `{"a":20,"b":22}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	env := decodeEnvelope(t, body)
	if env.Result == nil || string(env.Result.Data) != "42" {
		t.Errorf("unexpected body %s", body)
	}

	// Queries are not reachable with POST.
	status, body = doHTTP(t, http.MethodPost, ts.URL+"/hello", `"x"`)
	if status != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", status, body)
	}
}

func TestHTTPErrorShape(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/fail", "")
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", status, body)
	}
	env := decodeEnvelope(t, body)
	if env.Error == nil {
		t.Fatalf("expected an error, got %s", body)
	}
	if env.Error.Message != "no access" || env.Error.Code != -32003 {
		t.Errorf("unexpected error %+v", env.Error)
	}
	if env.Error.Data.Code != CodeForbidden || env.Error.Data.HTTPStatus != 403 || env.Error.Data.Path != "fail" {
		t.Errorf("unexpected error data %+v", env.Error.Data)
	}
}

func TestHTTPNotFound(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/nope", "")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", status, body)
	}
	if env := decodeEnvelope(t, body); env.Error == nil || env.Error.Data.Code != CodeNotFound {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHTTPPanicIsInternalError(t *testing.T) {
	var reported atomic.Int32
	ts := setupHTTP(t, HTTPOptions{Options: Options{
		OnError: func(ev ErrorEvent) {
			if ev.Error.Code == CodeInternalServerError {
				reported.Add(1)
			}
		},
	}})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/boom", "")
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", status, body)
	}
	env := decodeEnvelope(t, body)
	if env.Error.Data.Stack != "" {
		t.Error("stack traces must only be sent in debug mode")
	}
	if reported.Load() != 1 {
		t.Errorf("expected OnError once, got %d", reported.Load())
	}
}

func TestHTTPDebugIncludesStack(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{Options: Options{Debug: true}})

	_, body := doHTTP(t, http.MethodGet, ts.URL+"/boom", "")
	if env := decodeEnvelope(t, body); env.Error == nil || env.Error.Data.Stack == "" {
		t.Errorf("expected a stack trace, got %s", body)
	}
}

func TestHTTPBatch(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	input := url.QueryEscape(`{"0":"a","1":"b"}`)
	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello,hello?batch=1&input="+input, "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	envs := decodeBatch(t, body)
	if len(envs) != 2 {
		t.Fatalf("expected 2 results, got %s", body)
	}
	if string(envs[0].Result.Data) != `"hello a"` || string(envs[1].Result.Data) != `"hello b"` {
		t.Errorf("results out of order: %s", body)
	}
}

func TestHTTPBatchMutation(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodPost, ts.URL+"/add,add?batch=1", `{"0":{"a":1,"b":2},"1":{"a":3,"b":4}}`)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	envs := decodeBatch(t, body)
	if len(envs) != 2 || string(envs[0].Result.Data) != "3" || string(envs[1].Result.Data) != "7" {
		t.Errorf("unexpected results %s", body)
	}
}

func TestHTTPBatchMixedStatus(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	input := url.QueryEscape(`{"0":"a"}`)
	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello,fail?batch=1&input="+input, "")
	if status != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", status, body)
	}
	envs := decodeBatch(t, body)
	if envs[0].Result == nil || envs[1].Error == nil || envs[1].Error.Data.Code != CodeForbidden {
		t.Errorf("unexpected results %s", body)
	}

	// Every call failing the same way keeps that status.
	status, body = doHTTP(t, http.MethodGet, ts.URL+"/fail,fail?batch=1", "")
	if status != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", status, body)
	}
}

func TestHTTPBatchDisabled(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{DisableBatching: true})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello,hello?batch=1", "")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, body)
	}
	envs := decodeBatch(t, body)
	if len(envs) != 2 || envs[0].Error.Data.Code != CodeBadRequest {
		t.Errorf("unexpected results %s", body)
	}
}

func TestHTTPBatchTooLarge(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{MaxBatchSize: 2})

	status, _ := doHTTP(t, http.MethodGet, ts.URL+"/hello,hello,hello?batch=1", "")
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", status)
	}
}

func TestHTTPMethodNotSupported(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodPut, ts.URL+"/hello", "")
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d: %s", status, body)
	}
	if env := decodeEnvelope(t, body); env.Error.Data.Code != CodeMethodNotSupported {
		t.Errorf("unexpected body %s", body)
	}

	// Subscriptions need a stream.
	status, body = doHTTP(t, http.MethodGet, ts.URL+"/count", "")
	if status != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for a subscription over plain GET, got %d: %s", status, body)
	}
}

func TestHTTPParseError(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{})

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello?input="+url.QueryEscape(`{bad`), "")
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, body)
	}
	if env := decodeEnvelope(t, body); env.Error.Data.Code != CodeParseError {
		t.Errorf("unexpected body %s", body)
	}

	// Valid JSON of the wrong type is a bad request, not a parse error.
	status, body = doHTTP(t, http.MethodGet, ts.URL+"/hello?input=42", "")
	if env := decodeEnvelope(t, body); status != http.StatusBadRequest || env.Error.Data.Code != CodeBadRequest {
		t.Errorf("expected BAD_REQUEST, got %d: %s", status, body)
	}
}

func TestHTTPPayloadTooLarge(t *testing.T) {
	ts := setupHTTP(t, HTTPOptions{MaxBodySize: 16})

	status, body := doHTTP(t, http.MethodPost, ts.URL+"/add", `{"a":1,"b":2,"padding":"xxxxxxxxxxxxxxxx"}`)
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", status, body)
	}
	if env := decodeEnvelope(t, body); env.Error.Data.Code != CodePayloadTooLarge {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHTTPCreateContext(t *testing.T) {
	var created atomic.Int32
	router := newTestRouter(t)
	ts := httptest.NewServer(NewHTTPHandler(router, HTTPOptions{Options: Options{
		CreateContext: func(r *http.Request) (any, error) {
			created.Add(1)
			if r.Header.Get("Authorization") == "" {
				return nil, ErrUnauthorized("missing token")
			}
			return "user", nil
		},
	}}))
	defer ts.Close()

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/hello,hello?batch=1", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", status, body)
	}
	if envs := decodeBatch(t, body); len(envs) != 2 || envs[1].Error.Data.Code != CodeUnauthorized {
		t.Errorf("expected every call to fail, got %s", body)
	}

	created.Store(0)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/hello,hello,hello?batch=1", nil)
	req.Header.Set("Authorization", "Bearer x")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if created.Load() != 1 {
		t.Errorf("expected one context per request, got %d", created.Load())
	}
}

func TestHTTPCreateContextPlainError(t *testing.T) {
	ts := httptest.NewServer(NewHTTPHandler(newTestRouter(t), HTTPOptions{Options: Options{
		CreateContext: func(r *http.Request) (any, error) {
			return nil, errors.New("db unavailable")
		},
	}}))
	defer ts.Close()

	status, _ := doHTTP(t, http.MethodGet, ts.URL+"/hello", "")
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
}

func TestHTTPMountedUnderPrefix(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/trpc/", http.StripPrefix("/trpc", NewHTTPHandler(newTestRouter(t), HTTPOptions{})))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	status, body := doHTTP(t, http.MethodGet, ts.URL+"/trpc/hello?input="+url.QueryEscape(`"mounted"`), "")
	if status != http.StatusOK || !strings.Contains(string(body), "hello mounted") {
		t.Errorf("unexpected response %d: %s", status, body)
	}
}
