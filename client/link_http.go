package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/ahhshm/trpc"
)

var errSubscriptionOverHTTP = errors.New("subscriptions are not supported over HTTP, use a WebSocket link")

// HTTPLink sends every operation in its own HTTP request.
// Queries use GET with the input in the query string, mutations use POST.
func HTTPLink(baseURL string) Link {
	return func(rt Runtime) LinkFunc {
		return func(op *Operation, next NextFunc, prev Callback) {
			if op.Type == trpc.TypeSubscription {
				prev(OperationResult{Err: transportError(errSubscriptionOverHTTP)})
				return
			}
			go func() {
				results, err := doRequest(op.Context(), rt, baseURL, op.Type, []*Operation{op}, false)
				if err != nil {
					prev(OperationResult{Err: transportError(err)})
					return
				}
				prev(results[0])
			}()
		}
	}
}

// doRequest issues one HTTP request for ops, which all have type typ, and
// returns their results in order. An error means no result could be read.
func doRequest(ctx context.Context, rt Runtime, baseURL string, typ trpc.ProcedureType, ops []*Operation, batch bool) ([]OperationResult, error) {
	paths := make([]string, len(ops))
	for i, op := range ops {
		paths[i] = op.Path
	}
	input, err := encodeInputs(rt, ops, batch)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(baseURL, "/") + "/" + strings.Join(paths, ",")
	params := url.Values{}
	if batch {
		params.Set("batch", "1")
	}

	var req *http.Request
	switch typ {
	case trpc.TypeQuery:
		if input != nil {
			params.Set("input", string(input))
		}
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	case trpc.TypeMutation:
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, errSubscriptionOverHTTP
	}
	if err != nil {
		return nil, err
	}

	httpClient := rt.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envs []trpc.Envelope
	if batch {
		err = json.Unmarshal(body, &envs)
	} else {
		envs = make([]trpc.Envelope, 1)
		err = json.Unmarshal(body, &envs[0])
	}
	if err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if len(envs) != len(ops) {
		return nil, fmt.Errorf("batch response has %d results for %d calls", len(envs), len(ops))
	}

	out := rt.Transformer.OutputTransformer()
	results := make([]OperationResult, len(envs))
	for i, env := range envs {
		results[i] = resultOf(out, env)
	}
	return results, nil
}

func encodeInputs(rt Runtime, ops []*Operation, batch bool) (jsontext.Value, error) {
	if !batch {
		return serializeInput(rt, ops[0])
	}
	inputs := make(map[string]jsontext.Value, len(ops))
	for i, op := range ops {
		raw, err := serializeInput(rt, op)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			inputs[strconv.Itoa(i)] = raw
		}
	}
	return json.Marshal(inputs, json.Deterministic(true))
}

// resultOf converts a response envelope into an operation result.
func resultOf(out trpc.DataTransformer, env trpc.Envelope) OperationResult {
	if len(env.Error) > 0 {
		return OperationResult{Err: decodeError(out, env.Error)}
	}
	if env.Result == nil {
		return OperationResult{Err: transportError(errors.New("response has neither result nor error"))}
	}
	return OperationResult{Type: env.Result.Type, Data: env.Result.Data}
}
