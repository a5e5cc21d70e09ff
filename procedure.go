package trpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ProcedureInfo describes a registered procedure.
type ProcedureInfo struct {
	Path string
	Type ProcedureType
}

// procedure is a registered, immutable procedure.
type procedure struct {
	path       string
	typ        ProcedureType
	validator  Validator
	middleware []Middleware // router middleware captured at registration, then local middleware
	local      []Middleware

	// decode builds the typed input from a wire value.
	decode func(t DataTransformer, raw jsontext.Value) (any, error)
	// coerce converts a Go value passed to a server-side caller into the input type.
	coerce  func(v any) (any, error)
	resolve func(ctx context.Context, input any) (any, error)
}

// ProcedureOption configures a procedure at registration time.
type ProcedureOption func(*procedure)

// WithValidator validates the decoded input before middleware and resolver run.
func WithValidator(v Validator) ProcedureOption {
	return func(p *procedure) {
		p.validator = v
	}
}

// WithMiddleware adds middleware that only applies to this procedure.
// It runs inside the router middleware.
func WithMiddleware(mw ...Middleware) ProcedureOption {
	return func(p *procedure) {
		p.local = append(p.local, mw...)
	}
}

// Query registers a query procedure on r.
func Query[I, O any](r *Router, path string, resolve func(ctx context.Context, input I) (O, error), opts ...ProcedureOption) error {
	return r.add(newProcedure(TypeQuery, path, func(ctx context.Context, in I) (any, error) {
		return resolve(ctx, in)
	}, opts))
}

// Mutation registers a mutation procedure on r.
func Mutation[I, O any](r *Router, path string, resolve func(ctx context.Context, input I) (O, error), opts ...ProcedureOption) error {
	return r.add(newProcedure(TypeMutation, path, func(ctx context.Context, in I) (any, error) {
		return resolve(ctx, in)
	}, opts))
}

// Subscription registers a subscription procedure on r. The resolver returns
// the handle the subscription engine drives for the lifetime of the subscription.
func Subscription[I any](r *Router, path string, resolve func(ctx context.Context, input I) (*SubscriptionHandle, error), opts ...ProcedureOption) error {
	return r.add(newProcedure(TypeSubscription, path, func(ctx context.Context, in I) (any, error) {
		h, err := resolve(ctx, in)
		if err != nil {
			return nil, err
		}
		if h == nil || (h.Pull == nil && h.Run == nil) {
			return nil, ErrInternal(fmt.Errorf("subscription %q returned no pull or run function", path))
		}
		return h, nil
	}, opts))
}

func newProcedure[I any](typ ProcedureType, path string, resolve func(ctx context.Context, in I) (any, error), opts []ProcedureOption) *procedure {
	p := &procedure{
		path: path,
		typ:  typ,
		decode: func(t DataTransformer, raw jsontext.Value) (any, error) {
			var in I
			if isAbsent(raw) {
				return in, nil
			}
			if err := t.Deserialize(raw, &in); err != nil {
				return nil, err
			}
			return in, nil
		},
		coerce: func(v any) (any, error) {
			if v == nil {
				var in I
				return in, nil
			}
			if in, ok := v.(I); ok {
				return in, nil
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			var in I
			if err := json.Unmarshal(b, &in); err != nil {
				return nil, err
			}
			return in, nil
		},
		resolve: func(ctx context.Context, input any) (any, error) {
			in, _ := input.(I)
			return resolve(ctx, in)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// withPrefix returns a copy of p re-namespaced under prefix with outer
// middleware prepended.
func (p *procedure) withPrefix(prefix string, outer []Middleware) *procedure {
	cp := *p
	cp.path = prefix + p.path
	cp.middleware = make([]Middleware, 0, len(outer)+len(p.middleware))
	cp.middleware = append(cp.middleware, outer...)
	cp.middleware = append(cp.middleware, p.middleware...)
	return &cp
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("procedure path must not be empty")
	}
	if strings.ContainsAny(path, ",/ ") {
		return fmt.Errorf("procedure path %q must not contain ',', '/' or spaces", path)
	}
	return nil
}
