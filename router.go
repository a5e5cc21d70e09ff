package trpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/go-json-experiment/json/jsontext"
)

// Router holds registered procedures and their middleware, transformer and
// error formatter. Routers are built before serving; registering procedures
// while calls are in flight is not safe.
type Router struct {
	procedures     map[ProcedureType]map[string]*procedure
	order          []*procedure
	middleware     []Middleware
	transformer    CombinedTransformer
	hasTransformer bool
	formatter      ErrorFormatter
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		procedures: map[ProcedureType]map[string]*procedure{
			TypeQuery:        {},
			TypeMutation:     {},
			TypeSubscription: {},
		},
	}
}

// Use adds middleware to the chain.
// Middleware is executed in the order it is added and applies to procedures
// registered or merged after this call.
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

func (r *Router) add(p *procedure) error {
	if err := validatePath(p.path); err != nil {
		return err
	}
	if _, exists := r.procedures[p.typ][p.path]; exists {
		return fmt.Errorf("duplicate %s procedure %q", p.typ, p.path)
	}
	p.middleware = make([]Middleware, 0, len(r.middleware)+len(p.local))
	p.middleware = append(p.middleware, r.middleware...)
	p.middleware = append(p.middleware, p.local...)
	r.procedures[p.typ][p.path] = p
	r.order = append(r.order, p)
	return nil
}

// Merge adds every procedure of other to r with prefix prepended to its path.
// The merged procedures run r's current middleware before their own. Merge
// fails without modifying r if a path collides or if both routers define a
// transformer or an error formatter.
func (r *Router) Merge(prefix string, other *Router) error {
	if other == nil {
		return errors.New("merge: nil router")
	}
	if r.hasTransformer && other.hasTransformer {
		return errors.New("you seem to have double transformer() calls in your router tree")
	}
	if r.formatter != nil && other.formatter != nil {
		return errors.New("you seem to have double formatError() calls in your router tree")
	}

	var dups []string
	for _, p := range other.order {
		if err := validatePath(prefix + p.path); err != nil {
			return err
		}
		if _, exists := r.procedures[p.typ][prefix+p.path]; exists {
			dups = append(dups, prefix+p.path)
		}
	}
	if len(dups) > 0 {
		return fmt.Errorf("duplicate endpoint(s): %s", strings.Join(dups, ", "))
	}

	for _, p := range other.order {
		cp := p.withPrefix(prefix, r.middleware)
		r.procedures[cp.typ][cp.path] = cp
		r.order = append(r.order, cp)
	}
	if other.hasTransformer {
		r.transformer = other.transformer
		r.hasTransformer = true
	}
	if other.formatter != nil {
		r.formatter = other.formatter
	}
	return nil
}

// Transformer sets the data transformer. It may be set once per router tree.
func (r *Router) Transformer(t CombinedTransformer) error {
	if r.hasTransformer {
		return errors.New("you seem to have double transformer() calls in your router tree")
	}
	r.transformer = t
	r.hasTransformer = true
	return nil
}

// TransformerOf returns the router's transformer pair.
func (r *Router) TransformerOf() CombinedTransformer {
	return r.transformer
}

// FormatError sets the error formatter. It may be set once per router tree.
func (r *Router) FormatError(fn ErrorFormatter) error {
	if r.formatter != nil {
		return errors.New("you seem to have double formatError() calls in your router tree")
	}
	r.formatter = fn
	return nil
}

// Procedures returns all registered procedures in registration order.
func (r *Router) Procedures() []ProcedureInfo {
	infos := make([]ProcedureInfo, 0, len(r.order))
	for _, p := range r.order {
		infos = append(infos, ProcedureInfo{Path: p.path, Type: p.typ})
	}
	return infos
}

// Paths returns the sorted paths registered for typ.
func (r *Router) Paths(typ ProcedureType) []string {
	paths := make([]string, 0, len(r.procedures[typ]))
	for path := range r.procedures[typ] {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Has reports whether a procedure of the given type exists at path.
func (r *Router) Has(typ ProcedureType, path string) bool {
	_, ok := r.lookup(typ, path)
	return ok
}

func (r *Router) lookup(typ ProcedureType, path string) (*procedure, bool) {
	byPath, ok := r.procedures[typ]
	if !ok {
		return nil, false
	}
	p, ok := byPath[path]
	return p, ok
}

// Call resolves a procedure from a wire input. raw is decoded with the
// router's input transformer. The returned error is always an *Error.
// Subscription procedures return a *SubscriptionHandle.
func (r *Router) Call(ctx context.Context, typ ProcedureType, path string, raw jsontext.Value) (any, error) {
	out, err := r.handle(ctx, &Request{Type: typ, Path: path, RawInput: raw})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Router) handle(ctx context.Context, req *Request) (any, *Error) {
	p, ok := r.lookup(req.Type, req.Path)
	if !ok {
		return nil, ErrNotFound(req.Type, req.Path)
	}
	input, err := p.decode(r.transformer.InputTransformer(), req.RawInput)
	if err != nil {
		return nil, WrapError(CodeBadRequest, "invalid input: "+err.Error(), err)
	}
	return r.invoke(ctx, p, req, input)
}

func (r *Router) invoke(ctx context.Context, p *procedure, req *Request, input any) (result any, rerr *Error) {
	req.Input = input
	if p.validator != nil {
		if err := p.validator.Validate(input); err != nil {
			return nil, WrapError(CodeBadRequest, err.Error(), err)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			rerr = ErrInternal(fmt.Errorf("panic in %s %q: %v", p.typ, p.path, rec))
			rerr.Stack = string(debug.Stack())
		}
	}()

	final := func(ctx context.Context, req *Request) (any, error) {
		return p.resolve(ctx, req.Input)
	}
	out, err := chain(p.middleware, final)(withRequest(ctx, req), req)
	if err != nil {
		return nil, AsError(err)
	}
	return out, nil
}

// Caller invokes procedures in-process with Go values as inputs.
type Caller struct {
	router *Router
	appCtx any
}

// Caller returns a server-side caller bound to the given application context.
func (r *Router) Caller(appCtx any) *Caller {
	return &Caller{router: r, appCtx: appCtx}
}

// Query calls a query procedure.
func (c *Caller) Query(ctx context.Context, path string, input any) (any, error) {
	return c.call(ctx, TypeQuery, path, input)
}

// Mutation calls a mutation procedure.
func (c *Caller) Mutation(ctx context.Context, path string, input any) (any, error) {
	return c.call(ctx, TypeMutation, path, input)
}

// Subscription resolves a subscription procedure and returns its handle.
// The caller is responsible for driving it.
func (c *Caller) Subscription(ctx context.Context, path string, input any) (*SubscriptionHandle, error) {
	out, err := c.call(ctx, TypeSubscription, path, input)
	if err != nil {
		return nil, err
	}
	h, ok := out.(*SubscriptionHandle)
	if !ok || h == nil {
		return nil, ErrInternal(fmt.Errorf("subscription %q returned %T instead of a handle", path, out))
	}
	return h, nil
}

func (c *Caller) call(ctx context.Context, typ ProcedureType, path string, input any) (any, error) {
	p, ok := c.router.lookup(typ, path)
	if !ok {
		return nil, ErrNotFound(typ, path)
	}
	in, err := p.coerce(input)
	if err != nil {
		return nil, WrapError(CodeBadRequest, "invalid input: "+err.Error(), err)
	}
	if c.appCtx != nil {
		ctx = WithAppContext(ctx, c.appCtx)
	}
	out, rerr := c.router.invoke(ctx, p, &Request{Type: typ, Path: path}, in)
	if rerr != nil {
		return nil, rerr
	}
	return out, nil
}
