// Package api is a small posts and users API built on trpc. It is used by the
// reference server and as an end-to-end fixture in tests.
package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahhshm/trpc"
)

// Config configures the API router.
type Config struct {
	DB     *Database
	Logger *zap.Logger
	// AddLimiter limits post.add calls. Nil means no limit.
	AddLimiter *rate.Limiter
	// PullInterval is the polling interval of post subscriptions. Default: 10ms
	PullInterval time.Duration
}

// PaginateInput is the input of post.paginated.
type PaginateInput struct {
	Limit  *int   `json:"limit"`
	Cursor *int64 `json:"cursor"`
}

// AddPostInput is the input of post.add.
type AddPostInput struct {
	Title string `json:"title"`
}

// LiveInput is the input of post.live.
type LiveInput struct {
	Cursor *string `json:"cursor"`
}

// TicksInput is the input of ticks.
type TicksInput struct {
	Count      int `json:"count"`
	IntervalMs int `json:"intervalMs"`
}

// Stats is returned by admin.stats.
type Stats struct {
	Posts int `json:"posts"`
	Users int `json:"users"`
}

var (
	paginateSchema = trpc.MustSchemaValidator(`{
		"type": "object",
		"properties": {
			"limit": {"type": ["integer", "null"], "minimum": 1, "maximum": 100},
			"cursor": {"type": ["integer", "null"]}
		}
	}`)
	addPostSchema = trpc.MustSchemaValidator(`{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1}
		}
	}`)
	ticksSchema = trpc.MustSchemaValidator(`{
		"type": "object",
		"properties": {
			"count": {"type": "integer", "minimum": 0, "maximum": 1000},
			"intervalMs": {"type": "integer", "minimum": 0}
		}
	}`)
)

var errWoops = errors.New("woops")

// FormatError adds a marker and the flattened validation errors to every
// error shape.
func FormatError(in trpc.FormatErrorInput) any {
	var flat any
	var verr *trpc.ValidationError
	if errors.As(in.Error, &verr) {
		flat = verr.Flatten()
	}
	return map[string]any{
		"$test":            "formatted",
		"validationErrors": flat,
	}
}

// NewRouter builds the API router.
func NewRouter(cfg Config) (*trpc.Router, error) {
	if cfg.DB == nil {
		cfg.DB = NewDatabase()
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 10 * time.Millisecond
	}
	db := cfg.DB

	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	router := trpc.NewRouter()
	check(router.FormatError(FormatError))
	if cfg.Logger != nil {
		router.Use(trpc.LoggingMiddleware(cfg.Logger))
	}

	root := trpc.NewRouter()
	check(trpc.Query(root, "ping", func(ctx context.Context, _ struct{}) (string, error) {
		return "pong", nil
	}))
	check(trpc.Query(root, "hello", func(ctx context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	check(trpc.Query(root, "withDateInput", func(ctx context.Context, t time.Time) (time.Time, error) {
		return t, nil
	}))
	check(trpc.Query(root, "err", func(ctx context.Context, _ struct{}) (any, error) {
		return nil, errWoops
	}))
	check(trpc.Mutation(root, "ping", func(ctx context.Context, _ struct{}) (string, error) {
		return "pong", nil
	}))
	check(trpc.Mutation(root, "err", func(ctx context.Context, _ struct{}) (any, error) {
		return nil, errWoops
	}))
	check(trpc.Subscription(root, "ticks", func(ctx context.Context, in TicksInput) (*trpc.SubscriptionHandle, error) {
		return ticks(in), nil
	}, trpc.WithValidator(ticksSchema)))

	users := trpc.NewRouter()
	check(trpc.Query(users, "byId", func(ctx context.Context, id string) (*User, error) {
		if u, ok := db.User(id); ok {
			return &u, nil
		}
		return nil, nil
	}))

	posts := trpc.NewRouter()
	check(trpc.Query(posts, "all", func(ctx context.Context, _ struct{}) ([]Post, error) {
		return db.Posts(), nil
	}))
	check(trpc.Query(posts, "byId", func(ctx context.Context, id string) (*Post, error) {
		if p, ok := db.Post(id); ok {
			return &p, nil
		}
		return nil, nil
	}))
	check(trpc.Query(posts, "paginated", func(ctx context.Context, in PaginateInput) (Page, error) {
		limit := 50
		if in.Limit != nil {
			limit = *in.Limit
		}
		return db.Paginate(limit, in.Cursor), nil
	}, trpc.WithValidator(paginateSchema)))

	var addOpts []trpc.ProcedureOption
	addOpts = append(addOpts, trpc.WithValidator(addPostSchema))
	if cfg.AddLimiter != nil {
		addOpts = append(addOpts, trpc.WithMiddleware(trpc.RateLimit(cfg.AddLimiter)))
	}
	check(trpc.Mutation(posts, "add", func(ctx context.Context, in AddPostInput) (Post, error) {
		return db.AddPost(in.Title), nil
	}, addOpts...))
	check(trpc.Mutation(posts, "delete", func(ctx context.Context, ids []string) (int, error) {
		return db.DeletePosts(ids), nil
	}))
	// post.new emits every post created after the input, each one once.
	check(trpc.Subscription(posts, "new", func(ctx context.Context, after int64) (*trpc.SubscriptionHandle, error) {
		return trpc.PullSubscription(cfg.PullInterval, func(ctx context.Context, emit func(Post)) error {
			for _, p := range db.PostsAfter(after) {
				emit(p)
				after = p.CreatedAt
			}
			return nil
		}), nil
	}))
	check(trpc.Subscription(posts, "live", func(ctx context.Context, in LiveInput) (*trpc.SubscriptionHandle, error) {
		cursor := ""
		if in.Cursor != nil {
			cursor = *in.Cursor
		}
		return trpc.CursorSubscription(cfg.PullInterval, cursor, func(ctx context.Context) ([]Post, error) {
			return db.Posts(), nil
		}), nil
	}))

	admin := trpc.NewRouter()
	admin.Use(requireAdmin)
	check(trpc.Query(admin, "stats", func(ctx context.Context, _ struct{}) (Stats, error) {
		return Stats{Posts: len(db.Posts()), Users: db.UserCount()}, nil
	}))
	check(trpc.Mutation(admin, "reset", func(ctx context.Context, _ struct{}) (int, error) {
		return db.DeletePosts(nil), nil
	}))

	check(router.Merge("", root))
	check(router.Merge("user.", users))
	check(router.Merge("post.", posts))
	check(router.Merge("admin.", admin))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return router, nil
}

// ticks emits 1..Count, one every IntervalMs, then stops. Count defaults to 10.
func ticks(in TicksInput) *trpc.SubscriptionHandle {
	count := in.Count
	if count <= 0 {
		count = 10
	}
	interval := time.Duration(in.IntervalMs) * time.Millisecond
	return trpc.StreamSubscription(func(ctx context.Context, emit func(int)) error {
		t := time.NewTicker(max(interval, time.Millisecond))
		defer t.Stop()
		for i := 1; i <= count; i++ {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			emit(i)
		}
		return nil
	})
}
