package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ahhshm/trpc"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestRouter(t *testing.T, cfg Config) *trpc.Router {
	t.Helper()
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	return r
}

func get(t *testing.T, target string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return resp.StatusCode, out
}

func TestPaginate(t *testing.T) {
	db := NewDatabase()

	first := db.Paginate(1, nil)
	require.Len(t, first.Items, 1)
	assert.Equal(t, int64(0), first.Items[0].CreatedAt)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, int64(1), *first.NextCursor)

	second := db.Paginate(1, first.NextCursor)
	require.Len(t, second.Items, 1)
	assert.Equal(t, int64(1), second.Items[0].CreatedAt)
	assert.Nil(t, second.NextCursor)

	all := db.Paginate(50, nil)
	assert.Len(t, all.Items, 2)
	assert.Nil(t, all.NextCursor)
}

func TestPaginateEmpty(t *testing.T) {
	db := NewDatabase()
	db.DeletePosts(nil)
	page := db.Paginate(10, nil)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestAddPostOrdersByCreatedAt(t *testing.T) {
	db := NewDatabase()
	a := db.AddPost("a")
	b := db.AddPost("b")
	assert.Greater(t, b.CreatedAt, a.CreatedAt)
	assert.NotEqual(t, a.ID, b.ID)

	after := db.PostsAfter(a.CreatedAt)
	require.Len(t, after, 1)
	assert.Equal(t, "b", after[0].Title)
}

func TestDeletePosts(t *testing.T) {
	db := NewDatabase()
	assert.Equal(t, 1, db.DeletePosts([]string{"1", "missing"}))
	_, ok := db.Post("1")
	assert.False(t, ok)
	assert.Equal(t, 1, db.DeletePosts(nil))
	assert.Empty(t, db.Posts())
}

func TestRouterPaths(t *testing.T) {
	r := newTestRouter(t, Config{})
	assert.Equal(t, []string{
		"admin.stats", "err", "hello", "ping",
		"post.all", "post.byId", "post.paginated",
		"user.byId", "withDateInput",
	}, r.Paths(trpc.TypeQuery))
	assert.Equal(t, []string{"admin.reset", "err", "ping", "post.add", "post.delete"}, r.Paths(trpc.TypeMutation))
	assert.Equal(t, []string{"post.live", "post.new", "ticks"}, r.Paths(trpc.TypeSubscription))
}

func TestQueries(t *testing.T) {
	caller := newTestRouter(t, Config{}).Caller(nil)
	ctx := context.Background()

	out, err := caller.Query(ctx, "hello", "KATT")
	require.NoError(t, err)
	assert.Equal(t, "hello KATT", out)

	u, err := caller.Query(ctx, "user.byId", "1")
	require.NoError(t, err)
	assert.Equal(t, "KATT", u.(*User).Name)

	date := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	out, err = caller.Query(ctx, "withDateInput", date)
	require.NoError(t, err)
	assert.True(t, date.Equal(out.(time.Time)))
}

func TestPlainErrorIsFormatted(t *testing.T) {
	ts := httptest.NewServer(trpc.NewHTTPHandler(newTestRouter(t, Config{}), trpc.HTTPOptions{}))
	defer ts.Close()

	status, body := get(t, ts.URL+"/err")
	assert.Equal(t, http.StatusInternalServerError, status)
	shape := body["error"].(map[string]any)
	assert.Equal(t, "formatted", shape["$test"])
	assert.Nil(t, shape["validationErrors"])
	assert.Equal(t, "INTERNAL_SERVER_ERROR", shape["data"].(map[string]any)["code"])
}

func TestValidationErrorsAreFlattened(t *testing.T) {
	ts := httptest.NewServer(trpc.NewHTTPHandler(newTestRouter(t, Config{}), trpc.HTTPOptions{}))
	defer ts.Close()

	status, body := get(t, ts.URL+"/post.paginated?input="+url.QueryEscape(`{"limit":500}`))
	assert.Equal(t, http.StatusBadRequest, status)
	shape := body["error"].(map[string]any)
	assert.Equal(t, "formatted", shape["$test"])
	flat := shape["validationErrors"].(map[string]any)
	assert.Contains(t, flat["fieldErrors"], "limit")
}

func TestAddPostValidation(t *testing.T) {
	caller := newTestRouter(t, Config{}).Caller(nil)
	_, err := caller.Mutation(context.Background(), "post.add", AddPostInput{})
	require.Error(t, err)
	assert.Equal(t, trpc.CodeBadRequest, trpc.AsError(err).Code)
}

func TestAddPostRateLimit(t *testing.T) {
	db := NewDatabase()
	caller := newTestRouter(t, Config{DB: db, AddLimiter: rate.NewLimiter(0, 1)}).Caller(nil)
	ctx := context.Background()

	_, err := caller.Mutation(ctx, "post.add", AddPostInput{Title: "one"})
	require.NoError(t, err)
	_, err = caller.Mutation(ctx, "post.add", AddPostInput{Title: "two"})
	assert.Equal(t, trpc.CodeTooManyRequests, trpc.AsError(err).Code)
	assert.Len(t, db.Posts(), 3)
}

func TestAdminRequiresAdmin(t *testing.T) {
	r := newTestRouter(t, Config{})
	ctx := context.Background()

	_, err := r.Caller(nil).Query(ctx, "admin.stats", nil)
	assert.Equal(t, trpc.CodeUnauthorized, trpc.AsError(err).Code)

	_, err = r.Caller(&Context{User: &User{ID: "2", Name: "guest"}}).Query(ctx, "admin.stats", nil)
	assert.Equal(t, trpc.CodeUnauthorized, trpc.AsError(err).Code)

	out, err := r.Caller(&Context{User: &User{ID: "1", IsAdmin: true}}).Query(ctx, "admin.stats", nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Posts: 2, Users: 1}, out)
}

func TestAuthenticator(t *testing.T) {
	_, err := NewAuthenticator([]byte("short"), "test")
	require.Error(t, err)

	a, err := NewAuthenticator([]byte(testSecret), "test")
	require.NoError(t, err)
	token, err := a.Issue(User{ID: "1", Name: "KATT", IsAdmin: true}, time.Minute)
	require.NoError(t, err)

	u, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "1", Name: "KATT", IsAdmin: true}, u)

	_, err = a.Verify(token + "x")
	assert.Error(t, err)
	_, err = a.Verify("garbage")
	assert.Error(t, err)

	expired, err := a.Issue(User{ID: "1"}, -time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.Error(t, err)

	other, err := NewAuthenticator([]byte(testSecret), "someone-else")
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestCreateContext(t *testing.T) {
	a, err := NewAuthenticator([]byte(testSecret), "test")
	require.NoError(t, err)
	token, err := a.Issue(User{ID: "1", Name: "KATT", IsAdmin: true}, time.Minute)
	require.NoError(t, err)

	anon, err := a.CreateContext(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Nil(t, anon.(*Context).User)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c, err := a.CreateContext(req)
	require.NoError(t, err)
	assert.Equal(t, "KATT", c.(*Context).User.Name)

	c, err = a.CreateContext(httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.True(t, c.(*Context).User.IsAdmin)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	_, err = a.CreateContext(req)
	assert.Equal(t, trpc.CodeUnauthorized, trpc.AsError(err).Code)
}

func TestAdminOverHTTP(t *testing.T) {
	a, err := NewAuthenticator([]byte(testSecret), "test")
	require.NoError(t, err)
	ts := httptest.NewServer(trpc.NewHTTPHandler(newTestRouter(t, Config{}), trpc.HTTPOptions{
		Options: trpc.Options{CreateContext: a.CreateContext},
	}))
	defer ts.Close()

	status, _ := get(t, ts.URL+"/admin.stats")
	assert.Equal(t, http.StatusUnauthorized, status)

	token, err := a.Issue(User{ID: "1", IsAdmin: true}, time.Minute)
	require.NoError(t, err)
	status, body := get(t, ts.URL+"/admin.stats?token="+token)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"posts": 2.0, "users": 1.0}, body["result"].(map[string]any)["data"])
}

func TestNewPostsEmittedOnce(t *testing.T) {
	db := NewDatabase()
	h, err := newTestRouter(t, Config{DB: db}).Caller(nil).Subscription(context.Background(), "post.new", -1)
	require.NoError(t, err)

	var got []string
	emit := trpc.EmitterFunc(func(v any) { got = append(got, v.(Post).ID) })
	ctx := context.Background()
	require.NoError(t, h.Pull(ctx, emit))
	require.NoError(t, h.Pull(ctx, emit))
	assert.Equal(t, []string{"1", "2"}, got)

	p := db.AddPost("third")
	require.NoError(t, h.Pull(ctx, emit))
	assert.Equal(t, []string{"1", "2", p.ID}, got)
}

func TestLiveCursor(t *testing.T) {
	db := NewDatabase()
	caller := newTestRouter(t, Config{DB: db}).Caller(nil)
	ctx := context.Background()

	h, err := caller.Subscription(ctx, "post.live", LiveInput{})
	require.NoError(t, err)
	var sent []trpc.OutputWithCursor[[]Post]
	emit := trpc.EmitterFunc(func(v any) { sent = append(sent, v.(trpc.OutputWithCursor[[]Post])) })
	require.NoError(t, h.Pull(ctx, emit))
	require.NoError(t, h.Pull(ctx, emit))
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].Data, 2)

	// Resuming with the cursor the client already has sends nothing.
	resumed, err := caller.Subscription(ctx, "post.live", LiveInput{Cursor: &sent[0].Cursor})
	require.NoError(t, err)
	var resumedSent int
	require.NoError(t, resumed.Pull(ctx, trpc.EmitterFunc(func(any) { resumedSent++ })))
	assert.Zero(t, resumedSent)

	db.AddPost("third")
	require.NoError(t, h.Pull(ctx, emit))
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].Cursor, sent[1].Cursor)
	assert.Len(t, sent[1].Data, 3)
}

func TestTicksDefaults(t *testing.T) {
	h := ticks(TicksInput{Count: 2})
	require.NotNil(t, h.Run)
	var got []int
	err := h.Run(context.Background(), trpc.EmitterFunc(func(v any) { got = append(got, v.(int)) }))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}
