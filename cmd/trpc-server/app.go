package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahhshm/trpc"
	"github.com/ahhshm/trpc/example/api"
)

// app is the wired server: the posts API behind the HTTP, SSE and WebSocket
// transports.
type app struct {
	cfg     *Config
	logger  *zap.Logger
	db      *api.Database
	auth    *api.Authenticator
	ws      *trpc.Server
	handler http.Handler
}

func newApp(cfg *Config, logger *zap.Logger) (*app, error) {
	db := api.NewDatabase()

	var limiter *rate.Limiter
	if cfg.Posts.AddRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Posts.AddRate), max(cfg.Posts.AddBurst, 1))
	}
	router, err := api.NewRouter(api.Config{
		DB:           db,
		Logger:       logger.Named("api"),
		AddLimiter:   limiter,
		PullInterval: cfg.Posts.PullInterval,
	})
	if err != nil {
		return nil, err
	}

	opts := trpc.Options{
		Logger: logger.Named("trpc"),
		Debug:  cfg.Debug,
		OnError: func(ev trpc.ErrorEvent) {
			if ev.Error.Code != trpc.CodeInternalServerError {
				logger.Debug("call rejected",
					zap.String("path", ev.Path),
					zap.String("code", string(ev.Error.Code)),
					zap.String("message", ev.Error.Message))
			}
		},
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if cfg.Auth.Secret != "" {
		a.auth, err = api.NewAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}
		opts.CreateContext = a.auth.CreateContext
	}

	var reg *prometheus.Registry
	if cfg.MetricsPath != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.Metrics = trpc.NewMetrics(reg)
	}

	httpHandler := trpc.NewHTTPHandler(router, trpc.HTTPOptions{
		Options:          opts,
		DisableBatching:  cfg.HTTP.DisableBatching,
		MaxBodySize:      cfg.HTTP.MaxBodySize,
		MaxBatchSize:     cfg.HTTP.MaxBatchSize,
		BatchConcurrency: cfg.HTTP.BatchConcurrency,
		SSEKeepAlive:     cfg.HTTP.SSEKeepAlive,
	})
	a.ws = trpc.NewServer(router, trpc.ServerOptions{
		Options:           opts,
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		HeartbeatTimeout:  cfg.WS.HeartbeatTimeout,
		SendBuffer:        cfg.WS.SendBuffer,
		MaxMessageSize:    cfg.WS.MaxMessageSize,
	})
	a.ws.OnConnect(func(ctx context.Context, conn *trpc.Conn) error {
		logger.Debug("client connected", zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
		return nil
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle(cfg.WSPath, a.ws)
	if reg != nil {
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	base := "/" + strings.Trim(cfg.BasePath, "/")
	r.Mount(base, httpHandler)
	a.handler = r
	return a, nil
}

// serve listens on cfg.Addr until ctx is done and then shuts down gracefully.
// reconnect receives a value whenever clients should be asked to reconnect.
func (a *app) serve(ctx context.Context, reconnect <-chan struct{}) error {
	srv := &http.Server{
		Addr:     a.cfg.Addr,
		Handler:  a.handler,
		ErrorLog: zap.NewStdLog(a.logger.Named("http")),
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", a.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	for {
		select {
		case err := <-errCh:
			return err
		case <-reconnect:
			a.logger.Info("asking clients to reconnect", zap.Int("connections", a.ws.ConnectionCount()))
			a.ws.BroadcastReconnect()
			continue
		case <-ctx.Done():
		}
		break
	}

	a.logger.Info("shutting down")
	timeout := a.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := errors.Join(a.ws.Shutdown(sctx), srv.Shutdown(sctx))
	if lerr := <-errCh; lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
		err = errors.Join(err, lerr)
	}
	return err
}
