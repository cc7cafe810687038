// Package app wires all tablecall subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the telephony webhooks and background workers
// until its context ends, and Shutdown releases everything in order.
//
// For testing, inject in-memory implementations via functional options
// (WithBookings, WithRecorder, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/config"
	"github.com/MrWong99/tablecall/internal/followup"
	"github.com/MrWong99/tablecall/internal/health"
	"github.com/MrWong99/tablecall/internal/knowledge"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/ratelimit"
	"github.com/MrWong99/tablecall/internal/reservation"
	"github.com/MrWong99/tablecall/internal/store/postgres"
	"github.com/MrWong99/tablecall/internal/transport/plivo"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 30 * time.Second
	defaultEmbeddingDims   = 1536
	defaultTopK            = 3
)

// App owns all subsystem lifetimes of the tablecall server.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	businesses *business.Directory
	store      *postgres.Store
	bookings   reservation.Repository
	recorder   callsession.Recorder
	history    callsession.CallerHistory
	redis      redis.UniversalClient
	queue      *followup.RedisQueue
	followups  callsession.Followups
	worker     *followup.Worker
	retriever  knowledge.Retriever
	limiter    *ratelimit.Limiter
	calls      *callsession.Registry
	health     *health.Handler
	router     chi.Router
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBookings injects a reservation repository instead of the PostgreSQL
// store.
func WithBookings(r reservation.Repository) Option {
	return func(a *App) { a.bookings = r }
}

// WithRecorder injects a call record sink.
func WithRecorder(r callsession.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithFollowups injects a callback request sink.
func WithFollowups(f callsession.Followups) Option {
	return func(a *App) { a.followups = f }
}

// WithRetriever injects a knowledge retriever.
func WithRetriever(r knowledge.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the log level at runtime.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// New creates an App by wiring all subsystems together. providers comes
// from [BuildProviders]; recognition, generation and synthesis are
// required.
//
// New performs all initialisation synchronously: database connection and
// migration, Redis connection, knowledge indexing, call registry and HTTP
// routing. Nothing is served until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	switch {
	case providers == nil || providers.LLM == nil:
		return nil, errors.New("app: an llm provider is required")
	case providers.STT == nil:
		return nil, errors.New("app: an stt provider is required")
	case providers.TTS == nil:
		return nil, errors.New("app: a tts provider is required")
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		return nil, fmt.Errorf("app: businesses: %w", err)
	}
	a.businesses = business.NewDirectory(profiles...)

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initFollowups(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init followups: %w", err)
	}
	if err := a.initKnowledge(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	a.limiter = ratelimit.New(cfg.RateLimit.TPM, cfg.RateLimit.RPM, ratelimit.WithMetrics(a.metrics))
	a.closers = append(a.closers, func() error {
		a.limiter.Close()
		return nil
	})

	a.initCalls()
	a.initRouter()
	return a, nil
}

// initStore opens PostgreSQL when configured. Without a DSN bookings live
// in memory and call records are only logged.
func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		if a.bookings == nil {
			a.bookings = reservation.NewMemoryRepository()
		}
		return nil
	}

	st, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	if a.bookings == nil {
		a.bookings = st
	}
	if a.recorder == nil {
		a.recorder = st
	}
	a.history = st
	return nil
}

// initFollowups connects the Redis queue and the delivery worker. Callback
// requests need the database; without it they are only logged.
func (a *App) initFollowups(ctx context.Context) error {
	rc := a.cfg.Redis
	if rc.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		a.redis = client
		a.closers = append(a.closers, client.Close)

		key := rc.Queue
		if key == "" {
			key = followup.DefaultQueueKey
		}
		a.queue = followup.NewRedisQueue(client, key)
		if err := a.queue.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", rc.Addr, err)
		}
	}

	if a.followups != nil || a.store == nil {
		return nil
	}
	var q followup.Queue
	if a.queue != nil {
		q = a.queue
	}
	a.followups = followup.NewService(a.store, q)

	fc := a.cfg.Followups
	if fc.WebhookURL == "" || a.queue == nil {
		return nil
	}
	a.worker = followup.NewWorker(a.store, a.queue, fc.WebhookURL,
		followup.WithAuthToken(fc.AuthToken),
		followup.WithPollInterval(fc.PollInterval),
		followup.WithRetryInterval(fc.RetryInterval),
		followup.WithBusinessNames(a.businessName),
		followup.WithMetrics(a.metrics),
	)
	return nil
}

// initKnowledge builds the retriever and indexes the configured knowledge
// file.
func (a *App) initKnowledge(ctx context.Context) error {
	kc := a.cfg.Knowledge
	if a.retriever != nil || !kc.Enabled {
		return nil
	}
	if a.store == nil || a.providers.Embeddings == nil {
		return errors.New("knowledge retrieval requires a database and an embeddings provider")
	}

	dims := a.cfg.Database.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDims
	}
	index := knowledge.NewPostgresIndex(a.store.DB())
	if err := index.Migrate(ctx, dims); err != nil {
		return err
	}
	svc := knowledge.NewService(a.providers.Embeddings, index)
	a.retriever = svc

	if kc.File == "" {
		return nil
	}
	items, err := knowledge.LoadFile(kc.File)
	if err != nil {
		return err
	}
	n, err := svc.Reindex(ctx, items)
	if err != nil {
		return err
	}
	slog.Info("indexed knowledge items", "path", kc.File, "count", n)
	return nil
}

// initCalls builds the call factory and registry.
func (a *App) initCalls() {
	ttsName := a.cfg.Providers.TTS.Name
	pcfg := a.cfg.Pipeline.PipelineConfig(ttsName, a.cfg.Keywords()...)

	topK := a.cfg.Knowledge.TopK
	if topK == 0 {
		topK = defaultTopK
	}
	f := &callsession.Factory{
		Businesses: a.businesses,
		Bookings:   a.bookings,
		LLM:        a.providers.LLM,
		ExtractLLM: a.providers.Extract,
		STT:        a.providers.STT,
		TTS:        a.providers.TTS,
		Retriever:  a.retriever,
		TopK:       topK,
		Limiter:    a.limiter,
		Followups:  a.followups,
		Recorder:   a.recorder,
		Pepper:     a.cfg.Calls.CallerHashPepper,
		Pipeline:   pcfg,
		Voice:      pcfg.Voice,
		Metrics:    a.metrics,
	}
	if a.history != nil {
		f.CallerHistory = a.history
	}
	a.calls = callsession.NewRegistry(f.Build,
		callsession.WithMaxCalls(a.cfg.Calls.MaxConcurrent),
		callsession.WithRegistryMetrics(a.metrics),
	)
}

// initRouter mounts health, metrics and telephony routes.
func (a *App) initRouter() {
	checkers := []health.Checker{
		health.Headroom("calls", a.calls.ActiveCount, a.calls.MaxCalls),
	}
	if a.store != nil {
		checkers = append(checkers, health.Ping("database", a.store))
	}
	if a.queue != nil {
		checkers = append(checkers, health.Ping("redis", a.queue))
	}
	a.health = health.New(checkers...)

	var opts []plivo.Option
	opts = append(opts, plivo.WithMetrics(a.metrics))
	if base := strings.TrimRight(a.cfg.Server.PublicURL, "/"); base != "" {
		opts = append(opts, plivo.WithStatusCallback(base+"/plivo/hangup"))
	}
	calls := plivo.NewHandler(a.calls, a.businesses, streamURL(a.cfg.Server.PublicURL), opts...)

	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))
	a.health.Routes(r)
	calls.Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	a.router = r
}

// streamURL turns the public base URL into the websocket URL of the audio
// stream. An empty base yields a relative path, which only suits tests.
func streamURL(public string) string {
	const path = "/plivo/stream"
	u, err := url.Parse(strings.TrimRight(public, "/"))
	if err != nil || u.Host == "" {
		return path
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += path
	return u.String()
}

func (a *App) businessName(id string) string {
	if p, ok := a.businesses.ByID(id); ok {
		return p.Name
	}
	return "our team"
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.router }

// Calls returns the call registry.
func (a *App) Calls() *callsession.Registry { return a.calls }

// Businesses returns the business directory.
func (a *App) Businesses() *business.Directory { return a.businesses }

// Run serves HTTP and runs the followup worker and retention sweep until
// ctx is cancelled or one of them fails. It then drains: readiness fails,
// the listener stops accepting and every active call is finalized within
// the shutdown timeout. Run returns ctx's error on cancellation.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve %s: %w", addr, err)
	})
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(gctx) })
	}
	if a.store != nil {
		g.Go(func() error { return a.runRetention(gctx) })
	}

	slog.Info("app running", "addr", addr, "businesses", a.businesses.Len(), "max_calls", a.calls.MaxCalls())
	<-gctx.Done()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	a.drain(dctx)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// drain stops accepting calls and finalizes the active ones.
func (a *App) drain(ctx context.Context) {
	a.health.Drain()
	slog.Info("draining calls", "active", a.calls.ActiveCount())
	// Active streams are hijacked websocket connections and outlive
	// Shutdown; CloseAll ends them.
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := a.calls.CloseAll(ctx); err != nil {
		slog.Warn("finalizing calls on shutdown failed", "err", err)
	}
}

// Shutdown releases all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.calls.CloseAll(ctx); err != nil {
			slog.Warn("finalizing calls failed", "err", err)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New opened.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
