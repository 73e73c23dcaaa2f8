package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filtering-gateway/internal/admin"
	"filtering-gateway/internal/config"
	"filtering-gateway/middleware/edgefilter"
	"filtering-gateway/middleware/edgefilter/application"
	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config error")
	}

	log := newLogger(cfg.LogLevel)
	snap := config.NewSnapshot(cfg)

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid upstream_url")
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// agregado de eventos: memória (com orçamento) ou sqlite (durável)
	var events domain.EventStore
	var memStore *infra.MemoryEventStore
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := infra.OpenSQLiteEventStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite store")
		}
		defer func() { _ = st.Close() }()
		events = st
	default:
		memStore = infra.NewMemoryEventStore(eventStoreOptions(cfg.Store),
			infra.WithTrimStallHook(func(over int64) {
				log.Warn().Int64("over_bytes", over).Msg("event store over budget and nothing evictable")
			}))
		events = memStore
	}

	var sink domain.OutcomeSink
	if cfg.RedisSink.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisSink.Addr,
			Password: cfg.RedisSink.Password,
			DB:       cfg.RedisSink.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("redis sink ping error")
		}

		sink = infra.NewRedisOutcomeSink(rdb,
			infra.WithSinkPrefix(cfg.RedisSink.Prefix),
			infra.WithSinkTTL(cfg.RedisSink.TTL.Std()),
			infra.WithSinkBucket(cfg.RedisSink.Bucket),
			infra.WithSinkTrackKeys(cfg.RedisSink.TrackKeys),
		)
	}

	keyFn := edgefilter.DefaultKeyFunc(cfg.Key.Header, cfg.Key.TrustXFF)

	limiters := infra.NewLimiterCache(cfg.Burst.RPS, cfg.Burst.Burst)
	limiters.StartJanitor(ctx)

	throttle := infra.NewWindowThrottle(throttleOptions(cfg.Throttle))
	smoother := infra.NewRateSmoother(smootherOptions(cfg.Smoother),
		infra.WithSmootherHooks(infra.SmootherHooks{
			OnFirstSeen: func(key string) {
				log.Debug().Str("client", key).Msg("first seen")
			},
			OnLevelChange: func(key string, from, to int, atMax bool) {
				ev := log.Info().Str("client", key).Int("from", from).Int("to", to)
				if atMax {
					ev = ev.Bool("at_max", true)
				}
				ev.Msg("smoother level change")
			},
		}))

	// reload a quente: SIGHUP relê o YAML e publica o snapshot novo; os
	// stores absorvem as opções novas na próxima operação. A lista de estágios
	// e os backends são fixados no boot.
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.Load(configPath)
				if err != nil {
					log.Error().Err(err).Msg("config reload failed, keeping previous")
					continue
				}
				snap.Publish(next)
				if memStore != nil {
					memStore.SetOptions(eventStoreOptions(next.Store))
				}
				throttle.SetOptions(throttleOptions(next.Throttle))
				smoother.SetOptions(smootherOptions(next.Smoother))
				log.Info().Msg("config reloaded")
			}
		}
	}()

	h := http.Handler(proxy)

	if cfg.Smoother.Enabled {
		h = edgefilter.DelayMiddleware(edgefilter.DelayOptions{
			Delayer: smoother,
			KeyFn:   keyFn,
			Log:     log.With().Str("stage", "smoother").Logger(),
		})(h)
	}
	if cfg.Throttle.Enabled {
		h = edgefilter.DelayMiddleware(edgefilter.DelayOptions{
			Delayer: throttle,
			KeyFn:   keyFn,
			Log:     log.With().Str("stage", "throttle").Logger(),
		})(h)
	}
	if cfg.Gate.Enabled {
		h = edgefilter.GateMiddleware(edgefilter.GateOptions{
			Policy: application.BlacklistThresholdPolicy{
				Events: events,
				Max:    cfg.Gate.MaxBlacklist,
			},
			LogOnly:      func() bool { return snap.Current().Gate.LogOnly },
			RejectStatus: cfg.Gate.RejectStatus,
			KeyFn:        keyFn,
			Log:          log.With().Str("stage", "gate").Logger(),
		})(h)
	}
	for i := len(cfg.Filters) - 1; i >= 0; i-- {
		fc := cfg.Filters[i]
		idx := i
		h = edgefilter.FilterMiddleware(edgefilter.FilterOptions{
			Rule: func() application.FilterRule {
				// relê a regra do snapshot corrente a cada requisição
				cur := snap.Current()
				if idx >= len(cur.Filters) {
					return filterRule(fc)
				}
				return filterRule(cur.Filters[idx])
			},
			Observe:      observeFunc(fc),
			Events:       events,
			Sink:         sink,
			KeyFn:        keyFn,
			RejectStatus: fc.RejectStatus,
			Log:          log.With().Str("stage", fc.Source).Logger(),
		})(h)
	}
	h = edgefilter.ConcurrencyMiddleware(edgefilter.ConcurrencyOptions{
		Max:            cfg.Concurrency.Max,
		AcquireTimeout: cfg.Concurrency.AcquireTimeout.Std(),
	})(h)
	if cfg.Burst.Enabled {
		h = edgefilter.BurstGuardMiddleware(edgefilter.BurstGuardOptions{
			Limiters:   limiters,
			Events:     events,
			KeyFn:      keyFn,
			RetryAfter: cfg.Burst.RetryAfter.Std(),
			Log:        log.With().Str("stage", "burst").Logger(),
		})(h)
	}
	h = requestID(h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		handler := admin.NewHandler(events, smoother, log.With().Str("component", "admin").Logger())
		adminSrv = &http.Server{
			Addr:              cfg.Admin.ListenAddr,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Admin.ListenAddr).Msg("admin listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
	}()

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("upstream", target.String()).
		Int("filters", len(cfg.Filters)).
		Bool("gate", cfg.Gate.Enabled).
		Bool("throttle", cfg.Throttle.Enabled).
		Bool("smoother", cfg.Smoother.Enabled).
		Str("store", cfg.Store.Backend).
		Msg("gateway listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// requestID carimba cada requisição com um X-Request-Id, gerando um quando o
// cliente não mandou.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func eventStoreOptions(sc config.StoreConfig) infra.EventStoreOptions {
	var overflow infra.OverflowPolicy
	switch sc.Overflow {
	case "evict":
		overflow = infra.OverflowEvictOldest
	case "clear":
		overflow = infra.OverflowClearAll
	default:
		overflow = infra.OverflowDropNew
	}
	return infra.EventStoreOptions{
		MaxBytes:          sc.MaxBytes,
		Overflow:          overflow,
		TrimTargetRatio:   sc.TrimTargetRatio,
		TrimCooldown:      sc.TrimCooldown.Std(),
		TrimMaxCandidates: sc.TrimMaxCandidates,
		TrimMaxEvictions:  sc.TrimMaxEvictions,
		IdleTTL:           sc.IdleTTL.Std(),
		SweepEvery:        sc.SweepEvery,
	}
}

func throttleOptions(tc config.ThrottleConfig) infra.ThrottleOptions {
	return infra.ThrottleOptions{
		Window:     tc.Window.Std(),
		Steps:      delaySteps(tc.Steps),
		MaxDelay:   tc.MaxDelay.Std(),
		IdleTTL:    tc.IdleTTL.Std(),
		SweepEvery: tc.SweepEvery,
	}
}

func smootherOptions(sc config.SmootherConfig) infra.SmootherOptions {
	anon := infra.AnonymousBypass
	if sc.Anonymous == "shared" {
		anon = infra.AnonymousShared
	}
	return infra.SmootherOptions{
		Window:          sc.Window.Std(),
		BucketSize:      sc.BucketSize.Std(),
		Steps:           delaySteps(sc.Steps),
		Hold:            sc.Hold.Std(),
		StepDownEvery:   sc.StepDownEvery.Std(),
		HysteresisRatio: sc.HysteresisRatio,
		MaxDelay:        sc.MaxDelay.Std(),
		Anonymous:       anon,
		IdleTTL:         sc.IdleTTL.Std(),
	}
}

func delaySteps(steps []config.StepConfig) []domain.DelayStep {
	out := make([]domain.DelayStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, domain.DelayStep{ExceedsCount: s.Exceeds, Delay: s.Delay.Std()})
	}
	return out
}

func filterRule(fc config.FilterConfig) application.FilterRule {
	tie := domain.TieBreakAllow
	if fc.TieBreak == "deny" {
		tie = domain.TieBreakDeny
	}
	return application.FilterRule{
		Source:           fc.Source,
		Allow:            fc.Allow,
		Deny:             fc.Deny,
		CaseSensitive:    fc.CaseSensitive,
		TieBreak:         tie,
		BlockOnBlacklist: fc.Block,
	}
}

func observeFunc(fc config.FilterConfig) edgefilter.ObserveFunc {
	switch fc.Observe {
	case "proto":
		return edgefilter.ObserveProto
	case "user_agent":
		return edgefilter.ObserveUserAgent
	case "header":
		return edgefilter.ObserveHeader(fc.Header)
	case "header_signature":
		return edgefilter.ObserveHeaderSignature
	default:
		return edgefilter.ObserveMethod
	}
}
