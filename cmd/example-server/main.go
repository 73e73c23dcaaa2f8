package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filtering-gateway/middleware/edgefilter"
	"filtering-gateway/middleware/edgefilter/application"
	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"
)

func main() {
	// Exemplo: injetando os estágios direto no seu webserver (sem proxy).
	events := infra.NewMemoryEventStore(infra.EventStoreOptions{})
	throttle := infra.NewWindowThrottle(infra.ThrottleOptions{
		Window: 30 * time.Second,
		Steps: []domain.DelayStep{
			{ExceedsCount: 100, Delay: 50 * time.Millisecond},
			{ExceedsCount: 200, Delay: 100 * time.Millisecond},
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	h := http.Handler(mux)
	h = edgefilter.DelayMiddleware(edgefilter.DelayOptions{Delayer: throttle})(h)
	h = edgefilter.FilterMiddleware(edgefilter.FilterOptions{
		Rule: application.StaticRule(application.FilterRule{
			Source:           "method",
			Allow:            []string{"GET", "HEAD"},
			Deny:             []string{"*"},
			TieBreak:         domain.TieBreakAllow,
			BlockOnBlacklist: true,
		}),
		Observe: edgefilter.ObserveMethod,
		Events:  events,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("example server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
