package edgefilter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"filtering-gateway/middleware/edgefilter/application"
	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"
)

func seedBlacklist(t *testing.T, events domain.EventStore, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := events.Store(context.Background(), domain.Event{
			ClientKey: key,
			Source:    "method",
			Outcome:   domain.OutcomeBlacklist,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestGateMiddleware_BlocksOverThreshold(t *testing.T) {
	events := infra.NewMemoryEventStore(infra.EventStoreOptions{})
	seedBlacklist(t, events, "10.0.0.1", 6)

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	h := GateMiddleware(GateOptions{
		Policy: application.BlacklistThresholdPolicy{Events: events, Max: 5},
	})(next)

	// cliente acima do limiar: rejeitado
	r1 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusForbidden {
		t.Fatalf("expected 403 over threshold, got %d", w1.Code)
	}

	// cliente limpo: passa
	r2 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r2.RemoteAddr = "10.0.0.2:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for clean client, got %d", w2.Code)
	}

	if calls != 1 {
		t.Fatalf("expected next handler called once, got %d", calls)
	}
}

func TestGateMiddleware_ThresholdIsStrict(t *testing.T) {
	events := infra.NewMemoryEventStore(infra.EventStoreOptions{})
	seedBlacklist(t, events, "10.0.0.1", 5)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := GateMiddleware(GateOptions{
		Policy: application.BlacklistThresholdPolicy{Events: events, Max: 5},
	})(next)

	// exatamente no limiar ainda passa; só o excesso bloqueia
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 at threshold, got %d", w.Code)
	}
}

func TestGateMiddleware_LogOnlyMarksRequest(t *testing.T) {
	events := infra.NewMemoryEventStore(infra.EventStoreOptions{})
	seedBlacklist(t, events, "10.0.0.1", 6)

	var marked bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		marked = WouldBlock(r)
		w.WriteHeader(http.StatusOK)
	})

	h := GateMiddleware(GateOptions{
		Policy:  application.BlacklistThresholdPolicy{Events: events, Max: 5},
		LogOnly: func() bool { return true },
	})(next)

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected log-only request to pass, got %d", w.Code)
	}
	if !marked {
		t.Fatalf("expected would-block marker on log-only request")
	}

	// cliente limpo não ganha o marcador
	r2 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r2.RemoteAddr = "10.0.0.2:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if marked {
		t.Fatalf("expected no marker for clean client")
	}
}

func TestGateService_PolicyErrorDoesNotBlock(t *testing.T) {
	svc := application.GateService{
		Policy: application.BlacklistThresholdPolicy{Events: nil, Max: 0},
	}

	dec := svc.Decide(context.Background(), "10.0.0.1")
	if dec.Block || dec.WouldBlock {
		t.Fatalf("expected unavailable aggregate to never block, got %+v", dec)
	}
}
