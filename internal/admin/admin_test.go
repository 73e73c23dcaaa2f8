package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"
)

func newTestHandler(t *testing.T) (*Handler, *infra.MemoryEventStore, *infra.RateSmoother) {
	t.Helper()
	events := infra.NewMemoryEventStore(infra.EventStoreOptions{})
	smoother := infra.NewRateSmoother(infra.SmootherOptions{
		Window:     10 * time.Second,
		BucketSize: time.Second,
		Steps:      []domain.DelayStep{{ExceedsCount: 100, Delay: time.Millisecond}},
	})
	return NewHandler(events, smoother, zerolog.Nop()), events, smoother
}

func seed(t *testing.T, events domain.EventStore, key, source string, out domain.Outcome, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := events.Store(context.Background(), domain.Event{ClientKey: key, Source: source, Outcome: out}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestHandler_Health(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandler_Counters(t *testing.T) {
	h, events, _ := newTestHandler(t)
	seed(t, events, "10.0.0.1", "method", domain.OutcomeBlacklist, 3)
	seed(t, events, "10.0.0.1", "agent", domain.OutcomeUnmatched, 2)

	r := httptest.NewRequest(http.MethodGet, "/clients/10.0.0.1/counters", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		ClientKey string           `json:"client_key"`
		Blacklist int64            `json:"blacklist"`
		Unmatched int64            `json:"unmatched"`
		BySource  map[string]int64 `json:"by_source"`
		ByOutcome map[string]int64 `json:"by_outcome"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ClientKey != "10.0.0.1" || resp.Blacklist != 3 || resp.Unmatched != 2 {
		t.Fatalf("unexpected counters: %+v", resp)
	}
	if resp.BySource["method"] != 3 || resp.BySource["agent"] != 2 {
		t.Fatalf("unexpected by_source: %+v", resp.BySource)
	}
	if resp.ByOutcome["blacklist"] != 3 || resp.ByOutcome["unmatched"] != 2 {
		t.Fatalf("unexpected by_outcome: %+v", resp.ByOutcome)
	}
}

func TestHandler_SmootherSnapshot(t *testing.T) {
	h, _, smoother := newTestHandler(t)
	smoother.Delay("10.0.0.1")

	r := httptest.NewRequest(http.MethodGet, "/clients/10.0.0.1/smoother", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var snap infra.SmootherSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ClientKey != "10.0.0.1" || snap.Total != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// cliente sem estado devolve 404
	r2 := httptest.NewRequest(http.MethodGet, "/clients/ghost/smoother", nil)
	w2 := httptest.NewRecorder()
	h.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", w2.Code)
	}
}

func TestHandler_RemoveClient(t *testing.T) {
	h, events, _ := newTestHandler(t)
	seed(t, events, "10.0.0.1", "method", domain.OutcomeBlacklist, 2)
	seed(t, events, "10.0.0.1", "agent", domain.OutcomeBlacklist, 1)

	// remoção com filtro de fonte preserva o resto
	r := httptest.NewRequest(http.MethodDelete, "/clients/10.0.0.1?source=method", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if n, _ := events.BlacklistCount(context.Background(), "10.0.0.1"); n != 1 {
		t.Fatalf("expected only method events removed, got %d", n)
	}

	// sem filtro remove tudo do cliente
	r2 := httptest.NewRequest(http.MethodDelete, "/clients/10.0.0.1", nil)
	w2 := httptest.NewRecorder()
	h.Router().ServeHTTP(w2, r2)
	if w2.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w2.Code)
	}
	if n, _ := events.BlacklistCount(context.Background(), "10.0.0.1"); n != 0 {
		t.Fatalf("expected client wiped, got %d", n)
	}
}

func TestHandler_Clear(t *testing.T) {
	h, events, _ := newTestHandler(t)
	seed(t, events, "a", "method", domain.OutcomeBlacklist, 1)
	seed(t, events, "b", "method", domain.OutcomeUnmatched, 1)

	r := httptest.NewRequest(http.MethodPost, "/clear", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if events.Clients() != 0 {
		t.Fatalf("expected empty store after clear, got %d clients", events.Clients())
	}
}
