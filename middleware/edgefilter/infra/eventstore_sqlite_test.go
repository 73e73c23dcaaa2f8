package infra

import (
	"context"
	"path/filepath"
	"testing"

	"filtering-gateway/middleware/edgefilter/domain"
)

func openTestSQLite(t *testing.T) *SQLiteEventStore {
	t.Helper()
	s, err := OpenSQLiteEventStore(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteEventStore_StoreAndCount(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	storeEv(t, s, "10.0.0.1", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "10.0.0.1", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "10.0.0.1", "agent", domain.OutcomeUnmatched)
	storeEv(t, s, "10.0.0.2", "agent", domain.OutcomeBlacklist)

	if n, err := s.BlacklistCount(ctx, "10.0.0.1"); err != nil || n != 2 {
		t.Fatalf("expected blacklist 2, got %d err %v", n, err)
	}
	if n, err := s.UnmatchedCount(ctx, "10.0.0.1"); err != nil || n != 1 {
		t.Fatalf("expected unmatched 1, got %d err %v", n, err)
	}
	if n, _ := s.BlacklistCount(ctx, "10.0.0.2"); n != 1 {
		t.Fatalf("expected clients isolated, got %d", n)
	}
	if n, err := s.BlacklistCount(ctx, "ghost"); err != nil || n != 0 {
		t.Fatalf("expected 0 for unknown client, got %d err %v", n, err)
	}
}

func TestSQLiteEventStore_Aggregations(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	storeEv(t, s, "c", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "c", "method", domain.OutcomeUnmatched)
	storeEv(t, s, "c", "agent", domain.OutcomeBlacklist)
	storeEv(t, s, "c", "agent", domain.OutcomeBlacklist)

	perEntry, err := s.BySourceAndOutcome(ctx, "c")
	if err != nil {
		t.Fatalf("by source/outcome: %v", err)
	}
	if perEntry[domain.SourceOutcome{Source: "agent", Outcome: domain.OutcomeBlacklist}] != 2 {
		t.Fatalf("unexpected per-entry counts: %v", perEntry)
	}

	bySource, err := s.BySource(ctx, "c")
	if err != nil {
		t.Fatalf("by source: %v", err)
	}
	if bySource["method"] != 2 || bySource["agent"] != 2 {
		t.Fatalf("unexpected by-source aggregation: %v", bySource)
	}

	byOutcome, err := s.ByOutcome(ctx, "c")
	if err != nil {
		t.Fatalf("by outcome: %v", err)
	}
	if byOutcome[domain.OutcomeBlacklist] != 3 || byOutcome[domain.OutcomeUnmatched] != 1 {
		t.Fatalf("unexpected by-outcome aggregation: %v", byOutcome)
	}
}

func TestSQLiteEventStore_RemoveWithFilters(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	storeEv(t, s, "c", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "c", "method", domain.OutcomeUnmatched)
	storeEv(t, s, "c", "agent", domain.OutcomeBlacklist)

	// remoção por fonte e resultado tira só a entrada exata
	bl := domain.OutcomeBlacklist
	if err := s.Remove(ctx, "c", domain.RemoveFilter{Source: "method", Outcome: &bl}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, _ := s.UnmatchedCount(ctx, "c"); n != 1 {
		t.Fatalf("expected unmatched entry kept, got %d", n)
	}
	if n, _ := s.BlacklistCount(ctx, "c"); n != 1 {
		t.Fatalf("expected agent blacklist kept, got %d", n)
	}

	// filtro vazio remove o cliente inteiro
	if err := s.Remove(ctx, "c", domain.RemoveFilter{}); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	perEntry, _ := s.BySourceAndOutcome(ctx, "c")
	if len(perEntry) != 0 {
		t.Fatalf("expected client wiped, got %v", perEntry)
	}
}

func TestSQLiteEventStore_Clear(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	storeEv(t, s, "a", "s", domain.OutcomeBlacklist)
	storeEv(t, s, "b", "s", domain.OutcomeUnmatched)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		if n, _ := s.BlacklistCount(ctx, key); n != 0 {
			t.Fatalf("expected empty store after clear, %q has %d", key, n)
		}
		if n, _ := s.UnmatchedCount(ctx, key); n != 0 {
			t.Fatalf("expected empty store after clear, %q has %d", key, n)
		}
	}
}

func TestSQLiteEventStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := OpenSQLiteEventStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	storeEv(t, s, "c", "method", domain.OutcomeBlacklist)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLiteEventStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, _ := s.BlacklistCount(ctx, "c"); n != 1 {
		t.Fatalf("expected data to survive reopen, got %d", n)
	}
}
