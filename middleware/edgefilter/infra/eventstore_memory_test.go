package infra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// fakeClock é uma fonte de tempo controlável para os testes de janela/LRU.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func storeEv(t *testing.T, s domain.EventStore, key, source string, out domain.Outcome) {
	t.Helper()
	if err := s.Store(context.Background(), domain.Event{ClientKey: key, Source: source, Outcome: out}); err != nil {
		t.Fatalf("store: %v", err)
	}
}

func TestMemoryEventStore_CountersAndRollups(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{})
	ctx := context.Background()

	storeEv(t, s, "10.0.0.1", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "10.0.0.1", "method", domain.OutcomeBlacklist)
	storeEv(t, s, "10.0.0.1", "agent", domain.OutcomeBlacklist)
	storeEv(t, s, "10.0.0.1", "agent", domain.OutcomeUnmatched)
	storeEv(t, s, "10.0.0.2", "agent", domain.OutcomeUnmatched)

	if n, _ := s.BlacklistCount(ctx, "10.0.0.1"); n != 3 {
		t.Fatalf("expected blacklist rollup 3, got %d", n)
	}
	if n, _ := s.UnmatchedCount(ctx, "10.0.0.1"); n != 1 {
		t.Fatalf("expected unmatched rollup 1, got %d", n)
	}

	bySource, _ := s.BySource(ctx, "10.0.0.1")
	if bySource["method"] != 2 || bySource["agent"] != 2 {
		t.Fatalf("unexpected by-source aggregation: %v", bySource)
	}

	byOutcome, _ := s.ByOutcome(ctx, "10.0.0.1")
	if byOutcome[domain.OutcomeBlacklist] != 3 || byOutcome[domain.OutcomeUnmatched] != 1 {
		t.Fatalf("unexpected by-outcome aggregation: %v", byOutcome)
	}

	// rollup sempre igual à soma das entradas correspondentes
	perEntry, _ := s.BySourceAndOutcome(ctx, "10.0.0.1")
	var blacklistSum int64
	for so, n := range perEntry {
		if so.Outcome == domain.OutcomeBlacklist {
			blacklistSum += n
		}
	}
	rollup, _ := s.BlacklistCount(ctx, "10.0.0.1")
	if blacklistSum != rollup {
		t.Fatalf("rollup %d diverges from entry sum %d", rollup, blacklistSum)
	}

	// cliente desconhecido é zero/vazio, nunca erro
	if n, err := s.BlacklistCount(ctx, "1.2.3.4"); err != nil || n != 0 {
		t.Fatalf("expected 0 for unknown client, got %d err %v", n, err)
	}
}

func TestMemoryEventStore_CounterConservation(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{})
	ctx := context.Background()

	const stores = 40
	for i := 0; i < stores; i++ {
		out := domain.OutcomeBlacklist
		if i%2 == 0 {
			out = domain.OutcomeUnmatched
		}
		storeEv(t, s, "c", "src", out)
	}

	byOutcome, _ := s.ByOutcome(ctx, "c")
	var total int64
	for _, n := range byOutcome {
		total += n
	}
	if total != stores {
		t.Fatalf("expected outcome sum %d, got %d", stores, total)
	}

	// remoção por outcome desconta exatamente o removido
	bl := domain.OutcomeBlacklist
	if err := s.Remove(ctx, "c", domain.RemoveFilter{Outcome: &bl}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, _ := s.BlacklistCount(ctx, "c"); n != 0 {
		t.Fatalf("expected blacklist 0 after removal, got %d", n)
	}
	if n, _ := s.UnmatchedCount(ctx, "c"); n != stores/2 {
		t.Fatalf("expected unmatched untouched (%d), got %d", stores/2, n)
	}
}

func TestMemoryEventStore_RemoveBySourceDropsEmptyBucket(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{})
	ctx := context.Background()

	storeEv(t, s, "c", "only", domain.OutcomeUnmatched)
	if s.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", s.Clients())
	}

	if err := s.Remove(ctx, "c", domain.RemoveFilter{Source: "only"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Clients() != 0 {
		t.Fatalf("expected bucket gone when empty, got %d clients", s.Clients())
	}
	if s.TotalBytes() != 0 {
		t.Fatalf("expected 0 bytes after bucket removal, got %d", s.TotalBytes())
	}

	// remover cliente inexistente é no-op
	if err := s.Remove(ctx, "ghost", domain.RemoveFilter{}); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
}

func TestMemoryEventStore_SizeEstimateIsIncremental(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{})

	storeEv(t, s, "ab", "xyz", domain.OutcomeUnmatched)
	want := int64(bucketOverheadBytes+2) + int64(entryOverheadBytes+3)
	if got := s.TotalBytes(); got != want {
		t.Fatalf("expected %d bytes after first event, got %d", want, got)
	}

	// segundo evento na mesma entrada não muda a estimativa
	storeEv(t, s, "ab", "xyz", domain.OutcomeUnmatched)
	if got := s.TotalBytes(); got != want {
		t.Fatalf("expected estimate unchanged on increment, got %d", got)
	}

	// entrada nova soma só o custo da entrada
	storeEv(t, s, "ab", "w", domain.OutcomeBlacklist)
	want += int64(entryOverheadBytes + 1)
	if got := s.TotalBytes(); got != want {
		t.Fatalf("expected %d bytes after new entry, got %d", want, got)
	}
}

func TestMemoryEventStore_ClearIsAtomicUnderConcurrentStores(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := string(rune('a' + g))
			for i := 0; i < 200; i++ {
				_ = s.Store(ctx, domain.Event{ClientKey: key, Source: "src", Outcome: domain.OutcomeBlacklist})
			}
		}(g)
	}

	// corre com os writers no meio do caminho
	_ = s.Clear(ctx)
	wg.Wait()

	// depois do Clear final nada pode sobrar, nem contagem nem bytes
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for g := 0; g < 8; g++ {
		key := string(rune('a' + g))
		if n, _ := s.BlacklistCount(ctx, key); n != 0 {
			t.Fatalf("expected empty store after clear, key %q has %d", key, n)
		}
	}
	if s.TotalBytes() != 0 || s.Clients() != 0 {
		t.Fatalf("expected zeroed accounting after clear, bytes=%d clients=%d", s.TotalBytes(), s.Clients())
	}
}

func TestMemoryEventStore_DropNewWhileOverBudget(t *testing.T) {
	s := NewMemoryEventStore(EventStoreOptions{MaxBytes: 100, Overflow: OverflowDropNew})
	ctx := context.Background()

	// primeiro evento entra (base ainda vazia) e estoura o orçamento
	storeEv(t, s, "c1", "s", domain.OutcomeBlacklist)
	if s.TotalBytes() <= 100 {
		t.Fatalf("test setup: expected first bucket to exceed budget, got %d", s.TotalBytes())
	}

	// acima do orçamento: gravações viram no-op, dados existentes intactos
	storeEv(t, s, "c2", "s", domain.OutcomeBlacklist)
	if n, _ := s.BlacklistCount(ctx, "c2"); n != 0 {
		t.Fatalf("expected drop-new to discard event, got %d", n)
	}
	if n, _ := s.BlacklistCount(ctx, "c1"); n != 1 {
		t.Fatalf("expected existing data untouched, got %d", n)
	}

	// liberou espaço: volta a aceitar
	if err := s.Remove(ctx, "c1", domain.RemoveFilter{}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	storeEv(t, s, "c2", "s", domain.OutcomeBlacklist)
	if n, _ := s.BlacklistCount(ctx, "c2"); n != 1 {
		t.Fatalf("expected store to resume under budget, got %d", n)
	}
}

func TestMemoryEventStore_EvictionRespectsLRU(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryEventStore(EventStoreOptions{
		MaxBytes:        400,
		Overflow:        OverflowEvictOldest,
		TrimTargetRatio: 0.5,
	}, WithEventStoreClock(clock.Now))
	ctx := context.Background()

	// cinco clientes com last-access distintos e crescentes
	keys := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, k := range keys {
		storeEv(t, s, k, "s", domain.OutcomeBlacklist)
		clock.Advance(time.Second)
	}
	// cada bucket: 96+2 + 48+1 = 147 bytes; total 735, orçamento 400, alvo 200

	// a próxima gravação dispara o trim: evicta c1..c4, preserva o mais recente
	storeEv(t, s, "fresh", "s", domain.OutcomeBlacklist)

	for _, k := range []string{"c1", "c2", "c3", "c4"} {
		if n, _ := s.BlacklistCount(ctx, k); n != 0 {
			t.Fatalf("expected %s evicted, still has %d", k, n)
		}
	}
	if n, _ := s.BlacklistCount(ctx, "c5"); n != 1 {
		t.Fatalf("expected most recent bucket to survive eviction")
	}
	if n, _ := s.BlacklistCount(ctx, "fresh"); n != 1 {
		t.Fatalf("expected triggering write to land")
	}
}

func TestMemoryEventStore_TrimCooldownLimitsFrequency(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryEventStore(EventStoreOptions{
		MaxBytes:        150,
		Overflow:        OverflowEvictOldest,
		TrimTargetRatio: 0.99, // alvo 148: um trim evicta só o bucket mais antigo
		TrimCooldown:    time.Hour,
	}, WithEventStoreClock(clock.Now))
	ctx := context.Background()

	storeEv(t, s, "old", "s", domain.OutcomeBlacklist) // 147 bytes, dentro do orçamento
	clock.Advance(time.Second)
	storeEv(t, s, "mid", "s", domain.OutcomeBlacklist) // 294 no total, ainda sem trigger
	clock.Advance(time.Second)

	// primeira gravação acima do orçamento: trim roda e evicta só "old"
	storeEv(t, s, "new", "s", domain.OutcomeBlacklist)
	if n, _ := s.BlacklistCount(ctx, "old"); n != 0 {
		t.Fatalf("expected first trim to evict oldest bucket")
	}
	if n, _ := s.BlacklistCount(ctx, "mid"); n != 1 {
		t.Fatalf("expected first trim to stop at target ratio")
	}
	clock.Advance(time.Second)

	// ainda acima do orçamento, mas dentro do cooldown: gravação segue sem trim
	storeEv(t, s, "late", "s", domain.OutcomeBlacklist)
	if n, _ := s.BlacklistCount(ctx, "late"); n != 1 {
		t.Fatalf("expected write to proceed during cooldown")
	}
	if n, _ := s.BlacklistCount(ctx, "mid"); n != 1 {
		t.Fatalf("expected no second trim during cooldown, mid was evicted")
	}
}

func TestMemoryEventStore_ClearAllPolicyNeverWipesOnWrite(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryEventStore(EventStoreOptions{
		MaxBytes:        300,
		Overflow:        OverflowClearAll,
		TrimTargetRatio: 0.6, // alvo 180: sai "victim" (151) e o resto fica
	}, WithEventStoreClock(clock.Now))
	ctx := context.Background()

	storeEv(t, s, "victim", "s", domain.OutcomeBlacklist)
	clock.Advance(time.Second)
	storeEv(t, s, "recent", "s", domain.OutcomeBlacklist)
	clock.Advance(time.Second)

	// overflow com política clear-all se comporta como eviction: o bucket mais
	// recente sobrevive, nunca há wipe total por pressão de escrita
	storeEv(t, s, "trigger", "s", domain.OutcomeBlacklist)
	if n, _ := s.BlacklistCount(ctx, "victim"); n != 0 {
		t.Fatalf("expected oldest bucket evicted")
	}
	if n, _ := s.BlacklistCount(ctx, "recent"); n != 1 {
		t.Fatalf("expected clear-all overflow to evict, not wipe everything")
	}
	if n, _ := s.BlacklistCount(ctx, "trigger"); n != 1 {
		t.Fatalf("expected triggering write to land")
	}
}

func TestMemoryEventStore_TrimStallHookFires(t *testing.T) {
	var stalled atomic.Int64
	clock := newFakeClock()
	s := NewMemoryEventStore(EventStoreOptions{
		MaxBytes: 100,
		Overflow: OverflowEvictOldest,
	},
		WithEventStoreClock(clock.Now),
		WithTrimStallHook(func(over int64) { stalled.Store(over) }),
	)

	// contabilidade acima do orçamento sem nenhum bucket elegível: o trim não
	// consegue liberar nada e o gancho reporta o excesso
	s.totalBytes.Add(250)
	storeEv(t, s, "a", "s", domain.OutcomeBlacklist)
	if got := stalled.Load(); got != 150 {
		t.Fatalf("expected stall hook with over=150, got %d", got)
	}
}

func TestMemoryEventStore_IdleSweepEvictsStaleBuckets(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryEventStore(EventStoreOptions{
		IdleTTL:    time.Minute,
		SweepEvery: 1, // cada gravação varre
	}, WithEventStoreClock(clock.Now))
	ctx := context.Background()

	storeEv(t, s, "stale", "s", domain.OutcomeBlacklist)
	clock.Advance(2 * time.Minute)
	storeEv(t, s, "live", "s", domain.OutcomeBlacklist)

	if n, _ := s.BlacklistCount(ctx, "stale"); n != 0 {
		t.Fatalf("expected stale bucket swept, got %d", n)
	}
	if n, _ := s.BlacklistCount(ctx, "live"); n != 1 {
		t.Fatalf("expected live bucket kept")
	}
}

func TestMemoryEventStore_OptionsAreClamped(t *testing.T) {
	opts := EventStoreOptions{
		MaxBytes:        -1,
		TrimTargetRatio: 7,
		TrimCooldown:    -time.Second,
		IdleTTL:         -time.Minute,
	}.sanitized()

	if opts.MaxBytes != 0 {
		t.Fatalf("expected negative budget clamped to 0, got %d", opts.MaxBytes)
	}
	if opts.TrimTargetRatio != 0.8 {
		t.Fatalf("expected ratio clamped to default, got %f", opts.TrimTargetRatio)
	}
	if opts.TrimCooldown <= 0 {
		t.Fatalf("expected cooldown clamped to default, got %s", opts.TrimCooldown)
	}
	if opts.IdleTTL != 0 {
		t.Fatalf("expected negative ttl clamped to 0, got %s", opts.IdleTTL)
	}
}
