package infra

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// OverflowPolicy define a reação do MemoryEventStore ao estourar o orçamento
// de memória.
type OverflowPolicy int

const (
	// OverflowDropNew descarta novas gravações enquanto o orçamento estiver
	// estourado; os dados existentes ficam intactos e as gravações voltam a
	// ser aceitas assim que a base encolher.
	OverflowDropNew OverflowPolicy = iota
	// OverflowEvictOldest remove os buckets de cliente menos recentemente
	// acessados até atingir a fração alvo do orçamento.
	OverflowEvictOldest
	// OverflowClearAll existe por compatibilidade de configuração, mas durante
	// gravações é tratado como OverflowEvictOldest: perder a base inteira por
	// pressão orgânica de escrita é um modo de falha pior do que eviction
	// temporariamente desatualizada. O wipe completo só acontece pelo Clear()
	// explícito.
	OverflowClearAll
)

// Custos aproximados usados na estimativa de memória. São heurísticos e servem
// só para disparar o trim; não há pretensão de contabilidade exata.
const (
	bucketOverheadBytes = 96
	entryOverheadBytes  = 48
)

// EventStoreOptions parametriza o MemoryEventStore. O snapshot é publicado
// atomicamente e relido a cada operação, então SetOptions vale já para a
// próxima gravação.
type EventStoreOptions struct {
	// MaxBytes é o orçamento de memória estimado; 0 = sem limite.
	MaxBytes int64
	// Overflow escolhe a política quando o orçamento estoura.
	Overflow OverflowPolicy

	// TrimTargetRatio é a fração de MaxBytes alvo após um trim (padrão 0.8).
	TrimTargetRatio float64
	// TrimCooldown é o intervalo mínimo entre trims (padrão 5s), para que
	// overflow sustentado não degrade toda gravação com um trim.
	TrimCooldown time.Duration
	// TrimMaxCandidates limita quantos buckets um trim examina (padrão 1024).
	TrimMaxCandidates int
	// TrimMaxEvictions limita quantos buckets um trim remove (padrão 256).
	TrimMaxEvictions int

	// IdleTTL descarta buckets sem acesso há mais que isso; 0 desliga o sweep.
	IdleTTL time.Duration
	// SweepEvery dispara o sweep de ociosos a cada N gravações (padrão 4096).
	SweepEvery uint64
}

// sanitized aplica os padrões e grampeia valores fora de faixa; configuração
// ruim vira default seguro, nunca erro no caminho da requisição.
func (o EventStoreOptions) sanitized() EventStoreOptions {
	if o.MaxBytes < 0 {
		o.MaxBytes = 0
	}
	if o.Overflow < OverflowDropNew || o.Overflow > OverflowClearAll {
		o.Overflow = OverflowDropNew
	}
	if o.TrimTargetRatio <= 0 || o.TrimTargetRatio > 1 {
		o.TrimTargetRatio = 0.8
	}
	if o.TrimCooldown < 0 {
		o.TrimCooldown = 0
	}
	if o.TrimCooldown == 0 {
		o.TrimCooldown = 5 * time.Second
	}
	if o.TrimMaxCandidates <= 0 {
		o.TrimMaxCandidates = 1024
	}
	if o.TrimMaxEvictions <= 0 {
		o.TrimMaxEvictions = 256
	}
	if o.IdleTTL < 0 {
		o.IdleTTL = 0
	}
	if o.SweepEvery == 0 {
		o.SweepEvery = 4096
	}
	return o
}

// clientBucket é o agregado de um cliente. Mutações são serializadas pelo mutex
// do próprio bucket; clientes distintos nunca disputam o mesmo lock.
type clientBucket struct {
	mu   sync.Mutex
	dead bool // true após remoção do mapa; quem pegou o ponteiro antes recomeça

	key       string
	counts    map[domain.SourceOutcome]int64
	blacklist int64 // rollup: soma das entradas com OutcomeBlacklist
	unmatched int64 // rollup: soma das entradas com OutcomeUnmatched
	bytes     int64 // estimativa do bucket, mantida incrementalmente

	lastAccess atomic.Int64 // unixnano do último acesso (leitura ou escrita)
}

// MemoryEventStore é o agregado concorrente de resultados de filtragem.
//
// Disciplina de concorrência:
//   - gate em modo compartilhado para toda operação normal e exclusivo apenas
//     no Clear(), que assim é atômico em relação a tudo
//   - sync.Map como mapa de partição, com LoadOrStore para a corrida da
//     "primeira requisição de um cliente novo"
//   - mutex por bucket para as mutações daquele cliente
//   - total de bytes em atomic, nunca recomputado por varredura completa
type MemoryEventStore struct {
	gate    sync.RWMutex
	buckets sync.Map // clientKey -> *clientBucket

	opts       atomic.Pointer[EventStoreOptions]
	totalBytes atomic.Int64
	clients    atomic.Int64

	writeSeq atomic.Uint64 // dispara o sweep oportunista a cada N gravações
	lastTrim atomic.Int64  // unixnano do último trim (cooldown)

	clock       func() time.Time
	onTrimStall func(overBytes int64)
}

// MemoryEventStoreOption configura o MemoryEventStore na construção.
type MemoryEventStoreOption func(*MemoryEventStore)

// WithEventStoreClock troca a fonte de tempo (testes).
func WithEventStoreClock(clock func() time.Time) MemoryEventStoreOption {
	return func(s *MemoryEventStore) { s.clock = clock }
}

// WithTrimStallHook registra o aviso disparado quando um trim não consegue
// liberar nada sob pressão sustentada. Sinal de observabilidade, não erro.
func WithTrimStallHook(fn func(overBytes int64)) MemoryEventStoreOption {
	return func(s *MemoryEventStore) { s.onTrimStall = fn }
}

func NewMemoryEventStore(opts EventStoreOptions, o ...MemoryEventStoreOption) *MemoryEventStore {
	s := &MemoryEventStore{clock: time.Now}
	sane := opts.sanitized()
	s.opts.Store(&sane)
	for _, opt := range o {
		opt(s)
	}
	return s
}

// SetOptions publica um novo snapshot de opções; vale para a próxima operação.
func (s *MemoryEventStore) SetOptions(opts EventStoreOptions) {
	sane := opts.sanitized()
	s.opts.Store(&sane)
}

// TotalBytes devolve a estimativa corrente de memória da base.
func (s *MemoryEventStore) TotalBytes() int64 { return s.totalBytes.Load() }

// Clients devolve o número de buckets vivos.
func (s *MemoryEventStore) Clients() int64 { return s.clients.Load() }

// Store implementa domain.EventStore.
func (s *MemoryEventStore) Store(_ context.Context, ev domain.Event) error {
	opts := s.opts.Load()
	now := s.clock()

	s.gate.RLock()
	defer s.gate.RUnlock()

	if opts.MaxBytes > 0 && s.totalBytes.Load() > opts.MaxBytes {
		if opts.Overflow == OverflowDropNew {
			return nil
		}
		// OverflowEvictOldest e OverflowClearAll: trim best-effort e segue.
		s.maybeTrim(*opts, now)
	}

	for {
		b := s.bucket(ev.ClientKey)
		b.mu.Lock()
		if b.dead {
			// perdeu a corrida para uma remoção; recomeça pelo mapa
			b.mu.Unlock()
			continue
		}
		b.lastAccess.Store(now.UnixNano())

		so := domain.SourceOutcome{Source: ev.Source, Outcome: ev.Outcome}
		if _, ok := b.counts[so]; !ok {
			added := int64(entryOverheadBytes + len(ev.Source))
			b.bytes += added
			s.totalBytes.Add(added)
		}
		b.counts[so]++
		switch ev.Outcome {
		case domain.OutcomeBlacklist:
			b.blacklist++
		case domain.OutcomeUnmatched:
			b.unmatched++
		}
		b.mu.Unlock()
		break
	}

	if opts.IdleTTL > 0 && s.writeSeq.Add(1)%opts.SweepEvery == 0 {
		s.sweepIdle(now, opts.IdleTTL)
	}
	return nil
}

// bucket devolve o bucket do cliente, criando-o com insert-if-absent atômico.
// Sob corrida, só o vencedor do LoadOrStore contabiliza os bytes do bucket.
func (s *MemoryEventStore) bucket(key string) *clientBucket {
	if v, ok := s.buckets.Load(key); ok {
		return v.(*clientBucket)
	}
	nb := &clientBucket{
		key:    key,
		counts: make(map[domain.SourceOutcome]int64),
		bytes:  int64(bucketOverheadBytes + len(key)),
	}
	v, loaded := s.buckets.LoadOrStore(key, nb)
	if !loaded {
		s.totalBytes.Add(nb.bytes)
		s.clients.Add(1)
	}
	return v.(*clientBucket)
}

// BlacklistCount implementa domain.EventStore.
func (s *MemoryEventStore) BlacklistCount(_ context.Context, clientKey string) (int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	b, ok := s.lookup(clientKey)
	if !ok {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blacklist, nil
}

// UnmatchedCount implementa domain.EventStore.
func (s *MemoryEventStore) UnmatchedCount(_ context.Context, clientKey string) (int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	b, ok := s.lookup(clientKey)
	if !ok {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unmatched, nil
}

// BySourceAndOutcome implementa domain.EventStore.
func (s *MemoryEventStore) BySourceAndOutcome(_ context.Context, clientKey string) (map[domain.SourceOutcome]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	out := make(map[domain.SourceOutcome]int64)
	b, ok := s.lookup(clientKey)
	if !ok {
		return out, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for so, n := range b.counts {
		out[so] = n
	}
	return out, nil
}

// BySource implementa domain.EventStore.
func (s *MemoryEventStore) BySource(_ context.Context, clientKey string) (map[string]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	out := make(map[string]int64)
	b, ok := s.lookup(clientKey)
	if !ok {
		return out, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for so, n := range b.counts {
		out[so.Source] += n
	}
	return out, nil
}

// ByOutcome implementa domain.EventStore.
func (s *MemoryEventStore) ByOutcome(_ context.Context, clientKey string) (map[domain.Outcome]int64, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	out := make(map[domain.Outcome]int64)
	b, ok := s.lookup(clientKey)
	if !ok {
		return out, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for so, n := range b.counts {
		out[so.Outcome] += n
	}
	return out, nil
}

// lookup acha o bucket vivo do cliente e toca o lastAccess.
func (s *MemoryEventStore) lookup(clientKey string) (*clientBucket, bool) {
	v, ok := s.buckets.Load(clientKey)
	if !ok {
		return nil, false
	}
	b := v.(*clientBucket)
	b.lastAccess.Store(s.clock().UnixNano())
	return b, true
}

// Remove implementa domain.EventStore.
func (s *MemoryEventStore) Remove(_ context.Context, clientKey string, filter domain.RemoveFilter) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	v, ok := s.buckets.Load(clientKey)
	if !ok {
		return nil
	}
	b := v.(*clientBucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return nil
	}

	var freed int64
	for so, n := range b.counts {
		if !filter.Matches(so) {
			continue
		}
		delete(b.counts, so)
		freed += int64(entryOverheadBytes + len(so.Source))
		switch so.Outcome {
		case domain.OutcomeBlacklist:
			b.blacklist -= n
		case domain.OutcomeUnmatched:
			b.unmatched -= n
		}
	}
	// contadores nunca ficam negativos
	if b.blacklist < 0 {
		b.blacklist = 0
	}
	if b.unmatched < 0 {
		b.unmatched = 0
	}

	if len(b.counts) == 0 {
		b.dead = true
		s.buckets.Delete(b.key)
		s.totalBytes.Add(-b.bytes)
		s.clients.Add(-1)
		b.bytes = 0
		return nil
	}

	b.bytes -= freed
	s.totalBytes.Add(-freed)
	return nil
}

// Clear implementa domain.EventStore. Segura o gate em modo exclusivo, então
// nenhuma outra operação observa a base pela metade.
func (s *MemoryEventStore) Clear(_ context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.buckets.Range(func(k, v any) bool {
		b := v.(*clientBucket)
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
		s.buckets.Delete(k)
		return true
	})
	s.totalBytes.Store(0)
	s.clients.Store(0)
	return nil
}

// maybeTrim roda um passe de eviction LRU limitado, respeitando o cooldown.
// Chamado com o gate compartilhado; concorre com gravações normalmente.
func (s *MemoryEventStore) maybeTrim(opts EventStoreOptions, now time.Time) {
	last := s.lastTrim.Load()
	if now.UnixNano()-last < int64(opts.TrimCooldown) {
		return
	}
	if !s.lastTrim.CompareAndSwap(last, now.UnixNano()) {
		// outra goroutine assumiu este trim
		return
	}

	target := int64(float64(opts.MaxBytes) * opts.TrimTargetRatio)

	type candidate struct {
		b    *clientBucket
		seen int64
	}
	cands := make([]candidate, 0, 64)
	s.buckets.Range(func(_, v any) bool {
		b := v.(*clientBucket)
		cands = append(cands, candidate{b: b, seen: b.lastAccess.Load()})
		return len(cands) < opts.TrimMaxCandidates
	})
	sort.Slice(cands, func(i, j int) bool { return cands[i].seen < cands[j].seen })

	evicted := 0
	for _, c := range cands {
		if s.totalBytes.Load() <= target || evicted >= opts.TrimMaxEvictions {
			break
		}
		if s.dropBucket(c.b) {
			evicted++
		}
	}

	if evicted == 0 && s.totalBytes.Load() > opts.MaxBytes && s.onTrimStall != nil {
		s.onTrimStall(s.totalBytes.Load() - opts.MaxBytes)
	}
}

// sweepIdle remove buckets sem acesso há mais que ttl. Disparado a cada N
// gravações; não há scheduler dedicado.
func (s *MemoryEventStore) sweepIdle(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl).UnixNano()
	s.buckets.Range(func(_, v any) bool {
		b := v.(*clientBucket)
		if b.lastAccess.Load() < cutoff {
			s.dropBucket(b)
		}
		return true
	})
}

// dropBucket marca o bucket como morto e devolve seus bytes ao total.
// Idempotente sob corrida: só o primeiro chamador contabiliza.
func (s *MemoryEventStore) dropBucket(b *clientBucket) bool {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return false
	}
	b.dead = true
	freed := b.bytes
	b.bytes = 0
	b.mu.Unlock()

	s.buckets.Delete(b.key)
	s.totalBytes.Add(-freed)
	s.clients.Add(-1)
	return true
}

var _ domain.EventStore = (*MemoryEventStore)(nil)
