package infra

import (
	"sync"
	"sync/atomic"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// AnonymousPolicy decide o que fazer com requisições sem chave de cliente.
type AnonymousPolicy int

const (
	// AnonymousBypass nunca suaviza tráfego sem chave.
	AnonymousBypass AnonymousPolicy = iota
	// AnonymousShared dobra todo o tráfego sem chave em um único bucket
	// sintético compartilhado.
	AnonymousShared
)

// sharedAnonymousKey nunca colide com uma chave real: chaves reais vêm de
// IP/header normalizados e não começam com '!'.
const sharedAnonymousKey = "!anonymous"

// SmootherOptions parametriza o RateSmoother.
type SmootherOptions struct {
	// Window é a janela deslizante nominal (padrão 60s). A janela efetiva é
	// bucketCount * BucketSize, com bucketCount = ceil(Window/BucketSize).
	Window time.Duration
	// BucketSize é a resolução do anel (padrão 1s).
	BucketSize time.Duration
	// Steps é a tabela ascendente (excedeu-total -> atraso).
	Steps []domain.DelayStep
	// Hold é o tempo mínimo em um nível depois de subir (padrão 30s).
	Hold time.Duration
	// StepDownEvery é a cadência mínima entre descidas de nível (padrão 10s).
	StepDownEvery time.Duration
	// HysteresisRatio é a fração do limiar de subida a que o total precisa
	// cair antes de uma descida; precisa ficar em (0,1] (padrão 0.8).
	HysteresisRatio float64
	// MaxDelay grampeia o atraso resolvido; 0 = sem teto.
	MaxDelay time.Duration
	// Anonymous decide o tratamento de requisições sem chave.
	Anonymous AnonymousPolicy
	// IdleTTL descarta estados sem tráfego há mais que isso (padrão 10min).
	IdleTTL time.Duration
	// SweepEvery dispara a limpeza a cada N requisições (padrão 1024).
	SweepEvery uint64
}

// smootherOptions é o snapshot saneado, com os derivados pré-computados.
type smootherOptions struct {
	SmootherOptions
	bucketCount     int
	effectiveWindow time.Duration
}

func (o SmootherOptions) sanitized() smootherOptions {
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.BucketSize <= 0 {
		o.BucketSize = time.Second
	}
	if o.BucketSize > o.Window {
		o.BucketSize = o.Window
	}
	if o.Hold < 0 {
		o.Hold = 0
	}
	if o.Hold == 0 {
		o.Hold = 30 * time.Second
	}
	if o.StepDownEvery <= 0 {
		o.StepDownEvery = 10 * time.Second
	}
	if o.HysteresisRatio <= 0 || o.HysteresisRatio > 1 {
		o.HysteresisRatio = 0.8
	}
	if o.MaxDelay < 0 {
		o.MaxDelay = 0
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 10 * time.Minute
	}
	if o.SweepEvery == 0 {
		o.SweepEvery = 1024
	}
	o.Steps = sortedSteps(o.Steps)

	count := int((o.Window + o.BucketSize - 1) / o.BucketSize)
	if count < 1 {
		count = 1
	}
	return smootherOptions{
		SmootherOptions: o,
		bucketCount:     count,
		effectiveWindow: time.Duration(count) * o.BucketSize,
	}
}

// SmootherHooks são os ganchos opcionais de observabilidade. Disparam com o
// lock do estado do cliente solto já resolvido; devem ser baratos.
type SmootherHooks struct {
	// OnFirstSeen dispara na primeira observação de uma chave (nível zero).
	OnFirstSeen func(clientKey string)
	// OnLevelChange dispara em toda transição de nível; atMax marca a entrada
	// no nível máximo da tabela.
	OnLevelChange func(clientKey string, from, to int, atMax bool)
}

// SmootherSnapshot é a fotografia aproximada do estado de uma chave.
// A taxa é derivada (total da janela / segundos da janela efetiva), não uma
// taxa instantânea real.
type SmootherSnapshot struct {
	ClientKey string        `json:"client_key"`
	Total     int64         `json:"total"`
	Level     int           `json:"level"`
	Rate      float64       `json:"rate"`
	Delay     time.Duration `json:"delay"`
}

// smoothState é o anel de buckets e o nível de histerese de um cliente.
type smoothState struct {
	mu   sync.Mutex
	dead bool

	buckets  []int64
	head     int
	headTime time.Time // início do bucket ativo
	total    int64     // invariante: soma dos buckets vivos

	level        int
	holdUntil    time.Time
	lastStepDown time.Time
	lastSeen     time.Time
}

// RateSmoother é o suavizador de taxa com histerese.
//
// A assimetria é o ponto central: subir de nível é imediato (proteção contra
// rajada), descer é deliberadamente pegajoso. Sem isso o próprio atraso
// injetado derruba a taxa medida, o que justificaria remover o atraso, o que
// devolve a taxa ao patamar original, e o sistema oscila.
type RateSmoother struct {
	opts   atomic.Pointer[smootherOptions]
	states sync.Map // clientKey -> *smoothState
	hooks  SmootherHooks
	seq    atomic.Uint64
	clock  func() time.Time
}

// RateSmootherOption configura o RateSmoother na construção.
type RateSmootherOption func(*RateSmoother)

// WithSmootherClock troca a fonte de tempo (testes).
func WithSmootherClock(clock func() time.Time) RateSmootherOption {
	return func(s *RateSmoother) { s.clock = clock }
}

// WithSmootherHooks registra os ganchos de observabilidade.
func WithSmootherHooks(h SmootherHooks) RateSmootherOption {
	return func(s *RateSmoother) { s.hooks = h }
}

func NewRateSmoother(opts SmootherOptions, o ...RateSmootherOption) *RateSmoother {
	s := &RateSmoother{clock: time.Now}
	sane := opts.sanitized()
	s.opts.Store(&sane)
	for _, opt := range o {
		opt(s)
	}
	return s
}

// SetOptions publica um novo snapshot de opções. Se a geometria do anel mudar,
// o estado de cada cliente é reiniciado na próxima observação.
func (s *RateSmoother) SetOptions(opts SmootherOptions) {
	sane := opts.sanitized()
	s.opts.Store(&sane)
}

// Delay implementa domain.Delayer: registra a requisição na janela deslizante
// do cliente, ajusta o nível e devolve o atraso do nível corrente.
func (s *RateSmoother) Delay(clientKey string) time.Duration {
	opts := s.opts.Load()
	now := s.clock()

	if clientKey == "" {
		if opts.Anonymous == AnonymousBypass {
			return 0
		}
		clientKey = sharedAnonymousKey
	}

	var (
		d         time.Duration
		firstSeen bool
		oldLevel  int
		newLevel  int
	)
	for {
		st, created := s.state(clientKey)
		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}
		firstSeen = created

		if len(st.buckets) != opts.bucketCount {
			st.reset(opts.bucketCount, now)
		}
		if st.level > len(opts.Steps) {
			// a tabela encolheu num reload; gruda no nível máximo novo
			st.level = len(opts.Steps)
		}
		st.advance(now, opts.BucketSize)
		st.buckets[st.head]++
		st.total++
		st.lastSeen = now

		oldLevel = st.level
		desired := domain.LevelFor(opts.Steps, st.total)
		switch {
		case desired > st.level:
			// sobe direto para o nível desejado e arma o período de retenção
			st.level = desired
			st.holdUntil = now.Add(opts.Hold)
			st.lastStepDown = now
		case desired < st.level:
			if s.mayStepDown(st, opts, now) {
				// descida sempre de um nível por vez, por mais baixo que o
				// total tenha ficado
				st.level--
				st.lastStepDown = now
			}
		}
		newLevel = st.level

		if st.level > 0 {
			d = opts.Steps[st.level-1].Delay
		} else {
			d = 0
		}
		if opts.MaxDelay > 0 && d > opts.MaxDelay {
			d = opts.MaxDelay
		}
		st.mu.Unlock()
		break
	}

	if firstSeen && s.hooks.OnFirstSeen != nil {
		s.hooks.OnFirstSeen(clientKey)
	}
	if newLevel != oldLevel && s.hooks.OnLevelChange != nil {
		s.hooks.OnLevelChange(clientKey, oldLevel, newLevel, newLevel == len(opts.Steps))
	}

	if s.seq.Add(1)%opts.SweepEvery == 0 {
		s.sweepIdle(now, opts.IdleTTL)
	}
	return d
}

// mayStepDown aplica as três condições da descida: retenção vencida, cadência
// de descida respeitada e total abaixo do limiar de subida ajustado pela
// histerese.
func (s *RateSmoother) mayStepDown(st *smoothState, opts *smootherOptions, now time.Time) bool {
	if now.Before(st.holdUntil) {
		return false
	}
	if now.Sub(st.lastStepDown) < opts.StepDownEvery {
		return false
	}
	up := opts.Steps[st.level-1].ExceedsCount
	limit := int64(float64(up) * opts.HysteresisRatio)
	return st.total <= limit
}

// Snapshot devolve a fotografia aproximada do estado de uma chave, sem contar
// uma requisição. Segundo retorno false quando a chave não tem estado vivo.
func (s *RateSmoother) Snapshot(clientKey string) (SmootherSnapshot, bool) {
	opts := s.opts.Load()
	if clientKey == "" && opts.Anonymous == AnonymousShared {
		clientKey = sharedAnonymousKey
	}
	v, ok := s.states.Load(clientKey)
	if !ok {
		return SmootherSnapshot{}, false
	}
	st := v.(*smoothState)
	now := s.clock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dead {
		return SmootherSnapshot{}, false
	}
	if len(st.buckets) == opts.bucketCount {
		st.advance(now, opts.BucketSize)
	}
	snap := SmootherSnapshot{
		ClientKey: clientKey,
		Total:     st.total,
		Level:     st.level,
		Rate:      float64(st.total) / opts.effectiveWindow.Seconds(),
	}
	if st.level > 0 && st.level <= len(opts.Steps) {
		snap.Delay = opts.Steps[st.level-1].Delay
		if opts.MaxDelay > 0 && snap.Delay > opts.MaxDelay {
			snap.Delay = opts.MaxDelay
		}
	}
	return snap, true
}

func (s *RateSmoother) state(key string) (*smoothState, bool) {
	if v, ok := s.states.Load(key); ok {
		return v.(*smoothState), false
	}
	v, loaded := s.states.LoadOrStore(key, &smoothState{})
	return v.(*smoothState), !loaded
}

func (s *RateSmoother) sweepIdle(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	s.states.Range(func(k, v any) bool {
		st := v.(*smoothState)
		st.mu.Lock()
		if !st.dead && st.lastSeen.Before(cutoff) {
			st.dead = true
			s.states.Delete(k)
		}
		st.mu.Unlock()
		return true
	})
}

// reset reconstrói o anel com a geometria corrente. O nível e os carimbos de
// histerese sobrevivem; só a contagem recomeça.
func (st *smoothState) reset(bucketCount int, now time.Time) {
	st.buckets = make([]int64, bucketCount)
	st.head = 0
	st.headTime = now
	st.total = 0
}

// advance gira o anel pelos buckets inteiros decorridos desde o último giro,
// descontando do total o que ficou para trás. Quando a janela inteira passou,
// zera tudo de uma vez em vez de girar bucket a bucket.
func (st *smoothState) advance(now time.Time, bucketSize time.Duration) {
	if st.headTime.IsZero() {
		st.headTime = now
		return
	}
	elapsed := now.Sub(st.headTime)
	if elapsed < bucketSize {
		return
	}
	steps := int(elapsed / bucketSize)
	if steps >= len(st.buckets) {
		clear(st.buckets)
		st.total = 0
		st.head = 0
		st.headTime = now
		return
	}
	for i := 0; i < steps; i++ {
		st.head = (st.head + 1) % len(st.buckets)
		st.total -= st.buckets[st.head]
		st.buckets[st.head] = 0
	}
	st.headTime = st.headTime.Add(time.Duration(steps) * bucketSize)
}

var _ domain.Delayer = (*RateSmoother)(nil)
