package infra

import (
	"sync"
	"sync/atomic"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// ThrottleOptions parametriza o WindowThrottle.
type ThrottleOptions struct {
	// Window é a janela fixa de contagem (padrão 30s).
	Window time.Duration
	// Steps é a tabela ascendente (excedeu-contagem -> atraso).
	Steps []domain.DelayStep
	// MaxDelay grampeia o atraso resolvido; 0 = sem teto.
	MaxDelay time.Duration
	// IdleTTL descarta estados de cliente sem tráfego há mais que isso
	// (padrão 10min).
	IdleTTL time.Duration
	// SweepEvery dispara a limpeza a cada N requisições (padrão 1024).
	SweepEvery uint64
}

func (o ThrottleOptions) sanitized() ThrottleOptions {
	if o.Window <= 0 {
		o.Window = 30 * time.Second
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
	return o
}

// sortedSteps devolve uma cópia ascendente por ExceedsCount, descartando
// degraus com atraso negativo.
func sortedSteps(steps []domain.DelayStep) []domain.DelayStep {
	out := make([]domain.DelayStep, 0, len(steps))
	for _, s := range steps {
		if s.Delay < 0 || s.ExceedsCount < 0 {
			continue
		}
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ExceedsCount < out[j-1].ExceedsCount; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// throttleState é a janela corrente de um cliente.
type throttleState struct {
	mu   sync.Mutex
	dead bool

	windowStart time.Time
	count       int64
	lastSeen    time.Time
}

// WindowThrottle é o throttle de atraso escalonado por janela fixa.
//
// Sem histerese, de propósito: a contagem zera quando a janela vence e o
// atraso volta imediatamente ao degrau correspondente à contagem nova.
type WindowThrottle struct {
	opts   atomic.Pointer[ThrottleOptions]
	states sync.Map // clientKey -> *throttleState
	seq    atomic.Uint64
	clock  func() time.Time
}

// WindowThrottleOption configura o WindowThrottle na construção.
type WindowThrottleOption func(*WindowThrottle)

// WithThrottleClock troca a fonte de tempo (testes).
func WithThrottleClock(clock func() time.Time) WindowThrottleOption {
	return func(t *WindowThrottle) { t.clock = clock }
}

func NewWindowThrottle(opts ThrottleOptions, o ...WindowThrottleOption) *WindowThrottle {
	t := &WindowThrottle{clock: time.Now}
	sane := opts.sanitized()
	t.opts.Store(&sane)
	for _, opt := range o {
		opt(t)
	}
	return t
}

// SetOptions publica um novo snapshot de opções.
func (t *WindowThrottle) SetOptions(opts ThrottleOptions) {
	sane := opts.sanitized()
	t.opts.Store(&sane)
}

// Delay implementa domain.Delayer: conta a requisição na janela corrente do
// cliente e devolve o atraso do maior degrau excedido.
func (t *WindowThrottle) Delay(clientKey string) time.Duration {
	opts := t.opts.Load()
	now := t.clock()

	var d time.Duration
	for {
		st := t.state(clientKey)
		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}
		if st.windowStart.IsZero() || now.Sub(st.windowStart) >= opts.Window {
			st.windowStart = now
			st.count = 0
		}
		st.count++
		st.lastSeen = now
		d = domain.DelayFor(opts.Steps, st.count, opts.MaxDelay)
		st.mu.Unlock()
		break
	}

	if t.seq.Add(1)%opts.SweepEvery == 0 {
		t.sweepIdle(now, opts.IdleTTL)
	}
	return d
}

func (t *WindowThrottle) state(key string) *throttleState {
	if v, ok := t.states.Load(key); ok {
		return v.(*throttleState)
	}
	v, _ := t.states.LoadOrStore(key, &throttleState{})
	return v.(*throttleState)
}

func (t *WindowThrottle) sweepIdle(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	t.states.Range(func(k, v any) bool {
		st := v.(*throttleState)
		st.mu.Lock()
		if !st.dead && st.lastSeen.Before(cutoff) {
			st.dead = true
			t.states.Delete(k)
		}
		st.mu.Unlock()
		return true
	})
}

var _ domain.Delayer = (*WindowThrottle)(nil)
