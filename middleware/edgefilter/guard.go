package edgefilter

import (
	"net/http"
	"time"

	"filtering-gateway/middleware/edgefilter/application"
	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"

	"github.com/rs/zerolog"
)

// BurstGuardOptions liga o guarda de rajada: um token-bucket por cliente que
// rejeita (não atrasa) o excesso bruto antes dos estágios de classificação.
type BurstGuardOptions struct {
	// Limiters é o cache de token-buckets por cliente; obrigatório.
	Limiters *infra.LimiterCache
	// Events, se presente, registra um blacklist na fonte Source a cada
	// rejeição (best-effort).
	Events domain.EventStore
	// Source é o nome da fonte dos eventos de rejeição (padrão "burst").
	Source string
	// KeyFn extrai a chave do cliente; padrão DefaultKeyFunc("", false).
	KeyFn KeyFunc
	// RejectStatus é a resposta da rejeição (padrão 429).
	RejectStatus int
	// RetryAfter é o valor sugerido no header Retry-After (padrão 1s).
	RetryAfter time.Duration
	// Log é o logger do estágio; zero value não loga nada.
	Log zerolog.Logger
}

// BurstGuardMiddleware monta o guarda de rajada.
func BurstGuardMiddleware(opts BurstGuardOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "burst"
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if !opts.Limiters.Allow(key) {
				if opts.Events != nil {
					err := opts.Events.Store(r.Context(), domain.Event{
						ClientKey: key,
						Source:    opts.Source,
						Outcome:   domain.OutcomeBlacklist,
						At:        time.Now(),
					})
					if err != nil {
						opts.Log.Warn().Err(err).Msg("record burst rejection failed")
					}
				}
				opts.Log.Debug().Str("client", key).Msg("burst guard rejected request")
				w.Header().Set("Retry-After", formatInt(int(opts.RetryAfter.Seconds())))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ConcurrencyOptions liga o guarda de concorrência (requisições em voo).
type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
}

// ConcurrencyMiddleware monta o guarda de concorrência. Max <= 0 desliga o
// estágio.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
