package edgefilter

import (
	"context"
	"net/http"

	"filtering-gateway/middleware/edgefilter/application"

	"github.com/rs/zerolog"
)

type ctxKey int

const wouldBlockKey ctxKey = iota

// WouldBlock informa se o portão de avaliação decidiu que esta requisição
// seria bloqueada. Em modo log-only a requisição segue com o marcador ligado;
// estágios seguintes podem reagir sem recomputar a decisão.
func WouldBlock(r *http.Request) bool {
	v, _ := r.Context().Value(wouldBlockKey).(bool)
	return v
}

// GateOptions liga o portão de avaliação.
type GateOptions struct {
	// Policy decide o bloqueio a partir do histórico do cliente; obrigatório.
	Policy application.BlockPolicy
	// LogOnly, quando devolve true, rebaixa o bloqueio para marcação.
	// Nil = bloqueio real sempre.
	LogOnly func() bool
	// RejectStatus é a resposta do bloqueio real (padrão 403).
	RejectStatus int
	// KeyFn extrai a chave do cliente; padrão DefaultKeyFunc("", false).
	KeyFn KeyFunc
	// Log é o logger do estágio; zero value não loga nada.
	Log zerolog.Logger
}

// GateMiddleware monta o portão: consulta a política e bloqueia, ou em modo
// log-only apenas marca a requisição e deixa passar.
func GateMiddleware(opts GateOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusForbidden
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}

	svc := application.GateService{
		Policy:  opts.Policy,
		LogOnly: opts.LogOnly,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			dec := svc.Decide(r.Context(), key)

			if dec.Block {
				opts.Log.Info().Str("client", key).Msg("gate blocked request")
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}
			if dec.WouldBlock {
				opts.Log.Info().Str("client", key).Msg("gate would block (log-only)")
				r = r.WithContext(context.WithValue(r.Context(), wouldBlockKey, true))
			}

			next.ServeHTTP(w, r)
		})
	}
}
