package edgefilter

import (
	"net/http"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"

	"github.com/rs/zerolog"
)

// DelayOptions liga um estágio de injeção de atraso (throttle escalonado ou
// suavizador com histerese; qualquer domain.Delayer serve).
type DelayOptions struct {
	// Delayer resolve o atraso da requisição corrente; obrigatório.
	Delayer domain.Delayer
	// KeyFn extrai a chave do cliente; padrão DefaultKeyFunc("", false).
	KeyFn KeyFunc
	// Log é o logger do estágio; zero value não loga nada.
	Log zerolog.Logger
}

// DelayMiddleware monta o estágio de atraso: consulta o Delayer e espera o
// tempo resolvido antes de seguir. A espera é cancelável: se a requisição for
// abortada no meio, o estágio desiste em silêncio, sem chamar o próximo
// handler e sem registrar erro.
func DelayMiddleware(opts DelayOptions) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			d := opts.Delayer.Delay(key)
			if d > 0 {
				opts.Log.Debug().Str("client", key).Dur("delay", d).Msg("delaying request")
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-r.Context().Done():
					t.Stop()
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
