package edgefilter

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"filtering-gateway/middleware/edgefilter/application"
	"filtering-gateway/middleware/edgefilter/domain"

	"github.com/rs/zerolog"
)

// KeyFunc extrai a chave normalizada do cliente a partir da requisição.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc monta a extração padrão: header dedicado, depois o primeiro
// IP do X-Forwarded-For (se confiável), depois o host do RemoteAddr.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if len(parts) > 0 {
					if ip := strings.TrimSpace(parts[0]); ip != "" {
						return ip
					}
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return ""
	}
}

// ObserveFunc extrai o valor observado que um estágio classifica.
type ObserveFunc func(r *http.Request) string

// ObserveMethod observa o método HTTP.
func ObserveMethod(r *http.Request) string { return r.Method }

// ObserveProto observa a versão do protocolo (ex.: "HTTP/1.1").
func ObserveProto(r *http.Request) string { return r.Proto }

// ObserveUserAgent observa o header User-Agent.
func ObserveUserAgent(r *http.Request) string { return r.UserAgent() }

// ObserveHeader observa o valor de um header específico.
func ObserveHeader(name string) ObserveFunc {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

// ObserveHeaderSignature observa a assinatura da requisição: os nomes dos
// headers presentes, ordenados e separados por vírgula. Clientes automatizados
// costumam ter assinaturas estáveis e distintas das de navegadores.
func ObserveHeaderSignature(r *http.Request) string {
	if len(r.Header) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// FilterOptions liga um estágio de filtragem.
type FilterOptions struct {
	// Rule entrega o snapshot corrente da regra; obrigatório.
	Rule application.RuleFunc
	// Observe extrai o valor observado; obrigatório.
	Observe ObserveFunc
	// Events recebe os resultados blacklist/unmatched (best-effort).
	Events domain.EventStore
	// Sink é o destino adicional de observabilidade (best-effort).
	Sink domain.OutcomeSink
	// KeyFn extrai a chave do cliente; padrão DefaultKeyFunc("", false).
	KeyFn KeyFunc
	// RejectStatus é a resposta quando a regra manda bloquear blacklist
	// (padrão 403).
	RejectStatus int
	// Log é o logger do estágio; zero value não loga nada.
	Log zerolog.Logger
}

// FilterMiddleware monta o middleware de um estágio de filtragem: classifica o
// valor observado, registra o resultado e, quando a regra manda, rejeita
// blacklist. Whitelist e unmatched seguem adiante.
func FilterMiddleware(opts FilterOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusForbidden
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}

	svc := application.FilterService{
		Events: opts.Events,
		Sink:   opts.Sink,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule := opts.Rule()
			key := opts.KeyFn(r)
			observed := opts.Observe(r)

			out, err := svc.Evaluate(r.Context(), key, observed, rule)
			if err != nil {
				// gravação é best-effort: loga e segue
				opts.Log.Warn().Err(err).Str("source", rule.Source).Msg("record outcome failed")
			}
			if out == domain.OutcomeBlacklist {
				opts.Log.Debug().
					Str("source", rule.Source).
					Str("client", key).
					Str("observed", observed).
					Bool("blocked", rule.BlockOnBlacklist).
					Msg("blacklist hit")
				if rule.BlockOnBlacklist {
					http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
