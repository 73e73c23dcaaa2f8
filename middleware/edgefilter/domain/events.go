package domain

import (
	"context"
	"time"
)

// Event representa um resultado de filtragem atribuído a um cliente.
//
// O evento em si é efêmero: as implementações de EventStore guardam apenas o
// agregado (contagem por cliente/fonte/resultado), nunca o evento bruto.
type Event struct {
	// ClientKey é o identificador normalizado do cliente (tipicamente o IP).
	ClientKey string
	// Source é o nome do estágio de filtragem que produziu o resultado.
	Source string
	// Outcome é o resultado da classificação.
	Outcome Outcome
	// At é o instante da observação. Zero = agora.
	At time.Time
}

// SourceOutcome é a chave de agregação (fonte, resultado) dentro de um cliente.
type SourceOutcome struct {
	Source  string
	Outcome Outcome
}

// RemoveFilter restringe o que Remove apaga dentro do bucket de um cliente.
//
// Campos zero significam "qualquer": Source vazio casa com todas as fontes e
// Outcome nil casa com todos os resultados. O zero value remove o bucket inteiro.
type RemoveFilter struct {
	Source  string
	Outcome *Outcome
}

// Matches informa se uma entrada (fonte, resultado) é alcançada pelo filtro.
func (f RemoveFilter) Matches(so SourceOutcome) bool {
	if f.Source != "" && f.Source != so.Source {
		return false
	}
	if f.Outcome != nil && *f.Outcome != so.Outcome {
		return false
	}
	return true
}

// EventStore agrega resultados de filtragem por cliente.
//
// Todas as operações devem ser seguras sob concorrência irrestrita. Cliente
// ausente nunca é erro: consultas devolvem zero/vazio.
//
// Implementações podem manter o agregado em memória ou em backend durável;
// o contrato de incremento concorrente e remoção multi-predicado é o mesmo.
type EventStore interface {
	// Store incrementa o contador (fonte, resultado) do cliente, criando o
	// bucket na primeira observação.
	Store(ctx context.Context, ev Event) error

	// BlacklistCount devolve o rollup O(1) de resultados blacklist do cliente.
	BlacklistCount(ctx context.Context, clientKey string) (int64, error)
	// UnmatchedCount devolve o rollup O(1) de resultados unmatched do cliente.
	UnmatchedCount(ctx context.Context, clientKey string) (int64, error)

	// BySourceAndOutcome devolve um snapshot das contagens do cliente,
	// agrupadas por (fonte, resultado). Nunca observa estado parcial.
	BySourceAndOutcome(ctx context.Context, clientKey string) (map[SourceOutcome]int64, error)
	// BySource devolve as contagens do cliente agrupadas por fonte.
	BySource(ctx context.Context, clientKey string) (map[string]int64, error)
	// ByOutcome devolve as contagens do cliente agrupadas por resultado.
	ByOutcome(ctx context.Context, clientKey string) (map[Outcome]int64, error)

	// Remove apaga as entradas do cliente alcançadas pelo filtro; o bucket some
	// quando fica vazio. Cliente inexistente é no-op.
	Remove(ctx context.Context, clientKey string, filter RemoveFilter) error
	// Clear esvazia a base inteira de forma atômica em relação às demais
	// operações.
	Clear(ctx context.Context) error
}

// OutcomeSink recebe eventos de filtragem para fins de observabilidade.
//
// É best-effort: o chamador não deve derrubar a requisição por erro do sink.
type OutcomeSink interface {
	Record(ctx context.Context, ev Event) error
}
