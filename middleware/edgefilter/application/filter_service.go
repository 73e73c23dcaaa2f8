package application

import (
	"context"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// FilterRule descreve a configuração de um estágio de filtragem.
//
// A regra é lida de novo a cada requisição (ver RuleFunc), então um reload de
// configuração vale já para a próxima requisição sem reconstruir o pipeline.
type FilterRule struct {
	// Source é o nome do estágio, usado como fonte dos eventos gravados.
	Source string
	// Allow e Deny são listas de padrões com curingas '*' e '?'.
	Allow []string
	Deny  []string
	// CaseSensitive liga a comparação sensível a maiúsculas.
	CaseSensitive bool
	// TieBreak resolve empate entre Allow e Deny.
	TieBreak domain.TieBreak
	// BlockOnBlacklist faz o estágio rejeitar a requisição quando o resultado
	// é blacklist; caso contrário o estágio só registra e deixa passar.
	BlockOnBlacklist bool
}

// RuleFunc entrega o snapshot corrente da regra de um estágio.
type RuleFunc func() FilterRule

// StaticRule devolve uma RuleFunc que sempre entrega a mesma regra.
func StaticRule(rule FilterRule) RuleFunc {
	return func() FilterRule { return rule }
}

// FilterService concentra a regra de aplicação de um estágio de filtragem:
// classifica o valor observado e registra blacklist/unmatched no agregado.
//
// Ele não sabe nada sobre HTTP; apenas devolve o resultado da classificação.
type FilterService struct {
	Events domain.EventStore
	Sink   domain.OutcomeSink
	Clock  func() time.Time
}

// Evaluate classifica observed segundo a regra e registra o resultado quando
// ele não for whitelist. O erro devolvido é apenas o de gravação, best-effort:
// a classificação em si nunca falha.
func (s FilterService) Evaluate(ctx context.Context, clientKey, observed string, rule FilterRule) (domain.Outcome, error) {
	out := domain.Classify(observed, rule.Allow, rule.Deny, rule.CaseSensitive, rule.TieBreak)
	if out == domain.OutcomeWhitelist {
		return out, nil
	}

	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}
	ev := domain.Event{
		ClientKey: clientKey,
		Source:    rule.Source,
		Outcome:   out,
		At:        now,
	}

	var err error
	if s.Events != nil {
		err = s.Events.Store(ctx, ev)
	}
	if s.Sink != nil {
		if sinkErr := s.Sink.Record(ctx, ev); sinkErr != nil && err == nil {
			err = sinkErr
		}
	}
	return out, err
}
