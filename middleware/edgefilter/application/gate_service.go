package application

import (
	"context"

	"filtering-gateway/middleware/edgefilter/domain"
)

// BlockPolicy decide, a partir do histórico do cliente, se a requisição
// corrente deveria ser bloqueada. Implementações são livres para consultar o
// EventStore ou qualquer outra fonte.
type BlockPolicy interface {
	WouldBlock(ctx context.Context, clientKey string) bool
}

// BlockPolicyFunc adapta uma função para BlockPolicy.
type BlockPolicyFunc func(ctx context.Context, clientKey string) bool

func (f BlockPolicyFunc) WouldBlock(ctx context.Context, clientKey string) bool {
	return f(ctx, clientKey)
}

// BlacklistThresholdPolicy bloqueia quando o rollup de blacklist do cliente
// excede Max. Erro de consulta conta como "não bloqueia": indisponibilidade do
// agregado não pode derrubar tráfego legítimo.
type BlacklistThresholdPolicy struct {
	Events domain.EventStore
	Max    int64
}

func (p BlacklistThresholdPolicy) WouldBlock(ctx context.Context, clientKey string) bool {
	if p.Events == nil {
		return false
	}
	n, err := p.Events.BlacklistCount(ctx, clientKey)
	if err != nil {
		return false
	}
	return n > p.Max
}

// GateDecision é o resultado da avaliação do portão.
type GateDecision struct {
	// Block manda rejeitar a requisição de verdade.
	Block bool
	// WouldBlock indica que a política bloquearia; em modo log-only a
	// requisição segue, mas o marcador fica disponível para os estágios
	// seguintes.
	WouldBlock bool
}

// GateService combina a política de bloqueio com o rollout em modo log-only.
type GateService struct {
	Policy BlockPolicy
	// LogOnly, quando devolve true, rebaixa o bloqueio para marcação.
	// Nil equivale a "sempre bloqueio real".
	LogOnly func() bool
}

func (s GateService) Decide(ctx context.Context, clientKey string) GateDecision {
	if s.Policy == nil {
		return GateDecision{}
	}
	if !s.Policy.WouldBlock(ctx, clientKey) {
		return GateDecision{}
	}
	if s.LogOnly != nil && s.LogOnly() {
		return GateDecision{WouldBlock: true}
	}
	return GateDecision{Block: true, WouldBlock: true}
}
