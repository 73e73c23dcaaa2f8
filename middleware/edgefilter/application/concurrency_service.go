package application

import (
	"context"
	"time"

	"filtering-gateway/middleware/edgefilter/domain"
)

// ConcurrencyService concentra a regra de aquisição de vagas com timeout, sem
// saber nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga. Com AcquireTimeout <= 0 espera até o ctx
// cancelar; com timeout, espera no máximo esse tempo. Se ok=false, nenhuma
// vaga foi adquirida.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), bool) {
	if s.Pool == nil {
		return func() {}, true
	}
	if s.AcquireTimeout <= 0 {
		return s.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()
	return s.Pool.Acquire(acqCtx)
}
