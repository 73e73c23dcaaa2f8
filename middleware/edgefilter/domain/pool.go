package domain

import "context"

// SlotPool representa um recurso de capacidade finita (ex.: requisições em
// voo). Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar; a
// função de release devolvida deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}
