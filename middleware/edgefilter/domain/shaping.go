package domain

import "time"

// DelayStep mapeia um limiar de contagem para o atraso aplicado ao excedê-lo.
//
// As tabelas de degraus são sempre ascendentes em ExceedsCount; o limiar é
// estrito: o degrau vale a partir da contagem ExceedsCount+1.
type DelayStep struct {
	ExceedsCount int64
	Delay        time.Duration
}

// Delayer calcula o atraso artificial a aplicar à requisição corrente de um
// cliente. Implementações mantêm estado próprio por chave; chamadas para
// chaves distintas nunca se serializam entre si.
type Delayer interface {
	Delay(clientKey string) time.Duration
}

// DelayFor resolve o atraso do maior degrau excedido pela contagem,
// limitado a max quando max > 0.
func DelayFor(steps []DelayStep, count int64, max time.Duration) time.Duration {
	var d time.Duration
	for _, s := range steps {
		if count <= s.ExceedsCount {
			break
		}
		d = s.Delay
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// LevelFor resolve o índice (1..len) do maior degrau excedido pela contagem,
// ou 0 quando nenhum limiar foi excedido.
func LevelFor(steps []DelayStep, count int64) int {
	level := 0
	for i, s := range steps {
		if count <= s.ExceedsCount {
			break
		}
		level = i + 1
	}
	return level
}
