// Package infra contém as implementações concretas da filtragem: agregado de
// eventos em memória e em SQLite, throttle de janela fixa, suavizador com
// histerese, cache de limiters e sink de resultados em Redis.
package infra
