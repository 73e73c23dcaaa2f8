// Package application implementa os casos de uso da filtragem (classificar,
// registrar, decidir bloqueio) sem qualquer dependência de net/http.
package application
