// utilitário pequeno para formatação rápida/consistente de valores numéricos
// em headers, sem puxar fmt para o caminho quente.

package edgefilter

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }
