package domain

import (
	"unicode"
	"unicode/utf8"
)

// Outcome é o resultado da classificação de um valor observado.
type Outcome int

const (
	// OutcomeUnmatched indica que nenhum padrão casou com o valor observado.
	OutcomeUnmatched Outcome = iota
	// OutcomeWhitelist indica que o valor casou com a lista de permissão.
	OutcomeWhitelist
	// OutcomeBlacklist indica que o valor casou com a lista de bloqueio.
	OutcomeBlacklist
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWhitelist:
		return "whitelist"
	case OutcomeBlacklist:
		return "blacklist"
	default:
		return "unmatched"
	}
}

// TieBreak decide o resultado quando o valor casa com as duas listas ao mesmo tempo.
type TieBreak int

const (
	// TieBreakAllow prioriza a lista de permissão em caso de empate.
	TieBreakAllow TieBreak = iota
	// TieBreakDeny prioriza a lista de bloqueio em caso de empate.
	TieBreakDeny
)

// Classify classifica um valor observado contra as listas de permissão e bloqueio.
//
// Os padrões aceitam curingas: '*' casa com qualquer sequência (inclusive vazia)
// e '?' casa com exatamente um caractere. O casamento é sempre de string inteira;
// quem quer busca por substring envolve o padrão em '*'.
//
// Regras:
//   - listas vazias nunca casam (lista vazia é "sem padrões", não "casa com tudo")
//   - valor observado vazio é sempre OutcomeUnmatched
//   - empate entre as listas é resolvido por tie
//
// A função é pura e total: qualquer entrada produz exatamente um Outcome.
func Classify(observed string, allow, deny []string, caseSensitive bool, tie TieBreak) Outcome {
	if observed == "" {
		return OutcomeUnmatched
	}

	fold := !caseSensitive
	allowHit := matchAny(observed, allow, fold)
	denyHit := matchAny(observed, deny, fold)

	switch {
	case allowHit && denyHit:
		if tie == TieBreakDeny {
			return OutcomeBlacklist
		}
		return OutcomeWhitelist
	case allowHit:
		return OutcomeWhitelist
	case denyHit:
		return OutcomeBlacklist
	default:
		return OutcomeUnmatched
	}
}

func matchAny(s string, patterns []string, fold bool) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if wildcardMatch(p, s, fold) {
			return true
		}
	}
	return false
}

// wildcardMatch faz o casamento iterativo de s contra pattern, com backtracking
// apenas no último '*' visto. Não aloca: anda sobre as duas strings por índice.
func wildcardMatch(pattern, s string, fold bool) bool {
	var p, i int
	starP, starI := -1, -1

	for i < len(s) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				// guarda a posição para backtracking e tenta casar o mínimo
				starP, starI = p, i
				p++
				continue
			case '?':
				_, size := utf8.DecodeRuneInString(s[i:])
				p++
				i += size
				continue
			default:
				pr, psize := utf8.DecodeRuneInString(pattern[p:])
				sr, ssize := utf8.DecodeRuneInString(s[i:])
				if runeEqual(pr, sr, fold) {
					p += psize
					i += ssize
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		// volta ao último '*' e faz ele engolir mais um caractere
		_, size := utf8.DecodeRuneInString(s[starI:])
		starI += size
		i = starI
		p = starP + 1
	}

	// o que sobrou do padrão só pode ser '*'
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func runeEqual(a, b rune, fold bool) bool {
	if a == b {
		return true
	}
	if !fold {
		return false
	}
	return unicode.ToLower(a) == unicode.ToLower(b)
}
