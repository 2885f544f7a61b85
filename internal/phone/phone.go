// Package phone canonicalizes phone numbers so that every downstream
// lookup (contact index, capability index, reverse search) keys on the
// same representation regardless of how the directory formatted them.
package phone

import "strings"

// Normalize converts a raw phone string into its canonical form.
// Punctuation, spaces, and parentheses are stripped; only digits and a
// leading + survive. Returns false when fewer than 10 digits remain.
//
// Regional heuristics, in priority order:
//   - "+1" + 10 digits: already canonical
//   - bare "1" + 10 digits: gains the +
//   - bare 10 digits: gains +1
//   - "+" + more than 10 digits: international passthrough
//   - otherwise accepted as-is, with +1 prepended only when the string
//     starts with neither "+" nor "1"
func Normalize(raw string) (string, bool) {
	cleaned := strip(raw)
	if digitCount(cleaned) < 10 {
		return "", false
	}
	switch {
	case strings.HasPrefix(cleaned, "+1") && len(cleaned) == 12:
		return cleaned, true
	case strings.HasPrefix(cleaned, "1") && len(cleaned) == 11:
		return "+" + cleaned, true
	case !strings.HasPrefix(cleaned, "+") && len(cleaned) == 10:
		return "+1" + cleaned, true
	case strings.HasPrefix(cleaned, "+") && len(cleaned) > 11:
		return cleaned, true
	}
	if !strings.HasPrefix(cleaned, "+") && !strings.HasPrefix(cleaned, "1") {
		return "+1" + cleaned, true
	}
	return cleaned, true
}

// EquivalentForms returns the canonical form plus its de-prefixed
// variants, so callers can match against directory data stored without
// country codes. A +1 canonical number yields the bare 10-digit and
// 1-prefixed forms as well. Unnormalizable input falls back to its
// stripped form alone; empty input yields nil.
func EquivalentForms(raw string) []string {
	canon, ok := Normalize(raw)
	if !ok {
		cleaned := strip(raw)
		if cleaned == "" {
			return nil
		}
		return []string{cleaned}
	}
	forms := []string{canon}
	switch {
	case strings.HasPrefix(canon, "+1") && len(canon) == 12:
		forms = append(forms, canon[1:], canon[2:])
	case strings.HasPrefix(canon, "+"):
		forms = append(forms, canon[1:])
	}
	return forms
}

// strip keeps digits and a leading +, dropping everything else.
func strip(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && b.Len() == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
