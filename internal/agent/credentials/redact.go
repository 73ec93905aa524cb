package credentials

import (
	"sort"
	"strings"
)

// RedactionMarker replaces secrets found in agent output.
const RedactionMarker = "[REDACTED]"

// minSecretLen avoids redacting trivially short strings.
const minSecretLen = 6

// Redactor replaces literal occurrences of secrets in text. It is best-effort
// defense in depth: agents never receive the secrets in the first place.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor builds a redactor for the given secrets. Empty and very short values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	uniq := make(map[string]bool)
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if len(s) >= minSecretLen {
			uniq[s] = true
		}
	}
	if len(uniq) == 0 {
		return &Redactor{}
	}
	list := make([]string, 0, len(uniq))
	for s := range uniq {
		list = append(list, s)
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })

	pairs := make([]string, 0, 2*len(list))
	for _, s := range list {
		pairs = append(pairs, s, RedactionMarker)
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Redact returns s with every secret replaced.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}
