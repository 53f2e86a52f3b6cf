package orchestrator

import (
	"strings"

	"github.com/askmesh/askmesh/internal/ask"
)

// Rule rewrites a candidate when Applies reports true. Rules run in order.
type Rule struct {
	Name    string
	Applies func(ask.Candidate) bool
	Apply   func(ask.Candidate) ask.Candidate
}

func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "strip_code_fence",
			Applies: func(c ask.Candidate) bool { return strings.Contains(c.SQL, "```") },
			Apply: func(c ask.Candidate) ask.Candidate {
				c.SQL = stripCodeFence(c.SQL)
				return c
			},
		},
		{
			Name:    "trim_space",
			Applies: func(ask.Candidate) bool { return true },
			Apply: func(c ask.Candidate) ask.Candidate {
				c.SQL = strings.TrimSpace(c.SQL)
				c.Summary = strings.Join(strings.Fields(c.Summary), " ")
				return c
			},
		},
		{
			Name:    "strip_trailing_semicolon",
			Applies: func(c ask.Candidate) bool { return strings.HasSuffix(c.SQL, ";") },
			Apply: func(c ask.Candidate) ask.Candidate {
				c.SQL = strings.TrimSpace(strings.TrimRight(c.SQL, "; \t\r\n"))
				return c
			},
		},
	}
}

// Normalize runs rules over every candidate, drops empty SQL and keeps the
// first occurrence of each statement. Validity is reset.
func Normalize(rules []Rule, candidates []ask.Candidate) []ask.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]ask.Candidate, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate.Valid = false
		for _, rule := range rules {
			if rule.Applies == nil || rule.Apply == nil || !rule.Applies(candidate) {
				continue
			}
			candidate = rule.Apply(candidate)
		}
		if candidate.SQL == "" {
			continue
		}
		if _, dup := seen[candidate.SQL]; dup {
			continue
		}
		seen[candidate.SQL] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

func stripCodeFence(sql string) string {
	text := strings.TrimSpace(sql)
	if start := strings.Index(text, "```"); start >= 0 {
		text = text[start+3:]
		if newline := strings.IndexByte(text, '\n'); newline >= 0 {
			lang := strings.TrimSpace(text[:newline])
			if lang == "" || !strings.ContainsAny(lang, " \t") {
				text = text[newline+1:]
			}
		}
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}
