// Package classify assigns a priority to raw item text using ordered keyword tiers.
package classify

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/fentz26/gatekeep/internal/models"
)

// Tiers holds the keywords for each priority. High is checked first, then
// Medium, then Low; text matching nothing is low.
type Tiers struct {
	High   []string `yaml:"high" json:"high"`
	Medium []string `yaml:"medium" json:"medium"`
	Low    []string `yaml:"low" json:"low"`
}

// DefaultTiers returns the built-in keyword set.
func DefaultTiers() Tiers {
	return Tiers{
		High:   []string{"urgent", "asap", "critical", "payment", "invoice"},
		Medium: []string{"important", "meeting", "deadline", "help", "proposal", "opportunity"},
	}
}

// Match is the outcome of classification.
type Match struct {
	Priority models.Priority
	Keyword  string
}

// Classifier is deterministic and performs no I/O. Safe for concurrent use.
type Classifier struct {
	tiers []tier
}

type tier struct {
	priority models.Priority
	keywords []string
}

// New builds a classifier, folding keywords once up front. Empty keywords
// are dropped so they cannot match everything.
func New(t Tiers) *Classifier {
	return &Classifier{tiers: []tier{
		{models.PriorityHigh, foldAll(t.High)},
		{models.PriorityMedium, foldAll(t.Medium)},
		{models.PriorityLow, foldAll(t.Low)},
	}}
}

// Classify returns the priority for text and metadata.
func (c *Classifier) Classify(text string, metadata map[string]string) models.Priority {
	return c.Match(text, metadata).Priority
}

// Match classifies and reports the keyword that decided the tier.
func (c *Classifier) Match(text string, metadata map[string]string) Match {
	hay := Fold(joinInput(text, metadata))
	for _, t := range c.tiers {
		for _, kw := range t.keywords {
			if strings.Contains(hay, kw) {
				return Match{Priority: t.priority, Keyword: kw}
			}
		}
	}
	return Match{Priority: models.PriorityLow}
}

// Fold normalizes s for case-insensitive comparison.
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// EqualFold compares two strings after Fold.
func EqualFold(a, b string) bool {
	return Fold(strings.TrimSpace(a)) == Fold(strings.TrimSpace(b))
}

// Summarize collapses whitespace and truncates to limit runes, marking a cut
// with an ellipsis.
func Summarize(text string, limit int) string {
	s := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit == 1 {
		return "…"
	}
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

func joinInput(text string, metadata map[string]string) string {
	if len(metadata) == 0 {
		return text
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(text)
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(metadata[k])
	}
	return b.String()
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, Fold(s))
	}
	return out
}
