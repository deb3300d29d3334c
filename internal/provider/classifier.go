package provider

import (
	"strings"
	"unicode"

	"github.com/vietddude/lens/internal/core/domain"
)

// Classifier infers a category from an entity label. It is approximate by
// nature; adapters use it only when their upstream returns no category.
type Classifier interface {
	Classify(label string) domain.Category
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(label string) domain.Category

func (f ClassifierFunc) Classify(label string) domain.Category { return f(label) }

// KeywordRule maps label keywords to a category.
type KeywordRule struct {
	Category domain.Category
	Keywords []string
}

// KeywordClassifier matches label words against ordered rules. A word
// matches a keyword when equal to it or ending with it ("blackbird" → bird).
// The first matching rule wins.
type KeywordClassifier struct {
	rules    []KeywordRule
	fallback domain.Category
}

// NewKeywordClassifier builds a classifier from rules.
func NewKeywordClassifier(fallback domain.Category, rules ...KeywordRule) *KeywordClassifier {
	normalized := make([]KeywordRule, 0, len(rules))
	for _, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		normalized = append(normalized, KeywordRule{Category: r.Category, Keywords: kws})
	}
	return &KeywordClassifier{rules: normalized, fallback: fallback}
}

// DefaultClassifier covers the categories the bundled adapters report.
func DefaultClassifier() *KeywordClassifier {
	return NewKeywordClassifier(domain.CategoryGeneral,
		KeywordRule{domain.CategoryFungus, []string{"mushroom", "fungus", "fungi", "lichen", "toadstool", "bolete", "chanterelle"}},
		KeywordRule{domain.CategoryInsect, []string{"beetle", "butterfly", "moth", "bee", "wasp", "ant", "dragonfly", "damselfly", "grasshopper", "cricket", "ladybug", "cicada"}},
		KeywordRule{domain.CategoryBird, []string{"bird", "warbler", "sparrow", "hawk", "owl", "finch", "duck", "gull", "heron", "robin", "eagle", "woodpecker", "wren", "jay", "crow", "thrush", "swallow"}},
		KeywordRule{domain.CategoryMammal, []string{"deer", "fox", "squirrel", "bat", "mouse", "rabbit", "bear", "raccoon", "otter", "badger", "hedgehog", "wolf"}},
		KeywordRule{domain.CategoryPlant, []string{"plant", "tree", "flower", "fern", "grass", "oak", "maple", "rose", "moss", "leaf", "daisy", "lily", "ivy", "pine", "orchid"}},
	)
}

// Classify returns the first matching rule's category, or the fallback.
func (c *KeywordClassifier) Classify(label string) domain.Category {
	words := strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			for _, w := range words {
				if w == kw || (len(kw) >= 4 && strings.HasSuffix(w, kw)) {
					return rule.Category
				}
			}
		}
	}
	return c.fallback
}
