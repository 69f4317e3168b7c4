package llm

import (
	"context"
	"strings"
	"unicode"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/pkg/types"
)

// RuleClassifierModel is the model name recorded on rule-based results.
const RuleClassifierModel = "rules-v1"

// categoryKeywords holds weighted English and Russian cue words per category.
var categoryKeywords = map[string]map[string]float64{
	"movie": {
		"watched": 0.4, "watch": 0.3, "movie": 0.4, "film": 0.4, "series": 0.3, "cinema": 0.4,
		"trailer": 0.3, "episode": 0.3, "посмотрел": 0.4, "посмотреть": 0.3, "фильм": 0.4,
		"кино": 0.4, "сериал": 0.4,
	},
	"book": {
		"read": 0.3, "reading": 0.3, "book": 0.4, "novel": 0.4, "author": 0.3, "chapter": 0.3,
		"прочитал": 0.4, "прочитать": 0.3, "книга": 0.4, "книгу": 0.4, "роман": 0.4,
	},
	"place": {
		"restaurant": 0.4, "cafe": 0.4, "visited": 0.3, "visit": 0.2, "bar": 0.3, "museum": 0.4,
		"hotel": 0.4, "ресторан": 0.4, "кафе": 0.4, "музей": 0.4, "место": 0.3,
	},
	"recipe": {
		"recipe": 0.5, "cook": 0.3, "cooked": 0.3, "bake": 0.3, "ingredients": 0.4, "dish": 0.3,
		"рецепт": 0.5, "приготовить": 0.4, "блюдо": 0.3,
	},
	"product": {
		"buy": 0.4, "bought": 0.3, "order": 0.3, "price": 0.3, "купить": 0.4, "заказать": 0.4,
		"приобрести": 0.4,
	},
	"task": {
		"todo": 0.4, "remind": 0.4, "reminder": 0.4, "deadline": 0.4, "надо": 0.3, "нужно": 0.3,
		"сделать": 0.3,
	},
	"idea": {
		"idea": 0.4, "thought": 0.3, "insight": 0.4, "идея": 0.4, "мысль": 0.4,
	},
}

// categoryTags is the tag every result in a category carries.
var categoryTags = map[string]string{
	"movie":   "film",
	"book":    "reading",
	"place":   "travel",
	"recipe":  "food",
	"product": "shopping",
	"task":    "todo",
	"idea":    "idea",
}

// titleTriggers are verbs after which a capitalised run names the subject,
// as in "Watched Inception last night".
var titleTriggers = map[string]string{
	"watched": "movie", "watch": "movie", "посмотрел": "movie",
	"read": "book", "reading": "book", "прочитал": "book",
	"visited": "place",
	"cooked": "recipe",
}

var articles = map[string]bool{"the": true, "a": true, "an": true}

// RuleClassifier is a deterministic keyword classifier. It needs no
// network and backs tests, offline setups, and the intent fallback when no
// LLM is configured.
type RuleClassifier struct {
	taxonomy map[string]bool
	order    []string
}

// NewRuleClassifier creates a rule classifier limited to taxonomy.
func NewRuleClassifier(taxonomy []string) *RuleClassifier {
	if len(taxonomy) == 0 {
		taxonomy = DefaultTaxonomy
	}
	allowed := make(map[string]bool, len(taxonomy))
	for _, c := range taxonomy {
		allowed[c] = true
	}
	return &RuleClassifier{taxonomy: allowed, order: taxonomy}
}

// Classify scores each category by the summed weights of its cue words.
// Confidence is 0.4 plus the winning score, capped at 0.95. Text with no
// cues is "other" at 0.5.
func (c *RuleClassifier) Classify(ctx context.Context, text string) (*types.ClassificationMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := tokenize(text)
	if len(words) == 0 {
		return nil, apperrors.Permanentf("nothing to classify: empty text")
	}

	scores := make(map[string]float64)
	for _, w := range words {
		lw := strings.ToLower(w)
		for cat, kws := range categoryKeywords {
			if c.taxonomy[cat] {
				scores[cat] += kws[lw]
			}
		}
	}

	best, bestScore := "", 0.0
	for _, cat := range c.order {
		if scores[cat] > bestScore {
			best, bestScore = cat, scores[cat]
		}
	}

	meta := &types.ClassificationMetadata{Model: RuleClassifierModel}
	if best == "" {
		meta.Category = "other"
		if !c.taxonomy["other"] {
			meta.Category = c.order[len(c.order)-1]
		}
		meta.Confidence = 0.5
		meta.Normalize()
		return meta, nil
	}

	meta.Category = best
	meta.Confidence = 0.4 + bestScore
	if meta.Confidence > 0.95 {
		meta.Confidence = 0.95
	}
	if tag, ok := categoryTags[best]; ok {
		meta.Tags = append(meta.Tags, tag)
	}
	meta.Tags = append(meta.Tags, best)
	if title := extractTitle(words, best); title != "" {
		meta.Entities = append(meta.Entities, types.Entity{Type: "title", Value: title})
	}
	meta.Normalize()
	return meta, nil
}

// extractTitle returns the capitalised run following the first trigger verb
// for category. Articles and the category's own cue words between the verb
// and the run are skipped ("read the book Dune").
func extractTitle(words []string, category string) string {
	for i, w := range words {
		if titleTriggers[strings.ToLower(w)] != category {
			continue
		}
		var run []string
		for _, next := range words[i+1:] {
			lw := strings.ToLower(next)
			if len(run) == 0 && (articles[lw] || categoryKeywords[category][lw] > 0) {
				continue
			}
			r := []rune(next)
			if !unicode.IsUpper(r[0]) && !unicode.IsDigit(r[0]) {
				break
			}
			run = append(run, next)
		}
		if len(run) > 0 {
			return strings.Join(run, " ")
		}
	}
	return ""
}

// tokenize splits on anything that is not a letter, digit or apostrophe.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Compile-time assertion.
var _ Classifier = (*RuleClassifier)(nil)
