package engine

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/pkg/types"
)

// Intent detection layers.
const (
	IntentSourceForced     = "forced"
	IntentSourceRules      = "rules"
	IntentSourceClassifier = "classifier"
	IntentSourceNone       = "none"
)

// ruleAcceptThreshold is the layer-1 score at which the classifier is not consulted.
const ruleAcceptThreshold = 0.5

// IntentResult is the outcome of intent detection.
type IntentResult struct {
	Intent     types.Intent
	Query      string // the input with intent keywords stripped
	Confidence float64
	Source     string
}

// intentKeywords are weighted English and Russian cues. Stems of four or
// more runes also match as prefixes so that inflected forms count
// ("фильмы", "книгу", "movies").
var intentKeywords = map[types.Intent]map[string]float64{
	types.IntentMovie: {
		"movie": 0.5, "film": 0.5, "cinema": 0.4, "series": 0.4, "trailer": 0.3, "watch": 0.3,
		"фильм": 0.5, "кино": 0.5, "сериал": 0.5, "мульт": 0.4, "посмотр": 0.3,
	},
	types.IntentBook: {
		"book": 0.5, "novel": 0.5, "author": 0.3, "read": 0.3, "audiobook": 0.5,
		"книг": 0.5, "роман": 0.5, "автор": 0.3, "прочит": 0.3, "читать": 0.3,
	},
	types.IntentPlace: {
		"restaurant": 0.5, "cafe": 0.5, "museum": 0.5, "hotel": 0.5, "bar": 0.3, "place": 0.3, "visit": 0.3,
		"ресторан": 0.5, "кафе": 0.5, "музей": 0.5, "отель": 0.5, "место": 0.3, "сходить": 0.3,
	},
	types.IntentRecipe: {
		"recipe": 0.5, "cook": 0.4, "bake": 0.4, "dish": 0.3, "ingredient": 0.3,
		"рецепт": 0.5, "пригот": 0.4, "испечь": 0.4, "блюд": 0.3,
	},
}

// intentOrder breaks score ties.
var intentOrder = []types.Intent{types.IntentMovie, types.IntentBook, types.IntentPlace, types.IntentRecipe}

// fillerWords are dropped from the search query along with intent keywords.
var fillerWords = map[string]bool{
	"i": true, "want": true, "wanna": true, "to": true, "need": true, "find": true, "search": true,
	"for": true, "some": true, "хочу": true, "нужно": true, "надо": true, "найти": true, "найди": true,
}

// categoryIntents maps classifier categories onto intents.
var categoryIntents = map[string]types.Intent{
	"movie":  types.IntentMovie,
	"book":   types.IntentBook,
	"place":  types.IntentPlace,
	"recipe": types.IntentRecipe,
}

// IntentDetector decides which external catalogs a query is about.
// Layer 1 is a keyword matcher; layer 2 asks the classifier when the
// keywords are inconclusive.
type IntentDetector struct {
	classifier llm.Classifier
	threshold  float64
	timeout    time.Duration
}

// NewIntentDetector creates a detector. classifier may be nil, which
// disables layer 2.
func NewIntentDetector(classifier llm.Classifier, cfg Config) *IntentDetector {
	return &IntentDetector{
		classifier: classifier,
		threshold:  cfg.ConfidenceThreshold,
		timeout:    cfg.ProviderTimeout,
	}
}

// Detect returns the query's intent and the stripped search query.
func (d *IntentDetector) Detect(ctx context.Context, text string) IntentResult {
	intent, score, query := matchRules(text)
	if intent != types.IntentUnknown && score >= ruleAcceptThreshold {
		return IntentResult{Intent: intent, Query: query, Confidence: score, Source: IntentSourceRules}
	}

	if d.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		meta, err := d.classifier.Classify(cctx, text)
		cancel()
		switch {
		case err != nil:
			log.Printf("WARNING: intent: classifier fallback failed: %v", err)
		case meta == nil:
			log.Printf("WARNING: intent: classifier fallback returned no classification")
		case meta.Confidence >= d.threshold:
			if mapped, ok := categoryIntents[meta.Category]; ok {
				return IntentResult{Intent: mapped, Query: query, Confidence: meta.Confidence, Source: IntentSourceClassifier}
			}
		}
	}

	return IntentResult{Intent: types.IntentUnknown, Query: query, Confidence: score, Source: IntentSourceNone}
}

// matchRules scores every intent by its keyword weights (capped at 1) and
// strips keywords and filler words from the query.
func matchRules(text string) (types.Intent, float64, string) {
	tokens := splitWords(text)
	scores := make(map[types.Intent]float64, len(intentOrder))
	kept := make([]string, 0, len(tokens))

	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		matched := false
		for _, intent := range intentOrder {
			if w := keywordWeight(intentKeywords[intent], lower); w > 0 {
				scores[intent] += w
				matched = true
			}
		}
		if !matched && !fillerWords[lower] {
			kept = append(kept, tok)
		}
	}

	best, bestScore := types.IntentUnknown, 0.0
	for _, intent := range intentOrder {
		if scores[intent] > bestScore {
			best, bestScore = intent, scores[intent]
		}
	}
	if bestScore > 1 {
		bestScore = 1
	}

	query := strings.Join(kept, " ")
	if query == "" {
		query = strings.TrimSpace(text)
	}
	return best, bestScore, query
}

func keywordWeight(keywords map[string]float64, token string) float64 {
	if w, ok := keywords[token]; ok {
		return w
	}
	best := 0.0
	for stem, w := range keywords {
		if len([]rune(stem)) >= 4 && strings.HasPrefix(token, stem) && w > best {
			best = w
		}
	}
	return best
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
}
