package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/pkg/types"
)

// ErrMalformedResponse is returned when model output cannot be parsed into
// a classification. It is transient: sampling again may well succeed.
var ErrMalformedResponse = errors.New("malformed model response")

// classificationResponse is the JSON object the classification prompt asks for.
type classificationResponse struct {
	Category   string         `json:"category"`
	Tags       []string       `json:"tags"`
	Entities   []types.Entity `json:"entities"`
	Confidence *float64       `json:"confidence"`
}

// extractJSON extracts the first complete JSON object from a string that may
// contain extra text. Models add prose or code fences despite instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escape = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

// ParseClassificationResponse turns raw model output into normalized
// metadata. Category membership and the confidence threshold are checked by
// the caller, which owns the taxonomy.
func ParseClassificationResponse(raw string) (*types.ClassificationMetadata, error) {
	var resp classificationResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, apperrors.Transient(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if strings.TrimSpace(resp.Category) == "" {
		return nil, apperrors.Transient(fmt.Errorf("%w: missing category", ErrMalformedResponse))
	}
	if resp.Confidence == nil {
		return nil, apperrors.Transient(fmt.Errorf("%w: missing confidence", ErrMalformedResponse))
	}
	if *resp.Confidence < 0 || *resp.Confidence > 1 {
		return nil, apperrors.Transient(fmt.Errorf("%w: confidence %f out of range", ErrMalformedResponse, *resp.Confidence))
	}

	meta := &types.ClassificationMetadata{
		Category:   resp.Category,
		Tags:       resp.Tags,
		Entities:   resp.Entities,
		Confidence: *resp.Confidence,
	}
	meta.Normalize()
	return meta, nil
}
