package providers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/scrypster/memoir/pkg/types"
)

const spoonacularBaseURL = "https://api.spoonacular.com"

// Spoonacular searches recipes.
type Spoonacular struct {
	c      *client
	apiKey string
}

// NewSpoonacular creates the "recipes" provider.
func NewSpoonacular(apiKey string, cfg ClientConfig) *Spoonacular {
	return &Spoonacular{c: newClient("recipes", spoonacularBaseURL, cfg), apiKey: apiKey}
}

type spoonacularResponse struct {
	Results []struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Image     string `json:"image"`
		Summary   string `json:"summary"`
		SourceURL string `json:"sourceUrl"`
	} `json:"results"`
}

// Name returns "recipes".
func (p *Spoonacular) Name() string { return p.c.name }

// Search queries /recipes/complexSearch. Relevance is rank position.
func (p *Spoonacular) Search(ctx context.Context, query string, limit int) ([]types.ExternalHit, error) {
	n := clampLimit(limit, 20)
	params := url.Values{
		"query":  {query},
		"number": {strconv.Itoa(n)},
		"apiKey": {p.apiKey},
	}
	var resp spoonacularResponse
	if err := p.c.getJSON(ctx, "/recipes/complexSearch", params, &resp); err != nil {
		return nil, err
	}

	results := resp.Results
	if len(results) > n {
		results = results[:n]
	}
	hits := make([]types.ExternalHit, 0, len(results))
	for i, r := range results {
		hits = append(hits, types.ExternalHit{
			Provider:   p.Name(),
			ProviderID: strconv.FormatInt(r.ID, 10),
			Relevance:  positional(i, len(results)),
			Result: types.NormalizedResult{
				Title:       r.Title,
				Thumbnail:   r.Image,
				Description: r.Summary,
				URL:         r.SourceURL,
			},
		})
	}
	return hits, nil
}

// Compile-time assertion.
var _ ContentProvider = (*Spoonacular)(nil)
