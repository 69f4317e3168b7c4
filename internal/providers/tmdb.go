package providers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/scrypster/memoir/pkg/types"
)

const (
	tmdbBaseURL   = "https://api.themoviedb.org/3"
	tmdbImageBase = "https://image.tmdb.org/t/p/w500"
)

// TMDB searches movies on The Movie Database.
type TMDB struct {
	c        *client
	apiKey   string
	language string
}

// NewTMDB creates the "movies" provider. language defaults to en-US.
func NewTMDB(apiKey, language string, cfg ClientConfig) *TMDB {
	if language == "" {
		language = "en-US"
	}
	return &TMDB{c: newClient("movies", tmdbBaseURL, cfg), apiKey: apiKey, language: language}
}

type tmdbSearchResponse struct {
	Results []struct {
		ID          int64   `json:"id"`
		Title       string  `json:"title"`
		Overview    string  `json:"overview"`
		PosterPath  string  `json:"poster_path"`
		ReleaseDate string  `json:"release_date"`
		Popularity  float64 `json:"popularity"`
	} `json:"results"`
}

// Name returns "movies".
func (p *TMDB) Name() string { return p.c.name }

// Search queries /search/movie. Relevance blends rank position (80%) with
// a saturating popularity score (20%).
func (p *TMDB) Search(ctx context.Context, query string, limit int) ([]types.ExternalHit, error) {
	params := url.Values{
		"api_key":  {p.apiKey},
		"query":    {query},
		"language": {p.language},
		"page":     {"1"},
	}
	var resp tmdbSearchResponse
	if err := p.c.getJSON(ctx, "/search/movie", params, &resp); err != nil {
		return nil, err
	}

	results := resp.Results
	if n := clampLimit(limit, 20); len(results) > n {
		results = results[:n]
	}
	hits := make([]types.ExternalHit, 0, len(results))
	for i, r := range results {
		thumb := ""
		if r.PosterPath != "" {
			thumb = tmdbImageBase + r.PosterPath
		}
		pop := r.Popularity / (r.Popularity + 100)
		id := strconv.FormatInt(r.ID, 10)
		hits = append(hits, types.ExternalHit{
			Provider:   p.Name(),
			ProviderID: id,
			Relevance:  0.8*positional(i, len(results)) + 0.2*pop,
			Result: types.NormalizedResult{
				Title:       r.Title,
				Year:        yearOf(r.ReleaseDate),
				Thumbnail:   thumb,
				Description: r.Overview,
				URL:         "https://www.themoviedb.org/movie/" + id,
			},
		})
	}
	return hits, nil
}

// Compile-time assertion.
var _ ContentProvider = (*TMDB)(nil)
