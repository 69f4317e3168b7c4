package providers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/scrypster/memoir/pkg/types"
)

const googleBooksBaseURL = "https://www.googleapis.com/books/v1"

// GoogleBooks searches the Google Books volumes API.
type GoogleBooks struct {
	c      *client
	apiKey string
}

// NewGoogleBooks creates the "books" provider.
func NewGoogleBooks(apiKey string, cfg ClientConfig) *GoogleBooks {
	return &GoogleBooks{c: newClient("books", googleBooksBaseURL, cfg), apiKey: apiKey}
}

type googleBooksResponse struct {
	Items []struct {
		ID         string `json:"id"`
		VolumeInfo struct {
			Title         string   `json:"title"`
			Authors       []string `json:"authors"`
			Description   string   `json:"description"`
			PublishedDate string   `json:"publishedDate"`
			InfoLink      string   `json:"infoLink"`
			ImageLinks    struct {
				Thumbnail      string `json:"thumbnail"`
				SmallThumbnail string `json:"smallThumbnail"`
			} `json:"imageLinks"`
		} `json:"volumeInfo"`
	} `json:"items"`
}

// Name returns "books".
func (p *GoogleBooks) Name() string { return p.c.name }

// Search queries /volumes. Relevance is rank position.
func (p *GoogleBooks) Search(ctx context.Context, query string, limit int) ([]types.ExternalHit, error) {
	n := clampLimit(limit, 40)
	params := url.Values{
		"q":          {query},
		"key":        {p.apiKey},
		"maxResults": {strconv.Itoa(n)},
	}
	var resp googleBooksResponse
	if err := p.c.getJSON(ctx, "/volumes", params, &resp); err != nil {
		return nil, err
	}

	items := resp.Items
	if len(items) > n {
		items = items[:n]
	}
	hits := make([]types.ExternalHit, 0, len(items))
	for i, it := range items {
		info := it.VolumeInfo
		thumb := info.ImageLinks.Thumbnail
		if thumb == "" {
			thumb = info.ImageLinks.SmallThumbnail
		}
		hits = append(hits, types.ExternalHit{
			Provider:   p.Name(),
			ProviderID: it.ID,
			Relevance:  positional(i, len(items)),
			Result: types.NormalizedResult{
				Title:       info.Title,
				Year:        yearOf(info.PublishedDate),
				Thumbnail:   thumb,
				Description: info.Description,
				URL:         info.InfoLink,
			},
		})
	}
	return hits, nil
}

// Compile-time assertion.
var _ ContentProvider = (*GoogleBooks)(nil)
