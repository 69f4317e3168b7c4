package providers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/scrypster/memoir/pkg/types"
)

const googleCSEBaseURL = "https://www.googleapis.com/customsearch/v1"

// GoogleCSE searches a Google Programmable Search engine. The same adapter
// backs "places" (an engine restricted to maps and review sites) and the
// unrestricted "web" fallback; only the engine ID differs.
type GoogleCSE struct {
	c      *client
	apiKey string
	cx     string
}

// NewGoogleCSE creates a provider named name over search engine cx.
func NewGoogleCSE(name, apiKey, cx string, cfg ClientConfig) *GoogleCSE {
	return &GoogleCSE{c: newClient(name, googleCSEBaseURL, cfg), apiKey: apiKey, cx: cx}
}

type googleCSEResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
		Pagemap struct {
			CSEImage []struct {
				Src string `json:"src"`
			} `json:"cse_image"`
			Metatags []map[string]string `json:"metatags"`
		} `json:"pagemap"`
	} `json:"items"`
}

// Name returns the configured provider name.
func (p *GoogleCSE) Name() string { return p.c.name }

// Search queries the engine. Results have no stable ID beyond the link,
// which is used as ProviderID. The API caps num at 10.
func (p *GoogleCSE) Search(ctx context.Context, query string, limit int) ([]types.ExternalHit, error) {
	n := clampLimit(limit, 10)
	params := url.Values{
		"key": {p.apiKey},
		"cx":  {p.cx},
		"q":   {query},
		"num": {strconv.Itoa(n)},
	}
	var resp googleCSEResponse
	if err := p.c.getJSON(ctx, "", params, &resp); err != nil {
		return nil, err
	}

	items := resp.Items
	if len(items) > n {
		items = items[:n]
	}
	hits := make([]types.ExternalHit, 0, len(items))
	for i, it := range items {
		image := ""
		if len(it.Pagemap.CSEImage) > 0 {
			image = it.Pagemap.CSEImage[0].Src
		} else if len(it.Pagemap.Metatags) > 0 {
			image = it.Pagemap.Metatags[0]["og:image"]
			if image == "" {
				image = it.Pagemap.Metatags[0]["twitter:image"]
			}
		}
		hits = append(hits, types.ExternalHit{
			Provider:   p.Name(),
			ProviderID: it.Link,
			Relevance:  positional(i, len(items)),
			Result: types.NormalizedResult{
				Title:       it.Title,
				Thumbnail:   image,
				Description: it.Snippet,
				URL:         it.Link,
			},
		})
	}
	return hits, nil
}

// Compile-time assertion.
var _ ContentProvider = (*GoogleCSE)(nil)
