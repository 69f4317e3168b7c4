package providers

import (
	"log"
	"sort"
	"strings"
)

// Provider names used in intent mappings and in SmartResult groups.
const (
	NameMovies  = "movies"
	NameBooks   = "books"
	NamePlaces  = "places"
	NameRecipes = "recipes"
	NameWeb     = "web"
)

// Keys carries the credentials for every adapter. An adapter whose
// credentials are missing is not registered.
type Keys struct {
	TMDB         string
	TMDBLanguage string
	GoogleBooks  string
	GoogleCSE    string
	PlacesCX     string
	WebCX        string
	Spoonacular  string
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]ContentProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ContentProvider)}
}

// Register adds or replaces p under p.Name().
func (r *Registry) Register(p ContentProvider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (ContentProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build registers every adapter with credentials and logs the rest.
func Build(keys Keys, cfg ClientConfig) *Registry {
	r := NewRegistry()
	var skipped []string

	if keys.TMDB != "" {
		r.Register(NewTMDB(keys.TMDB, keys.TMDBLanguage, cfg))
	} else {
		skipped = append(skipped, NameMovies)
	}
	if keys.GoogleBooks != "" {
		r.Register(NewGoogleBooks(keys.GoogleBooks, cfg))
	} else {
		skipped = append(skipped, NameBooks)
	}
	if keys.GoogleCSE != "" && keys.PlacesCX != "" {
		r.Register(NewGoogleCSE(NamePlaces, keys.GoogleCSE, keys.PlacesCX, cfg))
	} else {
		skipped = append(skipped, NamePlaces)
	}
	if keys.Spoonacular != "" {
		r.Register(NewSpoonacular(keys.Spoonacular, cfg))
	} else {
		skipped = append(skipped, NameRecipes)
	}
	if keys.GoogleCSE != "" && keys.WebCX != "" {
		r.Register(NewGoogleCSE(NameWeb, keys.GoogleCSE, keys.WebCX, cfg))
	} else {
		skipped = append(skipped, NameWeb)
	}

	if len(skipped) > 0 {
		log.Printf("[providers.skipped] missing credentials for: %s", strings.Join(skipped, ", "))
	}
	return r
}
