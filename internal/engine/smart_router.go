package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/internal/providers"
	"github.com/scrypster/memoir/pkg/types"
)

const (
	defaultSmartTopK     = 10
	defaultProviderLimit = 5
)

// SmartRouter blends semantic hits with live results from the external
// catalogs mapped to the query's intent. A slow or failing catalog is
// reported in PartialFailures; only a semantic search error fails the query.
type SmartRouter struct {
	search   *SemanticSearch
	detector *IntentDetector
	byIntent map[types.Intent][]providers.ContentProvider
	fallback []providers.ContentProvider
	timeout  time.Duration
}

// NewSmartRouter resolves cfg's intent mapping against registry once.
// Names with no registered adapter are logged and skipped.
func NewSmartRouter(search *SemanticSearch, detector *IntentDetector, registry *providers.Registry, cfg Config) *SmartRouter {
	resolve := func(names []string, scope string) []providers.ContentProvider {
		var out []providers.ContentProvider
		for _, n := range names {
			p, ok := registry.Get(n)
			if !ok {
				log.Printf("[router.provider.missing] scope=%s provider=%s", scope, n)
				continue
			}
			out = append(out, p)
		}
		return out
	}

	byIntent := make(map[types.Intent][]providers.ContentProvider, len(cfg.IntentProviders))
	for intent, names := range cfg.IntentProviders {
		byIntent[intent] = resolve(names, string(intent))
	}

	return &SmartRouter{
		search:   search,
		detector: detector,
		byIntent: byIntent,
		fallback: resolve(cfg.FallbackProviders, "fallback"),
		timeout:  cfg.ProviderTimeout,
	}
}

// providerOutcome is the result of one provider call.
type providerOutcome struct {
	hits    []types.ExternalHit
	failure *types.ProviderFailure
}

// Route runs a smart search.
func (r *SmartRouter) Route(ctx context.Context, text string, opts SmartOptions) (*types.SmartResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: query text is required", apperrors.ErrInvalidInput)
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultSmartTopK
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultProviderLimit
	}

	var detected IntentResult
	if forced := types.ParseIntent(string(opts.ForceIntent)); forced != types.IntentUnknown {
		detected = IntentResult{Intent: forced, Query: text, Confidence: 1, Source: IntentSourceForced}
	} else {
		detected = r.detector.Detect(ctx, text)
	}

	result := &types.SmartResult{
		Intent:                 detected.Intent,
		SearchQuery:            detected.Query,
		SemanticHits:           []types.SemanticHit{},
		ExternalHitsByProvider: map[string][]types.ExternalHit{},
		PartialFailures:        []types.ProviderFailure{},
	}

	provs := r.byIntent[detected.Intent]
	outcomes := make([]providerOutcome, len(provs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.search.Search(gctx, text, opts.TopK, opts.Filter)
		if err != nil {
			return fmt.Errorf("semantic search: %w", err)
		}
		result.SemanticHits = hits
		return nil
	})
	for i, p := range provs {
		g.Go(func() error {
			outcomes[i] = r.callProvider(gctx, p, detected.Query, opts.Limit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(provs) > 0 && len(r.fallback) > 0 && allEmpty(outcomes) {
		log.Printf("[router.fallback] intent=%s providers=%d", detected.Intent, len(r.fallback))
		fb := make([]providerOutcome, len(r.fallback))
		fg, fctx := errgroup.WithContext(ctx)
		for i, p := range r.fallback {
			fg.Go(func() error {
				fb[i] = r.callProvider(fctx, p, detected.Query, opts.Limit)
				return nil
			})
		}
		_ = fg.Wait()
		outcomes = append(outcomes, fb...)
	}

	var hits []types.ExternalHit
	for _, o := range outcomes {
		if o.failure != nil {
			result.PartialFailures = append(result.PartialFailures, *o.failure)
			continue
		}
		hits = append(hits, o.hits...)
	}
	result.ExternalHitsByProvider = MergeExternalHits(hits)

	if len(result.PartialFailures) > 0 {
		log.Printf("[router.partial] intent=%s failed=%d", detected.Intent, len(result.PartialFailures))
	}
	return result, nil
}

// callProvider queries p under its own deadline. The wait is bounded even if
// p ignores cancellation.
func (r *SmartRouter) callProvider(ctx context.Context, p providers.ContentProvider, query string, limit int) providerOutcome {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type reply struct {
		hits []types.ExternalHit
		err  error
	}
	ch := make(chan reply, 1)
	start := time.Now()
	go func() {
		hits, err := p.Search(pctx, query, limit)
		ch <- reply{hits, err}
	}()

	var (
		rep      reply
		timedOut bool
	)
	select {
	case rep = <-ch:
		timedOut = rep.err != nil && (apperrors.IsTimeout(rep.err) || errors.Is(pctx.Err(), context.DeadlineExceeded))
	case <-pctx.Done():
		rep.err = pctx.Err()
		timedOut = errors.Is(rep.err, context.DeadlineExceeded)
	}

	name := p.Name()
	if rep.err != nil {
		outcome := metrics.OutcomeError
		if timedOut {
			outcome = metrics.OutcomeTimeout
		}
		metrics.RecordProvider(name, outcome, time.Since(start))
		log.Printf("WARNING: [router.provider.failed] provider=%s timed_out=%v error=%v", name, timedOut, rep.err)
		return providerOutcome{failure: &types.ProviderFailure{Provider: name, Reason: rep.err.Error(), TimedOut: timedOut}}
	}

	metrics.RecordProvider(name, metrics.OutcomeOK, time.Since(start))
	for i := range rep.hits {
		if rep.hits[i].Provider == "" {
			rep.hits[i].Provider = name
		}
	}
	return providerOutcome{hits: rep.hits}
}

func allEmpty(outcomes []providerOutcome) bool {
	for _, o := range outcomes {
		if o.failure != nil || len(o.hits) > 0 {
			return false
		}
	}
	return true
}

// MergeExternalHits dedupes hits and groups them by provider. The dedupe key
// is provider:providerID when an ID exists, otherwise normalized title and
// year; the most relevant duplicate wins. Groups are sorted by relevance
// descending, then title ascending.
func MergeExternalHits(hits []types.ExternalHit) map[string][]types.ExternalHit {
	best := make(map[string]types.ExternalHit, len(hits))
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		key := dedupeKey(h)
		prev, seen := best[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || h.Relevance > prev.Relevance {
			best[key] = h
		}
	}

	grouped := make(map[string][]types.ExternalHit)
	for _, key := range order {
		h := best[key]
		grouped[h.Provider] = append(grouped[h.Provider], h)
	}
	for _, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Relevance != group[j].Relevance {
				return group[i].Relevance > group[j].Relevance
			}
			if group[i].Result.Title != group[j].Result.Title {
				return group[i].Result.Title < group[j].Result.Title
			}
			return group[i].ProviderID < group[j].ProviderID
		})
	}
	return grouped
}

func dedupeKey(h types.ExternalHit) string {
	if h.ProviderID != "" {
		return h.Provider + ":" + h.ProviderID
	}
	return normalizeTitle(h.Result.Title) + "|" + h.Result.Year
}

// normalizeTitle lower-cases and keeps letters and digits separated by single spaces.
func normalizeTitle(title string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
