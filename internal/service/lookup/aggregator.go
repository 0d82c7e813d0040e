package lookup

import (
	"context"
	"log"
	"time"

	"github.com/wrenfield/sage/backend/internal/model/lookup"
)

// Aggregator merges results from a fixed priority order of providers.
// Search never fails: a broken provider degrades to an empty contribution.
type Aggregator struct {
	providers []Provider
	topK      int
	timeout   time.Duration
}

// NewAggregator wires providers in priority order (primary first).
func NewAggregator(topK int, timeout time.Duration, providers ...Provider) *Aggregator {
	if topK <= 0 {
		topK = 3
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Aggregator{providers: providers, topK: topK, timeout: timeout}
}

// Search queries every provider in order and merges their results. The
// primary provider's ordering is preserved; lower-priority results are
// appended only when their URL has not been seen yet. Results without a
// URL are never treated as duplicates.
func (a *Aggregator) Search(ctx context.Context, query string) []lookup.Result {
	var merged []lookup.Result
	seen := make(map[string]bool)

	for _, provider := range a.providers {
		results := a.searchProvider(ctx, provider, query)
		for _, r := range results {
			if r.URL != "" {
				if seen[r.URL] {
					continue
				}
				seen[r.URL] = true
			}
			merged = append(merged, r)
		}
	}
	return merged
}

func (a *Aggregator) searchProvider(ctx context.Context, provider Provider, query string) []lookup.Result {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results, err := provider.Search(callCtx, query, a.topK)
	if err != nil {
		log.Printf("[lookup] provider %s failed: %v", provider.Name(), err)
		return nil
	}
	if len(results) > a.topK {
		results = results[:a.topK]
	}
	return results
}
