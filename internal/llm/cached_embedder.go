package llm

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// CachedEmbedder wraps an Embedder with an LRU cache, a rate limiter and
// bounded retries. Repeated embeds of identical text (dedup checks, query
// re-runs) hit the cache; everything else is throttled so a burst of session
// writes cannot saturate the model server.
type CachedEmbedder struct {
	inner    Embedder
	cache    *lru.Cache[[32]byte, []float32]
	limiter  *rate.Limiter
	maxTries uint
}

var _ Embedder = (*CachedEmbedder)(nil)

// CachedEmbedderConfig tunes the wrapper. Zero values get defaults.
type CachedEmbedderConfig struct {
	// CacheSize is the number of embeddings kept. Default 2048.
	CacheSize int

	// RequestsPerSecond throttles calls to the inner embedder. Default 10.
	RequestsPerSecond float64

	// Burst is the limiter burst. Default 5.
	Burst int

	// MaxTries bounds retry attempts per call. Default 3.
	MaxTries uint
}

// NewCachedEmbedder wraps inner with caching, throttling and retries.
func NewCachedEmbedder(inner Embedder, config CachedEmbedderConfig) (*CachedEmbedder, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = 2048
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}
	if config.MaxTries == 0 {
		config.MaxTries = 3
	}

	cache, err := lru.New[[32]byte, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}

	return &CachedEmbedder{
		inner:    inner,
		cache:    cache,
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		maxTries: config.MaxTries,
	}, nil
}

// Embed returns the cached vector when available, otherwise calls the inner
// embedder with retries. Exhausted retries surface the last error; callers
// decide whether to degrade.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedder: rate limit wait: %w", err)
	}

	vec, err := backoff.Retry(ctx, func() ([]float32, error) {
		v, err := e.inner.Embed(ctx, text)
		if err != nil {
			// An open circuit will not heal within our retry budget.
			if errors.Is(err, ErrCircuitOpen) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return v, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(e.maxTries))
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	e.cache.Add(key, vec)
	return vec, nil
}
