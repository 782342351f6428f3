package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/develogon/contentpipe/internal/cache"
	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/ratelimiter"
)

// CachingGenerator decorates a Generator with request-level
// machinery: a deterministic cache lookup keyed by the
// generation inputs, and rate-limit admission before each outbound
// call. A cache hit bypasses both the limiter and the inner generator.
type CachingGenerator struct {
	inner   Generator
	cache   *cache.Cache
	limiter *ratelimiter.Limiter

	// model and sampling parameters participate in the cache key so two
	// deployments pointed at different backends never share entries.
	model       string
	maxTokens   int
	temperature float64
	ttl         time.Duration
}

// CachingConfig configures a CachingGenerator.
type CachingConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TTL         time.Duration
}

// NewCachingGenerator wraps inner with cache and limiter. Either may be
// nil, disabling that half of the wrapper.
func NewCachingGenerator(inner Generator, c *cache.Cache, limiter *ratelimiter.Limiter, cfg CachingConfig) *CachingGenerator {
	return &CachingGenerator{
		inner:       inner,
		cache:       c,
		limiter:     limiter,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		ttl:         cfg.TTL,
	}
}

func (g *CachingGenerator) Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error) {
	key := g.cacheKey(kind, paragraph, section)

	if g.cache != nil {
		if cached, ok := g.cache.Get(key); ok {
			if item, ok := cached.(event.ContentItem); ok {
				return item, nil
			}
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx); err != nil {
			return event.ContentItem{}, err
		}
		defer g.limiter.Release()
	}

	item, err := g.inner.Generate(ctx, kind, paragraph, section)
	if err != nil {
		return event.ContentItem{}, err
	}

	if g.cache != nil {
		g.cache.Put(key, item, g.ttl)
	}
	return item, nil
}

// cacheKey hashes everything that determines the upstream request: the
// generation kind stands in for the prompt template, the paragraph and
// section supply its variable parts, and the model/sampling parameters
// come from this wrapper's configuration.
func (g *CachingGenerator) cacheKey(kind event.ContentKind, paragraph event.Paragraph, section event.Section) string {
	prompt := fmt.Sprintf("%s|%s|%s", kind, section.Title, paragraph.Content)
	return cache.Key(prompt, g.model, g.maxTokens, g.temperature, "")
}

// FailoverGenerator tries a sequence of backends in order, moving to
// the next only when the current one fails. The AI worker sees a
// single Generator; which backend produced an item is recorded on the
// ContentItem's metadata.
type FailoverGenerator struct {
	backends []NamedGenerator
}

// NamedGenerator pairs a Generator with its backend name for
// attribution on generated items.
type NamedGenerator struct {
	Name string
	Gen  Generator
}

// NewFailoverGenerator builds a FailoverGenerator over backends, which
// must be non-empty.
func NewFailoverGenerator(backends ...NamedGenerator) (*FailoverGenerator, error) {
	if len(backends) == 0 {
		return nil, errors.New("ai: at least one generation backend is required")
	}
	return &FailoverGenerator{backends: backends}, nil
}

func (g *FailoverGenerator) Generate(ctx context.Context, kind event.ContentKind, paragraph event.Paragraph, section event.Section) (event.ContentItem, error) {
	var lastErr error
	for _, backend := range g.backends {
		if err := ctx.Err(); err != nil {
			return event.ContentItem{}, err
		}
		item, err := backend.Gen.Generate(ctx, kind, paragraph, section)
		if err != nil {
			lastErr = err
			continue
		}
		if item.Metadata == nil {
			item.Metadata = make(map[string]any)
		}
		item.Metadata["generator_backend"] = backend.Name
		return item, nil
	}
	return event.ContentItem{}, fmt.Errorf("ai: all %d generation backends failed: %w", len(g.backends), lastErr)
}
