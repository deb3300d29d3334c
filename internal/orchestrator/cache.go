package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/lens/internal/aggregate"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/metrics"
)

// Cache stores aggregation results by request fingerprint. Get must return
// a value the caller may modify.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.AggregationResult, bool, error)
	Set(ctx context.Context, key string, res *domain.AggregationResult, ttl time.Duration) error
}

// CacheKey fingerprints a request: payload digest plus a digest of the
// options that shape the combined list.
func CacheKey(data []byte, category domain.Category, opts aggregate.Options) string {
	payload := sha256.Sum256(data)
	optsSum := sha256.Sum256(fmt.Appendf(nil, "%s|%.9f|%d", category, opts.MinConfidence, opts.MaxResults))
	return hex.EncodeToString(payload[:]) + ":" + hex.EncodeToString(optsSum[:8])
}

// cacheGet treats every cache error as a miss.
func (o *Orchestrator) cacheGet(ctx context.Context, key string, log *slog.Logger) (*domain.AggregationResult, bool) {
	if o.cache == nil {
		return nil, false
	}
	res, ok, err := o.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		log.Warn("Cache lookup failed", "error", err)
		return nil, false
	case !ok || res == nil:
		metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		return nil, false
	default:
		metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
		return res, true
	}
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, res *domain.AggregationResult, log *slog.Logger) {
	if o.cache == nil || o.cfg.CacheTTL <= 0 {
		return
	}
	if err := o.cache.Set(ctx, key, res, o.cfg.CacheTTL); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("set", "error").Inc()
		log.Warn("Cache write failed", "error", err)
		return
	}
	metrics.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
}
