// Package dedup is the Deduplicator: a per-fingerprint last-seen gate
// with a HyperLogLog-backed unique-count/dedup-rate estimate. Ported
// from DeduplicationService.java's Redis GET/SET-with-TTL plus PFADD
// pattern; deduplication is an optimization here, not a correctness
// invariant, so any Redis error fails open.
package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/firecore/platform/internal/model"
	"github.com/firecore/platform/pkg/config"
)

const (
	lastSeenKeyPrefix = "alarm:last-seen:"
	hllKeyPrefix      = "alarm:hll:"
)

// Deduplicator gates candidate alarms by fingerprint.
type Deduplicator struct {
	redis  *redis.Client
	cfg    config.DedupConfig
	logger *zap.Logger
}

// New builds a Deduplicator.
func New(redisClient *redis.Client, cfg config.DedupConfig, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{redis: redisClient, cfg: cfg, logger: logger}
}

// IsNew reports whether fp has not been seen within the dedup window.
// On true it records the occurrence (last-seen key plus HLL insertion).
// Any Redis failure fails open, returning true so a live store outage
// never blocks alarm delivery.
func (d *Deduplicator) IsNew(ctx context.Context, fp model.Fingerprint) bool {
	if !d.cfg.Enabled {
		return true
	}

	window := time.Duration(d.cfg.WindowSeconds) * time.Second
	key := lastSeenKeyPrefix + fp.String()

	// SET NX first: only the first caller within the window wins, and the
	// operation is atomic even under concurrent evaluators.
	ok, err := d.redis.SetNX(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), window).Result()
	if err != nil {
		d.logger.Warn("dedup check failed, failing open", zap.String("fingerprint", key), zap.Error(err))
		return true
	}
	if !ok {
		return false
	}

	hllKey := hllKeyPrefix + fp.RuleID
	member := fp.String() + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := d.redis.PFAdd(ctx, hllKey, member).Err(); err != nil {
		d.logger.Warn("hll add failed", zap.String("key", hllKey), zap.Error(err))
	}
	d.redis.Expire(ctx, hllKey, window)

	return true
}

// UniqueCount returns the approximate number of distinct alarms
// produced for ruleID within the current dedup window.
func (d *Deduplicator) UniqueCount(ctx context.Context, ruleID string) int64 {
	count, err := d.redis.PFCount(ctx, hllKeyPrefix+ruleID).Result()
	if err != nil {
		d.logger.Warn("hll count failed", zap.String("rule_id", ruleID), zap.Error(err))
		return 0
	}
	return count
}

// DedupRate returns the fraction of raw candidate alarms suppressed as
// duplicates across all rules, as a percentage. totalEvents is the
// union cardinality of every rule's HLL (PFCOUNT accepts multiple keys
// directly); lastSeenEvents is the number of fingerprints currently
// gated by a live last-seen key.
func (d *Deduplicator) DedupRate(ctx context.Context) float64 {
	hllKeys, err := d.redis.Keys(ctx, hllKeyPrefix+"*").Result()
	if err != nil || len(hllKeys) == 0 {
		return 0
	}

	totalEvents, err := d.redis.PFCount(ctx, hllKeys...).Result()
	if err != nil || totalEvents == 0 {
		return 0
	}

	lastSeenKeys, err := d.redis.Keys(ctx, lastSeenKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	lastSeenEvents := int64(len(lastSeenKeys))

	suppressed := totalEvents - lastSeenEvents
	if suppressed < 0 {
		suppressed = 0
	}
	return float64(suppressed) / float64(totalEvents) * 100.0
}
