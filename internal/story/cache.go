package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KV is the external key-value tier of the snapshot cache. The Redis
// adapter in internal/infra satisfies it.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

const cacheKeyPrefix = "story:snapshot:"

// SnapshotCache is the two-tier snapshot cache: a bounded in-process L1 in
// front of an external KV L2 with TTL, in front of the state manager.
// On L2 failure it degrades to L1 + repository and keeps serving.
type SnapshotCache struct {
	manager *Manager
	kv      KV
	ttl     time.Duration
	maxL1   int
	metrics *Metrics

	mu sync.Mutex
	l1 map[string]l1Entry
}

type l1Entry struct {
	snapshot  *Snapshot
	expiresAt time.Time
}

// NewSnapshotCache creates the cache. ttl defaults to one hour, maxL1 to
// ten thousand entries.
func NewSnapshotCache(manager *Manager, kv KV, ttl time.Duration, maxL1 int) *SnapshotCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxL1 <= 0 {
		maxL1 = 10000
	}
	return &SnapshotCache{
		manager: manager,
		kv:      kv,
		ttl:     ttl,
		maxL1:   maxL1,
		metrics: NewMetrics(),
		l1:      make(map[string]l1Entry),
	}
}

// Get returns the player's snapshot, consulting L1, then L2, then the
// state manager. forceRefresh bypasses both tiers and repopulates them.
func (c *SnapshotCache) Get(ctx context.Context, playerID string, forceRefresh bool) (*Snapshot, error) {
	start := time.Now()
	defer func() {
		c.metrics.SnapshotLatency.Observe(time.Since(start).Seconds())
	}()

	if !forceRefresh {
		if snap := c.l1Get(playerID); snap != nil {
			c.metrics.CacheHits.WithLabelValues("l1").Inc()
			return snap, nil
		}
		if snap := c.l2Get(ctx, playerID); snap != nil {
			c.metrics.CacheHits.WithLabelValues("l2").Inc()
			c.l1Put(playerID, snap)
			return snap, nil
		}
	}

	c.metrics.CacheMisses.Inc()
	snap, err := c.manager.GetSnapshot(ctx, playerID)
	if err != nil {
		// Do not populate caches on a state-manager error.
		return nil, err
	}
	c.l2Put(ctx, playerID, snap)
	c.l1Put(playerID, snap)
	return snap, nil
}

// Invalidate drops the player's snapshot from both tiers.
func (c *SnapshotCache) Invalidate(ctx context.Context, playerID string) {
	c.mu.Lock()
	delete(c.l1, playerID)
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	if err := c.kv.Del(ctx, cacheKeyPrefix+playerID); err != nil {
		slog.Warn("[SnapshotCache] L2 invalidate failed", "player", playerID, "error", err)
	}
}

// Warm refreshes snapshots for a set of players with bounded concurrency.
func (c *SnapshotCache) Warm(ctx context.Context, playerIDs []string) {
	const parallel = 8
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for _, id := range playerIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(playerID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.Get(ctx, playerID, true); err != nil {
				slog.Warn("[SnapshotCache] Warm failed", "player", playerID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (c *SnapshotCache) l1Get(playerID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.l1[playerID]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.l1, playerID)
		return nil
	}
	return entry.snapshot
}

func (c *SnapshotCache) l1Put(playerID string, snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.l1) >= c.maxL1 {
		// Evict the entry closest to expiry.
		var victim string
		var earliest time.Time
		for id, entry := range c.l1 {
			if victim == "" || entry.expiresAt.Before(earliest) {
				victim = id
				earliest = entry.expiresAt
			}
		}
		delete(c.l1, victim)
	}
	c.l1[playerID] = l1Entry{snapshot: snap, expiresAt: time.Now().Add(c.ttl)}
}

func (c *SnapshotCache) l2Get(ctx context.Context, playerID string) *Snapshot {
	if c.kv == nil {
		return nil
	}
	raw, err := c.kv.Get(ctx, cacheKeyPrefix+playerID)
	if err != nil || raw == nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("[SnapshotCache] Corrupt L2 entry dropped", "player", playerID, "error", err)
		_ = c.kv.Del(ctx, cacheKeyPrefix+playerID)
		return nil
	}
	return &snap
}

func (c *SnapshotCache) l2Put(ctx context.Context, playerID string, snap *Snapshot) {
	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		slog.Error("[SnapshotCache] Marshal snapshot", "player", playerID, "error", err)
		return
	}
	if err := c.kv.Set(ctx, cacheKeyPrefix+playerID, raw, c.ttl); err != nil {
		slog.Warn("[SnapshotCache] L2 populate failed", "player", playerID, "error", err)
	}
}

// Len reports the L1 entry count, for health details.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.l1)
}

var _ Invalidator = (*SnapshotCache)(nil)

// String implements fmt.Stringer for debug logging.
func (c *SnapshotCache) String() string {
	return fmt.Sprintf("SnapshotCache[l1=%d ttl=%s]", c.Len(), c.ttl)
}
