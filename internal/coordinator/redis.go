// Package coordinator implements distributed coordination over Redis for
// connection pooling across multiple proxy instances.
//
// It provides:
//   - Atomic acquire/release of global admission slots via Lua scripts
//   - A cancel-key directory so a cancel request landing on any instance
//     can locate the session's owning instance
//   - Per-instance connection tracking for auditability
//   - Fallback mode (local-only limits) when Redis is unavailable
//   - Pub/Sub notifications for cross-instance queue wakeups
package coordinator

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// secondsToDuration converts a whole-seconds TTL to a time.Duration.
func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// ── Redis key patterns ──────────────────────────────────────────────────
const (
	keyRouteCount   = "pgpool:route:%s:count"     // global connection count per route
	keyRouteMax     = "pgpool:route:%s:max"       // max connections per route
	keyInstanceConn = "pgpool:instance:%s:conns"  // hash: route_id -> local count
	keyInstanceHB   = "pgpool:instance:%s:heartbeat"
	keyInstanceList = "pgpool:instances" // set of active instance IDs
	channelRelease  = "pgpool:release:%s"

	// keyCancelDir maps "<pid>:<key>" -> owning instance ID, so a cancel
	// request arriving at any instance can look up the instance actually
	// holding that session (the request itself is not forwarded there).
	keyCancelDir = "pgpool:cancel:%d:%d"
)

// RedisCoordinator manages distributed connection admission limits and the
// cancel-key directory via Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string

	// SHA hashes of the Lua scripts, loaded once at startup.
	acquireSHA string
	releaseSHA string

	// fallbackMode tracks whether Redis is unavailable and we are
	// operating on local limits only.
	fallbackMode atomic.Bool

	// fallbackCounts tracks local connection counts per route while in
	// fallback mode.
	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	// subscribers holds the Pub/Sub subscriptions keyed by route.
	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisCoordinator creates and initialises the distributed coordinator.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Proxy.InstanceID,
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[string]*redis.PubSub),
		stopCh:         make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			rc.fallbackMode.Store(true)
			metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}

	if err := rc.initRouteLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing route limits: %w", err)
	}

	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] initialized: instance=%s, %d routes registered",
		rc.instanceID, len(cfg.Routes))

	return rc, nil
}

// loadScripts loads the Lua scripts into Redis and caches their SHA hashes.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha

	log.Printf("[coordinator] lua scripts loaded (acquire=%s..., release=%s...)",
		rc.acquireSHA[:8], rc.releaseSHA[:8])
	return nil
}

// initRouteLimits sets the maximum connection count for each route in
// Redis.
func (rc *RedisCoordinator) initRouteLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for _, r := range rc.cfg.Routes {
		maxKey := fmt.Sprintf(keyRouteMax, r.ID)
		pipe.Set(ctx, maxKey, r.MaxConnections, 0)

		countKey := fmt.Sprintf(keyRouteCount, r.ID)
		pipe.SetNX(ctx, countKey, 0, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// registerInstance adds this instance to the set of active instances.
func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)

	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for _, r := range rc.cfg.Routes {
		pipe.HSetNX(ctx, instKey, r.ID, 0)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// ── Acquire / Release ────────────────────────────────────────────────────

// Acquire atomically increments the global connection count for a route.
// Returns nil if a slot was acquired, or an error if the route is at
// capacity or Redis failed.
func (rc *RedisCoordinator) Acquire(ctx context.Context, routeID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(routeID)
	}

	countKey := fmt.Sprintf(keyRouteCount, routeID)
	maxKey := fmt.Sprintf(keyRouteMax, routeID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{countKey, maxKey, instKey},
		routeID, rc.instanceID,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			log.Printf("[coordinator] redis acquire failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.acquireFallback(routeID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	if result == -1 {
		return fmt.Errorf("route %s at max capacity", routeID)
	}
	if result == -2 {
		return fmt.Errorf("route %s max not configured in redis", routeID)
	}

	return nil
}

// Release atomically decrements the global connection count for a route
// and publishes a notification for waiting instances.
func (rc *RedisCoordinator) Release(ctx context.Context, routeID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(routeID)
		return nil
	}

	countKey := fmt.Sprintf(keyRouteCount, routeID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	channel := fmt.Sprintf(channelRelease, routeID)

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{countKey, instKey},
		routeID, channel,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(routeID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Cross-instance cancel-key directory ──────────────────────────────────

// RegisterCancelKey publishes that this instance owns the session
// identified by (pid, key), so a cancel request landing on any instance
// can find this owner; the router logs the owner and does not forward the
// request. The entry expires with ttl as a backstop against
// a crashed instance leaving stale directory entries.
func (rc *RedisCoordinator) RegisterCancelKey(ctx context.Context, pid, key uint32, ttl int64) error {
	if rc.fallbackMode.Load() {
		return nil // cancel forwarding across instances is unavailable in fallback mode
	}
	k := fmt.Sprintf(keyCancelDir, pid, key)
	return rc.client.Set(ctx, k, rc.instanceID, secondsToDuration(ttl)).Err()
}

// LookupCancelKey returns the instance ID that registered (pid, key), or
// ok=false if no entry exists (including while in fallback mode).
func (rc *RedisCoordinator) LookupCancelKey(ctx context.Context, pid, key uint32) (instanceID string, ok bool) {
	if rc.fallbackMode.Load() {
		return "", false
	}
	k := fmt.Sprintf(keyCancelDir, pid, key)
	val, err := rc.client.Get(ctx, k).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// UnregisterCancelKey removes the directory entry for (pid, key).
func (rc *RedisCoordinator) UnregisterCancelKey(ctx context.Context, pid, key uint32) {
	if rc.fallbackMode.Load() {
		return
	}
	k := fmt.Sprintf(keyCancelDir, pid, key)
	rc.client.Del(ctx, k)
}

// ── Pub/Sub for cross-instance notification ──────────────────────────────

// Subscribe creates a Pub/Sub subscription for release notifications on a
// route. It returns a channel that receives the route ID whenever a
// connection is released by any instance.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, routeID string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	channel := fmt.Sprintf(channelRelease, routeID)
	sub := rc.client.Subscribe(ctx, channel)

	rc.subMu.Lock()
	rc.subscribers[routeID] = sub
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
					// Drop if the consumer is slow (anti-thundering-herd).
				}
			}
		}
	}()

	return notifyCh, nil
}

// ── Fallback mode ─────────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback attempts to reconnect to Redis and leave fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	if err := rc.loadScripts(ctx); err != nil {
		return err
	}

	if err := rc.reconcileCounts(ctx); err != nil {
		log.Printf("[coordinator] reconciliation failed: %v", err)
		return err
	}

	rc.fallbackMode.Store(false)
	log.Printf("[coordinator] exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback returns true if the coordinator is in fallback mode.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(routeID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(routeID)
	current := rc.fallbackCounts[routeID]

	if current >= localMax {
		return fmt.Errorf("route %s at local fallback limit (%d/%d)",
			routeID, current, localMax)
	}

	rc.fallbackCounts[routeID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(routeID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackCounts[routeID] > 0 {
		rc.fallbackCounts[routeID]--
	}
}

// localLimit computes the per-instance connection limit used in fallback
// mode.
func (rc *RedisCoordinator) localLimit(routeID string) int {
	for _, r := range rc.cfg.Routes {
		if r.ID == routeID {
			divisor := rc.cfg.Fallback.LocalLimitDivisor
			if divisor <= 0 {
				divisor = 3
			}
			limit := r.MaxConnections / divisor
			if limit < 1 {
				limit = 1
			}
			return limit
		}
	}
	return 1
}

// reconcileCounts syncs local fallback counts back to Redis after
// reconnection.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	for routeID, count := range counts {
		pipe.HSet(ctx, instKey, routeID, count)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	log.Printf("[coordinator] reconciled %d route counts to redis", len(counts))
	return nil
}

// ── Queries ────────────────────────────────────────────────────────────────

// GlobalCount returns the current global connection count for a route.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, routeID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[routeID], nil
	}

	countKey := fmt.Sprintf(keyRouteCount, routeID)
	val, err := rc.client.Get(ctx, countKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns the per-route connection counts for a given
// instance.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	instKey := fmt.Sprintf(keyInstanceConn, instanceID)
	result, err := rc.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the set of active instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// ── Lifecycle ────────────────────────────────────────────────────────────

// Close shuts down the coordinator, deregisters the instance, and closes
// the Redis connection.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	rc.subMu.Lock()
	for _, sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		rc.client.SRem(ctx, keyInstanceList, rc.instanceID)
		instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
		rc.client.Del(ctx, instKey)
		hbKey := fmt.Sprintf(keyInstanceHB, rc.instanceID)
		rc.client.Del(ctx, hbKey)
	}

	log.Printf("[coordinator] instance %s unregistered", rc.instanceID)
	return rc.client.Close()
}

// Client returns the underlying Redis client (for heartbeat and other
// internal uses).
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
