package coordinator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/mateus-silva/pgpool/internal/metrics"
)

// Heartbeat periodically refreshes this instance's liveness key in Redis
// and reconciles connection counts left behind by instances that die
// without releasing their slots.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.Redis.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.Redis.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop signals the heartbeat loop to stop.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

// loop runs the periodic heartbeat and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Run cleanup less often than the heartbeat itself.
	cleanupCounter := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.sendHeartbeat(ctx)

			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	err := hb.coordinator.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err()
	if err != nil {
		log.Printf("[heartbeat] failed to send heartbeat: %v", err)
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances checks registered instances for an expired
// heartbeat and reconciles their orphaned connection counts.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		log.Printf("[heartbeat] failed to list instances: %v", err)
		return
	}

	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}

		hbKey := fmt.Sprintf(keyInstanceHB, instID)
		exists, err := hb.coordinator.client.Exists(ctx, hbKey).Result()
		if err != nil {
			continue
		}

		if exists > 0 {
			continue
		}

		log.Printf("[heartbeat] instance %s appears dead (no heartbeat), cleaning up", instID)
		hb.cleanupInstance(ctx, instID)
	}
}

// cleanupInstance subtracts a dead instance's per-route connection counts
// from the global totals and removes its bookkeeping keys. Removing the
// instance from the instance set comes first and acts as the claim: SREM
// is atomic, so when several survivors race the same cleanup only the one
// that removed the member subtracts the counts.
//
// Cancel-key directory entries belonging to the dead instance are not
// swept here; they carry their own TTL (see RegisterCancelKey) and expire
// on their own, since they are not indexed by instance.
func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) {
	removed, err := hb.coordinator.client.SRem(ctx, keyInstanceList, deadInstanceID).Result()
	if err != nil || removed == 0 {
		return
	}

	instKey := fmt.Sprintf(keyInstanceConn, deadInstanceID)

	counts, err := hb.coordinator.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		log.Printf("[heartbeat] failed to read counts for dead instance %s: %v", deadInstanceID, err)
		return
	}

	pipe := hb.coordinator.client.Pipeline()
	totalRecovered := 0

	for routeID, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}

		countKey := fmt.Sprintf(keyRouteCount, routeID)
		pipe.DecrBy(ctx, countKey, int64(count))
		totalRecovered += count
	}

	pipe.Del(ctx, instKey)

	_, err = pipe.Exec(ctx)
	if err != nil {
		log.Printf("[heartbeat] failed to cleanup dead instance %s: %v", deadInstanceID, err)
		return
	}

	if totalRecovered > 0 {
		log.Printf("[heartbeat] cleaned up dead instance %s: recovered %d connection slots",
			deadInstanceID, totalRecovered)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}

	for routeID := range counts {
		countKey := fmt.Sprintf(keyRouteCount, routeID)
		val, err := hb.coordinator.client.Get(ctx, countKey).Int64()
		if err == nil && val < 0 {
			hb.coordinator.client.Set(ctx, countKey, 0, 0)
			log.Printf("[heartbeat] corrected negative count for route %s", routeID)
		}
	}
}
