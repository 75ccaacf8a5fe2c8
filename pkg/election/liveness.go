package election

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlead/internal/telemetry"
	"github.com/ryandielhenn/zephyrlead/pkg/identity"
)

// handleTick runs once per heartbeat interval: refresh our own durable
// heartbeat record, then evict any tracked peer whose record has gone
// stale. This is the only path that repairs a crashed active peer that
// never sent a goodbye; without it the group could stall with no active
// peer at all.
func (c *Coordinator) handleTick() {
	now := time.Now()
	c.writeHeartbeat()
	for _, p := range c.scanPeers(now) {
		c.maybePromote(p)
	}
	c.notify()
}

// writeHeartbeat stores the current time under our own record. A failed
// write is a degraded state, not a fatal one: we risk wrongful eviction by
// peers but keep participating.
func (c *Coordinator) writeHeartbeat() {
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.cfg.Store.Set(ctx, c.heartbeatKey(c.id), ts); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues(c.id.String(), "set").Inc()
		c.log.Warn("heartbeat write failed", zap.Error(err))
	}
}

// scanPeers evicts and returns every tracked peer whose heartbeat record is
// older than the timeout. A peer whose record cannot be read is skipped: a
// flaky store must never look like a crashed peer.
func (c *Coordinator) scanPeers(now time.Time) []identity.PeerID {
	var evicted []identity.PeerID
	for p, seen := range c.peers {
		age, err := c.recordAge(p, now)
		if err != nil {
			continue
		}
		if age < 0 {
			// No record yet (a peer we only know from messages):
			// measure from the last message instead.
			age = now.Sub(seen)
		}
		if age > c.cfg.HeartbeatTimeout {
			evicted = append(evicted, p)
		}
	}
	for _, p := range evicted {
		c.log.Info("evicting stale peer", zap.String("of", p.String()))
		telemetry.EvictionsTotal.WithLabelValues(c.id.String()).Inc()
		c.forget(p)
	}
	return evicted
}

// recordAge returns how old p's heartbeat record is, or a negative duration
// when the record is absent or unparseable.
func (c *Coordinator) recordAge(p identity.PeerID, now time.Time) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	v, ok, err := c.cfg.Store.Get(ctx, c.heartbeatKey(p))
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues(c.id.String(), "get").Inc()
		c.log.Warn("heartbeat read failed", zap.String("of", p.String()), zap.Error(err))
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	ns, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil {
		return -1, nil
	}
	return now.Sub(time.Unix(0, ns)), nil
}
