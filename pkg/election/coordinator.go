package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlead/internal/telemetry"
	"github.com/ryandielhenn/zephyrlead/pkg/bus"
	"github.com/ryandielhenn/zephyrlead/pkg/identity"
)

type phase uint8

const (
	phaseInit phase = iota
	phaseActive
	phaseDormant
)

// storeOpTimeout bounds individual bus/store calls made from the decision
// loop so a hung backend cannot stall the protocol indefinitely.
const storeOpTimeout = time.Second

// Coordinator is the protocol state machine for one peer. All decisions run
// on a single goroutine fed by an ordered event queue; the exported methods
// only post events and wait for replies.
type Coordinator struct {
	cfg Config
	id  identity.PeerID
	log *zap.Logger

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{} // closed once the decision loop has exited

	// Owned by the decision loop. peers maps each tracked peer to the
	// time we last saw any message from it, used as a liveness fallback
	// while its heartbeat record has not appeared yet.
	phase      phase
	peers      map[identity.PeerID]time.Time
	lastClaim  identity.PeerID // most recent claimant, "" if unknown
	graceTimer *time.Timer
	ticker     *time.Ticker
	unsub      func()
	last       Snapshot

	shutdownOnce sync.Once
	shutdownErr  error
	final        Snapshot // State() result after the loop exits
}

// New starts a peer: it subscribes to the bus, writes an initial heartbeat
// record, announces itself, and schedules the jittered grace window after
// which it self-promotes unless an existing claim was observed. A bus that
// cannot be subscribed is the one fatal construction error.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		id:     identity.New(),
		events: make(chan event, 128),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
		phase:  phaseInit,
		peers:  make(map[identity.PeerID]time.Time),
		last:   Snapshot{Active: false, Instances: 1},
	}
	c.log = cfg.Logger.With(zap.String("app", cfg.AppKey), zap.String("peer", c.id.String()))

	unsub, err := cfg.Bus.Subscribe(func(m bus.Message) {
		c.post(event{kind: evMessage, msg: m})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("election: subscribe: %w", err)
	}
	c.unsub = unsub

	// The first heartbeat record goes out before the announce so peers
	// that learn about us never find the record missing.
	c.writeHeartbeat()
	c.publish(bus.Announce)

	delay := cfg.Jitter() + cfg.Grace
	c.graceTimer = time.AfterFunc(delay, func() {
		c.post(event{kind: evGraceExpired})
	})

	c.ticker = time.NewTicker(cfg.HeartbeatInterval)
	go func() {
		for {
			select {
			case <-c.ticker.C:
				c.post(event{kind: evTick})
			case <-ctx.Done():
				return
			}
		}
	}()

	go c.run()
	c.log.Info("peer started", zap.Duration("grace", delay))
	return c, nil
}

// ID returns this peer's identifier.
func (c *Coordinator) ID() identity.PeerID {
	return c.id
}

// State returns the current snapshot. No side effects.
func (c *Coordinator) State() Snapshot {
	reply := make(chan Snapshot, 1)
	if !c.post(event{kind: evState, state: reply}) {
		return c.final
	}
	select {
	case s := <-reply:
		return s
	case <-c.closed:
		return c.final
	}
}

// Shutdown performs the graceful-leave sequence: broadcast goodbye, delete
// the heartbeat record (and the active-owner record if held), cancel timers
// and unsubscribe. Calling it again is a no-op returning the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		done := make(chan error, 1)
		if !c.post(event{kind: evShutdown, done: done}) {
			return
		}
		select {
		case err := <-done:
			c.shutdownErr = err
		case <-ctx.Done():
			c.shutdownErr = ctx.Err()
		}
	})
	return c.shutdownErr
}

// post enqueues an event unless the loop has already exited.
func (c *Coordinator) post(e event) bool {
	select {
	case c.events <- e:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Coordinator) run() {
	for {
		e := <-c.events
		switch e.kind {
		case evMessage:
			c.handleMessage(e.msg)
		case evGraceExpired:
			c.handleGraceExpired()
		case evTick:
			c.handleTick()
		case evState:
			e.state <- c.snapshot()
		case evShutdown:
			err := c.teardown()
			c.final = Snapshot{Active: false, Instances: len(c.peers) + 1}
			close(c.closed)
			e.done <- err
			return
		}
	}
}

func (c *Coordinator) handleMessage(m bus.Message) {
	p := identity.PeerID(m.PeerID)
	if p == "" || p == c.id {
		return
	}
	telemetry.MessagesTotal.WithLabelValues(c.id.String(), m.Type.String()).Inc()

	switch m.Type {
	case bus.Announce:
		c.track(p)
		if c.phase == phaseActive {
			// Late joiner: tell it the role is taken.
			c.publish(bus.Claim)
		}
	case bus.Claim:
		c.track(p)
		switch c.phase {
		case phaseActive:
			if p.Less(c.id) {
				c.log.Info("yielding active role", zap.String("to", p.String()))
				c.demote(p)
			} else {
				// We outrank the claimant; reassert so it backs off.
				c.publish(bus.Claim)
			}
		case phaseInit:
			c.phase = phaseDormant
			c.lastClaim = p
		case phaseDormant:
			c.lastClaim = p
		}
	case bus.Goodbye:
		c.forget(p)
		c.maybePromote(p)
	case bus.Heartbeat:
		c.track(p)
	}
	c.notify()
}

// handleGraceExpired fires once after jitter+grace. Any claim observed in
// the meantime has already moved the phase out of init, so reaching this in
// init means the field is clear and we take the role.
func (c *Coordinator) handleGraceExpired() {
	if c.phase != phaseInit {
		return
	}
	c.promote()
	c.notify()
}

func (c *Coordinator) teardown() error {
	c.graceTimer.Stop()
	c.ticker.Stop()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var errs []error
	if err := c.cfg.Bus.Publish(ctx, bus.Message{Type: bus.Goodbye, PeerID: c.id.String()}); err != nil {
		errs = append(errs, fmt.Errorf("goodbye: %w", err))
	}
	if err := c.cfg.Store.Delete(ctx, c.heartbeatKey(c.id)); err != nil {
		errs = append(errs, fmt.Errorf("delete heartbeat: %w", err))
	}
	if c.phase == phaseActive {
		if err := c.cfg.Store.Delete(ctx, c.ownerKey()); err != nil {
			errs = append(errs, fmt.Errorf("delete active owner: %w", err))
		}
	}
	c.unsub()
	c.phase = phaseDormant
	telemetry.Active.WithLabelValues(c.id.String()).Set(0)
	c.log.Info("peer stopped")
	return errors.Join(errs...)
}

// track records p as a live peer, refreshing its last-seen time.
func (c *Coordinator) track(p identity.PeerID) {
	c.peers[p] = time.Now()
}

// forget drops p locally and deletes its heartbeat record.
func (c *Coordinator) forget(p identity.PeerID) {
	delete(c.peers, p)
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	if err := c.cfg.Store.Delete(ctx, c.heartbeatKey(p)); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues(c.id.String(), "delete").Inc()
		c.log.Warn("heartbeat record delete failed", zap.String("of", p.String()), zap.Error(err))
	}
}

// maybePromote runs after a peer departed (goodbye or eviction): a dormant
// peer takes over when the departed peer held the active role, or when no
// tracked peers remain at all.
func (c *Coordinator) maybePromote(departed identity.PeerID) {
	if c.phase == phaseActive {
		return
	}
	wasActive := c.departedWasActive(departed)
	if c.lastClaim == departed {
		c.lastClaim = ""
	}
	if !wasActive && len(c.peers) > 0 {
		return
	}
	c.promote()
}

// departedWasActive consults the durable active-owner record and falls back
// to the most recent claim this peer observed. A wrong guess only costs an
// extra claim round: the tie-break undoes spurious promotions.
func (c *Coordinator) departedWasActive(departed identity.PeerID) bool {
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	owner, ok, err := c.cfg.Store.Get(ctx, c.ownerKey())
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues(c.id.String(), "get").Inc()
		c.log.Warn("active-owner read failed", zap.Error(err))
	} else if ok && owner != "" {
		return owner == departed.String()
	}
	return departed == c.lastClaim
}

func (c *Coordinator) promote() {
	c.phase = phaseActive
	c.writeOwner()
	c.publish(bus.Claim)
	telemetry.PromotionsTotal.WithLabelValues(c.id.String()).Inc()
	c.log.Info("assumed active role", zap.Int("peers", len(c.peers)))
}

func (c *Coordinator) demote(winner identity.PeerID) {
	c.phase = phaseDormant
	c.lastClaim = winner
	telemetry.DemotionsTotal.WithLabelValues(c.id.String()).Inc()
}

func (c *Coordinator) writeOwner() {
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	if err := c.cfg.Store.Set(ctx, c.ownerKey(), c.id.String()); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues(c.id.String(), "set").Inc()
		c.log.Warn("active-owner write failed", zap.Error(err))
	}
}

func (c *Coordinator) publish(t bus.Type) {
	ctx, cancel := context.WithTimeout(c.ctx, storeOpTimeout)
	defer cancel()
	if err := c.cfg.Bus.Publish(ctx, bus.Message{Type: t, PeerID: c.id.String()}); err != nil {
		c.log.Warn("publish failed", zap.Stringer("type", t), zap.Error(err))
	}
}

func (c *Coordinator) snapshot() Snapshot {
	return Snapshot{
		Active:    c.phase == phaseActive,
		Instances: len(c.peers) + 1,
	}
}

// notify pushes a snapshot to the consumer if anything changed since the
// last notification. The consumer is best-effort: a panic is contained so
// it cannot kill the decision loop.
func (c *Coordinator) notify() {
	s := c.snapshot()
	if s == c.last {
		return
	}
	c.last = s

	active := 0.0
	if s.Active {
		active = 1.0
	}
	telemetry.Active.WithLabelValues(c.id.String()).Set(active)
	telemetry.Peers.WithLabelValues(c.id.String()).Set(float64(s.Instances - 1))

	if c.cfg.OnChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("state change consumer panicked", zap.Any("panic", r))
		}
	}()
	c.cfg.OnChange(s)
}

func (c *Coordinator) heartbeatKey(p identity.PeerID) string {
	return c.cfg.AppKey + "/peers/" + p.String()
}

func (c *Coordinator) ownerKey() string {
	return c.cfg.AppKey + "/active"
}
