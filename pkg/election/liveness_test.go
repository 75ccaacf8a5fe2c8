package election

import (
	"context"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrlead/pkg/bus"
	"github.com/ryandielhenn/zephyrlead/pkg/store"
)

// A peer that claimed the role and then silently stops heartbeating must be
// evicted within the timeout, and the survivor promotes itself even though
// no goodbye was ever sent.
func TestCrashRecoveryAfterMissedHeartbeats(t *testing.T) {
	broker := bus.NewBroker()
	shared := store.NewMemory()
	p := newProbe(t, broker)
	c := newTestPeer(t, broker.Join("testapp"), shared, nil)

	const crashed = "0000000000000_00000000"
	keepAlive(t, shared, crashed)
	p.send(bus.Claim, crashed)

	waitFor(t, time.Second, "peer to go dormant behind the claimant", func() bool {
		s := c.State()
		return !s.Active && s.Instances == 2
	})

	// The claimant now stops writing heartbeats entirely.
	waitFor(t, 2*time.Second, "crash detection and takeover", func() bool {
		s := c.State()
		return s.Active && s.Instances == 1
	})

	// Eviction also cleans up the crashed peer's record.
	if _, ok, _ := shared.Get(context.Background(), "testapp/peers/"+crashed); ok {
		t.Fatal("crashed peer's heartbeat record still present after eviction")
	}
}

// A peer heartbeating on schedule must never be evicted.
func TestNoFalseEviction(t *testing.T) {
	broker := bus.NewBroker()
	shared := store.NewMemory()
	p := newProbe(t, broker)
	c := newTestPeer(t, broker.Join("testapp"), shared, nil)

	const steady = "9999999999999_00000000"
	keepAlive(t, shared, steady)
	p.send(bus.Announce, steady)

	waitFor(t, time.Second, "steady peer to be tracked", func() bool {
		return c.State().Instances == 2
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(testInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				keepAlive(t, shared, steady)
			case <-stop:
				return
			}
		}
	}()

	// Across many timeout windows the peer stays tracked.
	deadline := time.Now().Add(4 * testTimeout)
	for time.Now().Before(deadline) {
		if got := c.State().Instances; got != 2 {
			t.Fatalf("Instances = %d while peer heartbeats on schedule, want 2", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A dormant peer whose last tracked peer is evicted promotes itself even if
// the evicted peer was not the presumed active one.
func TestPromotionWhenGroupEmpties(t *testing.T) {
	broker := bus.NewBroker()
	shared := store.NewMemory()
	p := newProbe(t, broker)
	c := newTestPeer(t, broker.Join("testapp"), shared, nil)

	// Two scripted peers: the smaller one claims, the larger just exists.
	const claimant = "0000000000000_00000000"
	const bystander = "0000000000000_11111111"
	keepAlive(t, shared, claimant)
	keepAlive(t, shared, bystander)
	p.send(bus.Claim, claimant)
	p.send(bus.Announce, bystander)

	waitFor(t, time.Second, "both scripted peers tracked", func() bool {
		s := c.State()
		return !s.Active && s.Instances == 3
	})

	// Both fall silent; once the group is empty the peer takes the role.
	waitFor(t, 2*time.Second, "takeover after the group empties", func() bool {
		s := c.State()
		return s.Active && s.Instances == 1
	})
}
