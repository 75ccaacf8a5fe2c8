package election

import (
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlead/pkg/bus"
	"github.com/ryandielhenn/zephyrlead/pkg/store"
)

// Default protocol timings. The timeout should stay at least twice the
// heartbeat interval so a single delayed write cannot look like a crash.
const (
	DefaultGrace             = 100 * time.Millisecond
	DefaultMaxJitter         = 50 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
)

var (
	ErrAppKeyRequired = errors.New("election: app key is required")
	ErrBusRequired    = errors.New("election: bus is required")
	ErrStoreRequired  = errors.New("election: store is required")
)

// Snapshot is the immutable state view handed to the OnChange consumer and
// returned by State. Instances counts this peer plus every tracked peer.
type Snapshot struct {
	Active    bool `json:"isActive"`
	Instances int  `json:"instanceCount"`
}

// Config configures one Coordinator. AppKey namespaces both the bus topic
// and the store keys so unrelated applications never interfere.
type Config struct {
	AppKey string
	Bus    bus.Bus
	Store  store.Store

	// OnChange, if set, is invoked synchronously from the decision loop
	// after every state-changing event. It must not call back into the
	// Coordinator.
	OnChange func(Snapshot)

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// Grace is how long a starting peer waits for an existing claim
	// before promoting itself. Jitter returns an extra randomized delay
	// added in front of the grace window; inject a zero func in tests
	// for deterministic timing.
	Grace  time.Duration
	Jitter func() time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Validate checks the required collaborators are present.
func (c Config) Validate() error {
	if c.AppKey == "" {
		return ErrAppKeyRequired
	}
	if c.Bus == nil {
		return ErrBusRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Jitter == nil {
		c.Jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(DefaultMaxJitter)))
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return c
}
