// Package election coordinates a small group of same-machine processes so
// that exactly one of them converges to the "active" role while the rest
// stay dormant. Peers talk over an injected broadcast Bus and share an
// injected durable Store; both are best-effort, and the protocol tolerates
// lost and reordered messages by re-asserting state (claims, heartbeats)
// rather than retrying individual sends.
//
// Typical usage:
//
//	broker := bus.NewBroker()
//	c, _ := election.New(election.Config{
//	    AppKey: "myapp",
//	    Bus:    broker.Join("myapp"),
//	    Store:  store.NewMemory(),
//	    OnChange: func(s election.Snapshot) { log.Println(s) },
//	})
//	defer c.Shutdown(context.Background())
//
// All protocol decisions run on a single goroutine consuming one ordered
// event queue, so handlers never race with each other.
package election
