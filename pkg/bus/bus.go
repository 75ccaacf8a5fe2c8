package bus

import "context"

// Type enumerates the protocol messages peers broadcast to each other.
type Type uint8

const (
	Announce Type = iota // new peer introducing itself
	Claim                // peer asserting (or reasserting) the active role
	Goodbye              // peer leaving gracefully
	Heartbeat            // optional liveness broadcast, redundant with the durable record
)

func (t Type) String() string {
	switch t {
	case Announce:
		return "announce"
	case Claim:
		return "claim"
	case Goodbye:
		return "goodbye"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Message is the complete wire schema: a type tag and the sender's id.
type Message struct {
	Type   Type   `json:"type"`
	PeerID string `json:"peerId"`
}

// Bus is a best-effort broadcast medium scoped to one application key.
// Publishes are fire-and-forget: no delivery guarantee, no ordering across
// peers, and a peer never receives its own publishes back.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe registers the handler for inbound messages and returns a
	// cancel func. Handlers may be called from an internal goroutine but
	// never concurrently with themselves.
	Subscribe(h func(Message)) (cancel func(), err error)
	Close() error
}
