package election

import "github.com/ryandielhenn/zephyrlead/pkg/bus"

type eventKind uint8

const (
	evMessage eventKind = iota
	evGraceExpired
	evTick
	evState
	evShutdown
)

// event is one item on the coordinator's serialized decision queue: an
// inbound bus message, a timer firing, a state query, or a shutdown request.
type event struct {
	kind  eventKind
	msg   bus.Message
	state chan Snapshot // evState reply
	done  chan error    // evShutdown reply
}
