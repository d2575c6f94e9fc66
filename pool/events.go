package pool

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blepool/device"
	"github.com/srg/blepool/emitter"
)

// Event describes a pool-level connection change.
type Event struct {
	// Key identifies the peripheral.
	Key string

	// Session is the session the event is about. For disconnect events it
	// is already torn down (or tearing down) and must not be used for new
	// operations.
	Session device.Session

	// Cause carries the transport's reason when the link dropped without
	// the pool asking for it. Nil for explicit disconnects and for
	// connects.
	Cause error
}

// Events groups the pool's notification sinks. Callers construct the set
// (or let New default it), own its lifetime, and may share one set across
// pools; the pool only emits.
type Events struct {
	Connect    *emitter.Emitter[Event]
	Disconnect *emitter.Emitter[Event]
}

// NewEvents creates a fresh pair of sinks.
func NewEvents(logger *logrus.Logger) *Events {
	return &Events{
		Connect:    emitter.New[Event](logger),
		Disconnect: emitter.New[Event](logger),
	}
}
