package device

import (
	"context"
	"time"
)

// Session represents an established link to a single peripheral.
//
// Implementations must make Disconnect idempotent: the first call tears the
// link down and reports the outcome, later calls return nil without side
// effects. Key is stable for the whole session lifetime and unique per
// peripheral within one adapter.
type Session interface {
	// Key returns the stable identity of the peripheral this session is
	// bound to (typically its address).
	Key() string

	// Disconnect tears the session down. Safe to call more than once.
	Disconnect() error
}

// DisconnectNotifier is an optional Session capability. Sessions that can
// observe the link dropping out from under them expose it so the pool can
// react (emit events, schedule reconnects).
//
// The callback receives the transport's cause and must not block; it is
// invoked at most once per session, and never after an explicit Disconnect.
// The returned function unregisters the callback and is safe to call twice.
type DisconnectNotifier interface {
	OnUnexpectedDisconnect(fn func(cause error)) (unsubscribe func())
}

// Exchanger is an optional Session capability for request/response
// peripherals. One exchange may be in flight per session at a time;
// implementations reject overlapping calls with ErrBusy.
type Exchanger interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
}

// Adapter dials peripherals and hands out Sessions. Implementations are
// safe for concurrent use; the pool may have several dials in flight.
//
// Connect honors ctx as a cancellation signal for the caller's wait. A
// binding that cannot abort an in-flight dial returns once the transport
// settles; the session, if one materializes after cancellation, must be
// torn down by the binding itself.
type Adapter interface {
	Connect(ctx context.Context, opts *ConnectOptions) (Session, error)
}

// Reconnector is an optional Adapter capability. An adapter serves many
// peripherals, so reconnection is keyed: the adapter re-dials the
// peripheral it previously connected under key and returns a fresh
// Session for it.
type Reconnector interface {
	Reconnect(ctx context.Context, key string) (Session, error)
}

// Forgetter is an optional Adapter capability for bindings that keep
// per-peripheral state (pairing, caches) worth dropping on demand.
type Forgetter interface {
	ForgetDevice(key string) error
}

// AvailabilityReporter is an optional Adapter capability reporting whether
// the underlying transport is usable at all (radio powered, permissions
// granted).
type AvailabilityReporter interface {
	Availability(ctx context.Context) (bool, error)
}

// ConnectOptions defines peripheral connection options
type ConnectOptions struct {
	// Address identifies the peripheral to dial.
	Address string

	// ConnectTimeout bounds the dial. Zero means the default.
	ConnectTimeout time.Duration `default:"30s"`

	// Adapter, when set, overrides the pool's adapter for this attempt
	// only. The session stays bound to the adapter that created it for
	// reconnect and forget purposes.
	Adapter Adapter
}
