// Package sim provides an in-process transport binding: a fleet of
// simulated peripherals behind a device.Adapter. It exists for tests and
// for the stress CLI, where real radio hardware would make scenarios slow
// and nondeterministic.
//
// Peripherals are registered up front and can be told to fail their first
// N connects, add latency, or drop an established session on demand, which
// covers the failure shapes the pool and retry engine care about.
package sim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepool/device"
)

// Peripheral describes one simulated device in the fleet.
type Peripheral struct {
	// Address is the peripheral's identity; sessions report it as Key.
	Address string

	// Name is informational only.
	Name string

	// ConnectLatency delays every connect and reconnect attempt.
	ConnectLatency time.Duration

	// ExchangeLatency delays every Exchange call.
	ExchangeLatency time.Duration

	// FailConnects makes the first N connect attempts fail with a
	// transient error. Decremented atomically across attempts.
	FailConnects int32

	// Payload is echoed back by Exchange, appended to the request.
	Payload []byte
}

// AdapterConfig controls fleet-wide behavior.
type AdapterConfig struct {
	// Available reports the transport as down when false; Connect then
	// fails with device.ErrNotInitialized.
	Available bool
}

// Adapter is a device.Adapter over a registry of simulated peripherals. It
// also implements Reconnector, Forgetter, and AvailabilityReporter so the
// optional-capability paths are exercisable without hardware.
type Adapter struct {
	fleet    *hashmap.Map[string, *Peripheral]
	sessions *hashmap.Map[string, *Session]
	cfg      AdapterConfig
	logger   *logrus.Logger
}

var (
	_ device.Adapter              = (*Adapter)(nil)
	_ device.Reconnector          = (*Adapter)(nil)
	_ device.Forgetter            = (*Adapter)(nil)
	_ device.AvailabilityReporter = (*Adapter)(nil)
)

// NewAdapter creates an adapter with an empty fleet. A nil cfg means an
// available transport; a nil logger is replaced with a default one.
func NewAdapter(cfg *AdapterConfig, logger *logrus.Logger) *Adapter {
	if cfg == nil {
		cfg = &AdapterConfig{Available: true}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		fleet:    hashmap.New[string, *Peripheral](),
		sessions: hashmap.New[string, *Session](),
		cfg:      *cfg,
		logger:   logger,
	}
}

// AddPeripheral registers a peripheral under its address. Re-registering
// an address replaces the previous peripheral.
func (a *Adapter) AddPeripheral(p *Peripheral) {
	a.fleet.Set(p.Address, p)
}

// Connect dials the peripheral at opts.Address.
//
// Latency is served before the failure budget is consulted, so a cancelled
// ctx during the dial window behaves like a real abandoned dial: the
// caller gets the context's cause and no session materializes.
func (a *Adapter) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Session, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: connect options are required", device.ErrNotInitialized)
	}
	return a.dial(ctx, opts.Address)
}

// Reconnect re-dials a peripheral previously connected under key. The
// peripheral's failure budget applies to reconnects too, which is what
// makes backoff observable in tests.
func (a *Adapter) Reconnect(ctx context.Context, key string) (device.Session, error) {
	return a.dial(ctx, key)
}

// ForgetDevice drops the peripheral from the fleet entirely. Later dials
// for the address fail with a not-found error.
func (a *Adapter) ForgetDevice(key string) error {
	if _, ok := a.fleet.Get(key); !ok {
		return &device.NotFoundError{Resource: "peripheral", Keys: []string{key}}
	}
	a.fleet.Del(key)
	a.logger.WithField("address", key).Info("Peripheral forgotten")
	return nil
}

// Availability reports the simulated transport state.
func (a *Adapter) Availability(_ context.Context) (bool, error) {
	return a.cfg.Available, nil
}

// TriggerDisconnect forces an unexpected disconnect of the live session
// for key, as if the link dropped. Reports whether a session was live.
func (a *Adapter) TriggerDisconnect(key string, cause error) bool {
	session, ok := a.sessions.Get(key)
	if !ok {
		return false
	}
	return session.drop(cause)
}

func (a *Adapter) dial(ctx context.Context, address string) (device.Session, error) {
	if !a.cfg.Available {
		return nil, fmt.Errorf("%w: transport unavailable", device.ErrNotInitialized)
	}

	p, ok := a.fleet.Get(address)
	if !ok {
		return nil, &device.NotFoundError{Resource: "peripheral", Keys: []string{address}}
	}

	if err := wait(ctx, p.ConnectLatency); err != nil {
		return nil, err
	}

	if remaining := atomic.AddInt32(&p.FailConnects, -1); remaining >= 0 {
		a.logger.WithFields(logrus.Fields{
			"address":   address,
			"remaining": remaining,
		}).Debug("Simulated connect failure")
		return nil, fmt.Errorf("connection refused: simulated dial failure for %q", address)
	}

	session := newSession(a, p)
	a.sessions.Set(address, session)

	a.logger.WithField("address", address).Debug("Simulated peripheral connected")
	return session, nil
}

// forgetSession drops the live-session registration, but only if it still
// points at the given session; a newer session for the same address stays.
func (a *Adapter) forgetSession(s *Session) {
	if current, ok := a.sessions.Get(s.peripheral.Address); ok && current == s {
		a.sessions.Del(s.peripheral.Address)
	}
}

// wait sleeps for d or until ctx fires.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
