package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/srg/blepool/connstate"
	"github.com/srg/blepool/device"
)

// Session is a live link to one simulated peripheral. It implements the
// full optional capability surface: unexpected-disconnect notification and
// request/response exchange with one-in-flight enforcement.
type Session struct {
	adapter    *Adapter
	peripheral *Peripheral
	logger     *logrus.Logger

	// inflight models the peripheral accepting a single operation at a
	// time; a second Exchange while one is running is rejected, not
	// queued. Queueing is the operation queue's job, not the link's.
	inflight *semaphore.Weighted

	state  *connstate.Machine
	closed atomic.Bool

	mu      sync.Mutex
	dropFns []func(cause error)
}

var (
	_ device.Session            = (*Session)(nil)
	_ device.DisconnectNotifier = (*Session)(nil)
	_ device.Exchanger          = (*Session)(nil)
)

func newSession(a *Adapter, p *Peripheral) *Session {
	s := &Session{
		adapter:    a,
		peripheral: p,
		logger:     a.logger,
		inflight:   semaphore.NewWeighted(1),
		state:      connstate.NewMachine(a.logger),
	}
	// A session only exists once the dial succeeded, so walk the machine
	// to connected immediately.
	_ = s.state.Transition(connstate.StateConnecting)
	_ = s.state.Transition(connstate.StateConnected)
	return s
}

// Key returns the peripheral's address.
func (s *Session) Key() string {
	return s.peripheral.Address
}

// State returns the session's lifecycle state.
func (s *Session) State() connstate.State {
	return s.state.State()
}

// Disconnect tears the session down. Idempotent: only the first call does
// anything, later calls return nil.
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.adapter.forgetSession(s)
	if err := s.state.Transition(connstate.StateDisconnected); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.peripheral.Address,
			"error":   err,
		}).Warn("Session teardown state transition rejected")
	}

	s.logger.WithField("address", s.peripheral.Address).Debug("Simulated peripheral disconnected")
	return nil
}

// OnUnexpectedDisconnect registers a callback for the link dropping
// without Disconnect being called. Returns an unsubscribe function; both
// it and repeated unsubscription are harmless.
func (s *Session) OnUnexpectedDisconnect(fn func(cause error)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropFns = append(s.dropFns, fn)
	idx := len(s.dropFns) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dropFns[idx] = nil
	}
}

// Exchange sends a request and returns the peripheral's response: the
// request echoed back with the peripheral's payload appended. At most one
// exchange may be in flight; overlapping calls fail with device.ErrBusy.
func (s *Session) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: session for %q is closed", device.ErrNotConnected, s.peripheral.Address)
	}

	if !s.inflight.TryAcquire(1) {
		return nil, fmt.Errorf("%w: exchange already in flight for %q", device.ErrBusy, s.peripheral.Address)
	}
	defer s.inflight.Release(1)

	if err := wait(ctx, s.peripheral.ExchangeLatency); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: link to %q lost mid-exchange", device.ErrNotConnected, s.peripheral.Address)
	}

	response := make([]byte, 0, len(request)+len(s.peripheral.Payload))
	response = append(response, request...)
	response = append(response, s.peripheral.Payload...)
	return response, nil
}

// drop simulates the transport losing the link: the session closes and
// every registered callback hears the cause. Reports whether this call was
// the one that closed the session.
func (s *Session) drop(cause error) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}

	s.adapter.forgetSession(s)
	if err := s.state.Transition(connstate.StateError); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.peripheral.Address,
			"error":   err,
		}).Warn("Session drop state transition rejected")
	}

	s.mu.Lock()
	fns := make([]func(error), 0, len(s.dropFns))
	for _, fn := range s.dropFns {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.peripheral.Address,
		"cause":   cause,
	}).Debug("Simulated unexpected disconnect")

	for _, fn := range fns {
		fn(cause)
	}
	return true
}
