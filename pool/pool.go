// Package pool owns sessions to many peripherals at once, bounded by a
// hard capacity. It admits connection attempts synchronously so concurrent
// callers can never overshoot the limit, watches live sessions for
// unexpected drops, and optionally dials lost peripherals back with
// backoff.
//
// The pool treats cancellation the way the rest of the toolkit does: a
// caller abandoning Connect stops waiting, but the attempt it started is
// settled by the binding, not killed mid-flight.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepool/device"
	"github.com/srg/blepool/internal/groutine"
	"github.com/srg/blepool/retry"
)

var (
	// ErrCapacityExceeded reports an admission rejected because live,
	// pending, and reconnecting slots already add up to the limit.
	ErrCapacityExceeded = errors.New("connection pool at capacity")

	// ErrDuplicateKey reports a dial that resolved to a peripheral the
	// pool already owns (or is busy reconnecting). The surplus session is
	// torn down before the error returns.
	ErrDuplicateKey = errors.New("peripheral already in pool")

	// ErrInvalidConfig reports an unusable pool configuration.
	ErrInvalidConfig = errors.New("invalid pool config")
)

// Config controls pool behavior. The zero value is not runnable; use
// DefaultConfig or fill the fields explicitly.
type Config struct {
	// MaxConnections bounds live + pending + reconnecting slots.
	MaxConnections int `yaml:"max_connections" default:"5"`

	// AutoReconnect re-dials peripherals that drop unexpectedly, provided
	// their adapter implements device.Reconnector.
	AutoReconnect bool `yaml:"auto_reconnect" default:"true"`

	// Reconnect shapes the backoff for auto-reconnect attempts. A zero
	// value means retry defaults.
	Reconnect retry.Config `yaml:"reconnect"`

	// Events receives connect/disconnect notifications. Nil means the
	// pool creates its own set.
	Events *Events `yaml:"-"`

	// Logger is used for all pool logging. Nil means a default logger.
	Logger *logrus.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with the default tags applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// entry is a pool-owned live session.
type entry struct {
	session     device.Session
	adapter     device.Adapter
	unsubscribe func() // detaches the drop watcher; nil when unsupported
}

// reconnectState marks a key whose session dropped and is being re-dialed.
// The marker keeps the capacity slot occupied; cancel aborts the attempt.
type reconnectState struct {
	cancel  context.CancelFunc
	adapter device.Adapter
}

// Pool manages a capacity-bounded set of peripheral sessions.
type Pool struct {
	mu         sync.Mutex
	entries    map[string]*entry
	pending    int
	reconnects map[string]*reconnectState

	adapter device.Adapter
	cfg     Config
	events  *Events
	logger  *logrus.Logger
}

// New creates a pool over the given adapter. A nil cfg means defaults.
func New(adapter device.Adapter, cfg *Config) (*Pool, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: adapter is required", ErrInvalidConfig)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("%w: max connections %d, need at least 1", ErrInvalidConfig, cfg.MaxConnections)
	}

	c := *cfg
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Events == nil {
		c.Events = NewEvents(c.Logger)
	}
	if c.Reconnect.MaxAttempts == 0 {
		defaults.SetDefaults(&c.Reconnect)
	}

	return &Pool{
		entries:    make(map[string]*entry),
		reconnects: make(map[string]*reconnectState),
		adapter:    adapter,
		cfg:        c,
		events:     c.Events,
		logger:     c.Logger,
	}, nil
}

// occupancyLocked counts every claimed slot: live sessions, dials in
// flight, and reconnects holding their place. Callers hold p.mu.
func (p *Pool) occupancyLocked() int {
	return len(p.entries) + p.pending + len(p.reconnects)
}

// Connect dials a peripheral and admits the session into the pool.
//
// The capacity slot is claimed under the pool lock before the adapter is
// touched, so a burst of concurrent calls admits at most the configured
// limit and rejects the rest with ErrCapacityExceeded without ever
// reaching the transport. The slot is released on every failure path.
//
// ctx cancels the caller's wait; whether the dial itself can be aborted is
// up to the binding.
func (p *Pool) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Session, error) {
	if opts == nil || strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("%w: peripheral address is required", ErrInvalidConfig)
	}
	o := *opts
	defaults.SetDefaults(&o)

	adapter := p.adapter
	if o.Adapter != nil {
		adapter = o.Adapter
	}

	p.mu.Lock()
	if occupancy := p.occupancyLocked(); occupancy >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, occupancy, p.cfg.MaxConnections)
	}
	p.pending++
	p.mu.Unlock()

	p.logger.WithField("address", o.Address).Info("Connecting to peripheral...")

	session, err := adapter.Connect(ctx, &o)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("connect %q: %w", o.Address, device.NormalizeError(err))
	}

	key := session.Key()
	_, live := p.entries[key]
	_, reconnecting := p.reconnects[key]
	if live || reconnecting {
		p.mu.Unlock()
		if derr := session.Disconnect(); derr != nil {
			p.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": derr,
			}).Warn("Failed to tear down duplicate session")
		}
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}

	ent := &entry{session: session, adapter: adapter}
	ent.unsubscribe = p.watchSession(session, adapter)
	p.entries[key] = ent
	connected := len(p.entries)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"key":         key,
		"connections": connected,
	}).Info("Peripheral connected")
	p.events.Connect.Emit(Event{Key: key, Session: session})

	return session, nil
}

// watchSession hooks the session's unexpected-disconnect signal when the
// binding exposes one. Returns the detach function, or nil.
func (p *Pool) watchSession(session device.Session, adapter device.Adapter) func() {
	notifier, ok := session.(device.DisconnectNotifier)
	if !ok {
		return nil
	}
	key := session.Key()
	return notifier.OnUnexpectedDisconnect(func(cause error) {
		p.handleUnexpectedDisconnect(key, session, adapter, cause)
	})
}

// handleUnexpectedDisconnect reacts to the transport dropping a session the
// pool still owns: the entry goes away, subscribers hear about it with the
// cause attached, and when auto-reconnect applies, a marker keeps the
// capacity slot while a named goroutine re-dials.
func (p *Pool) handleUnexpectedDisconnect(key string, session device.Session, adapter device.Adapter, cause error) {
	p.mu.Lock()
	ent, ok := p.entries[key]
	if !ok || ent.session != session {
		// Explicit disconnect got here first; the signal is stale.
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)

	reconnector, capable := adapter.(device.Reconnector)
	var state *reconnectState
	var rctx context.Context
	if p.cfg.AutoReconnect && capable {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		state = &reconnectState{cancel: cancel, adapter: adapter}
		p.reconnects[key] = state
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"key":   key,
		"cause": cause,
	}).Warn("Peripheral disconnected unexpectedly")
	p.events.Disconnect.Emit(Event{Key: key, Session: session, Cause: cause})

	if state != nil {
		groutine.Go(rctx, "pool-reconnect-"+key, func(ctx context.Context) {
			p.runReconnect(ctx, key, reconnector, state)
		})
	}
}

// runReconnect drives the retry loop for one dropped peripheral. The
// marker is compared by identity on every exit path: an explicit
// Disconnect may have cleared it (and possibly a newer one may exist for a
// later drop), in which case a session this attempt produced is discarded
// silently, with no connect notification.
func (p *Pool) runReconnect(ctx context.Context, key string, reconnector device.Reconnector, state *reconnectState) {
	session, err := retry.Do(ctx, &p.cfg.Reconnect, func(ctx context.Context) (device.Session, error) {
		return reconnector.Reconnect(ctx, key)
	})

	if err != nil {
		p.mu.Lock()
		if p.reconnects[key] == state {
			delete(p.reconnects, key)
		}
		p.mu.Unlock()

		if errors.Is(err, context.Canceled) {
			p.logger.WithField("key", key).Debug("Reconnect abandoned")
		} else {
			p.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": err,
			}).Error("Reconnect failed, giving up")
		}
		return
	}

	p.mu.Lock()
	if p.reconnects[key] != state {
		p.mu.Unlock()
		if derr := session.Disconnect(); derr != nil {
			p.logger.WithFields(logrus.Fields{
				"key":   key,
				"error": derr,
			}).Warn("Failed to tear down superseded reconnect session")
		}
		p.logger.WithField("key", key).Debug("Discarded reconnect session, explicit disconnect won")
		return
	}
	delete(p.reconnects, key)

	ent := &entry{session: session, adapter: state.adapter}
	ent.unsubscribe = p.watchSession(session, state.adapter)
	p.entries[key] = ent
	p.mu.Unlock()

	p.logger.WithField("key", key).Info("Peripheral reconnected")
	p.events.Connect.Emit(Event{Key: key, Session: session})
}

// Disconnect tears down the session for key. Unknown keys are a no-op.
//
// The entry leaves the pool before teardown starts, so its capacity slot
// frees immediately; the teardown's failure still propagates. A reconnect
// in flight for the key is cancelled instead: explicit disconnect always
// wins that race, and a session the abandoned attempt may still produce is
// discarded silently.
func (p *Pool) Disconnect(key string) error {
	p.mu.Lock()
	if state, ok := p.reconnects[key]; ok {
		delete(p.reconnects, key)
		p.mu.Unlock()
		state.cancel()
		p.logger.WithField("key", key).Info("Reconnect cancelled by explicit disconnect")
		return nil
	}

	ent, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	p.mu.Unlock()

	// Detach the watcher first so the drop we are about to cause does not
	// masquerade as unexpected.
	if ent.unsubscribe != nil {
		ent.unsubscribe()
	}

	err := ent.session.Disconnect()
	p.events.Disconnect.Emit(Event{Key: key, Session: ent.session})

	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Warn("Peripheral disconnected with errors")
		return fmt.Errorf("disconnect %q: %w", key, device.NormalizeError(err))
	}
	p.logger.WithField("key", key).Info("Peripheral disconnected")
	return nil
}

// DisconnectAll tears down every live session in parallel and cancels
// every reconnect in flight. Best effort: individual teardown failures are
// aggregated into one log line and never fail the call.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	removed := make([]*entry, 0, len(p.entries))
	for _, ent := range p.entries {
		removed = append(removed, ent)
	}
	p.entries = make(map[string]*entry)

	cancelled := 0
	for _, state := range p.reconnects {
		state.cancel()
		cancelled++
	}
	p.reconnects = make(map[string]*reconnectState)
	p.mu.Unlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failures []string

	for _, ent := range removed {
		wg.Add(1)
		ent := ent
		key := ent.session.Key()
		groutine.Go(context.Background(), "pool-disconnect-"+key, func(context.Context) {
			defer wg.Done()
			if ent.unsubscribe != nil {
				ent.unsubscribe()
			}
			if err := ent.session.Disconnect(); err != nil {
				failMu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", key, err))
				failMu.Unlock()
			}
			p.events.Disconnect.Emit(Event{Key: key, Session: ent.session})
		})
	}
	wg.Wait()

	if len(failures) > 0 {
		p.logger.WithField("errors", strings.Join(failures, "; ")).Warn("Some peripherals failed to disconnect cleanly")
	}
	p.logger.WithFields(logrus.Fields{
		"disconnected": len(removed),
		"cancelled":    cancelled,
	}).Info("Disconnected all peripherals")
}

// Forget disconnects the peripheral and asks its adapter to drop any
// per-peripheral state it keeps. Bindings without that capability report
// device.ErrUnsupported after the disconnect part has run.
func (p *Pool) Forget(key string) error {
	p.mu.Lock()
	adapter := p.adapter
	if ent, ok := p.entries[key]; ok {
		adapter = ent.adapter
	} else if state, ok := p.reconnects[key]; ok {
		adapter = state.adapter
	}
	p.mu.Unlock()

	if err := p.Disconnect(key); err != nil {
		return err
	}

	forgetter, ok := adapter.(device.Forgetter)
	if !ok {
		return fmt.Errorf("forget %q: %w", key, device.ErrUnsupported)
	}
	return forgetter.ForgetDevice(key)
}

// GetSession returns the live session for key. Absence is not an error.
func (p *Pool) GetSession(key string) (device.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent, ok := p.entries[key]; ok {
		return ent.session, true
	}
	return nil, false
}

// IsConnected reports whether the pool owns a live session for key.
func (p *Pool) IsConnected(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Sessions returns a snapshot of the live sessions, sorted by key. Later
// pool changes do not affect the returned slice.
func (p *Pool) Sessions() []device.Session {
	p.mu.Lock()
	sessions := make([]device.Session, 0, len(p.entries))
	for _, ent := range p.entries {
		sessions = append(sessions, ent.session)
	}
	p.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Key() < sessions[j].Key()
	})
	return sessions
}

// ConnectionCount returns the number of live sessions.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ReconnectingCount returns the number of reconnects in flight.
func (p *Pool) ReconnectingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reconnects)
}

// MaxConnections returns the configured capacity.
func (p *Pool) MaxConnections() int {
	return p.cfg.MaxConnections
}

// Events exposes the pool's notification sinks.
func (p *Pool) Events() *Events {
	return p.events
}

// OnConnect subscribes to connect notifications.
func (p *Pool) OnConnect(fn func(Event)) (unsubscribe func()) {
	return p.events.Connect.Subscribe(fn)
}

// OnDisconnect subscribes to disconnect notifications, explicit and
// unexpected both; unexpected ones carry a non-nil Cause.
func (p *Pool) OnDisconnect(fn func(Event)) (unsubscribe func()) {
	return p.events.Disconnect.Subscribe(fn)
}
