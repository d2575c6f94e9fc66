// Package goble binds the connection core to real Bluetooth hardware
// through github.com/go-ble/ble. It is the thin edge of the system: dial,
// watch for the link dropping, tear down. Everything stateful lives above
// it in the pool.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepool/device"
	"github.com/srg/blepool/internal/groutine"
)

// DefaultConnectTimeout bounds a dial when the caller does not.
const DefaultConnectTimeout = 30 * time.Second

// DeviceFactory creates ble.Device instances (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Config controls the binding.
type Config struct {
	// ConnectTimeout bounds dials whose options carry no timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

// Adapter dials BLE peripherals. Implements device.Adapter and
// device.Reconnector; the underlying library offers nothing to hang
// Forgetter or AvailabilityReporter on, so those are deliberately absent.
type Adapter struct {
	cfg    Config
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

var (
	_ device.Adapter     = (*Adapter)(nil)
	_ device.Reconnector = (*Adapter)(nil)
)

// NewAdapter creates a BLE adapter. The radio itself is initialized lazily
// on the first dial. A nil cfg means defaults; a nil logger is replaced
// with a default one.
func NewAdapter(cfg *Config, logger *logrus.Logger) *Adapter {
	if cfg == nil {
		cfg = &Config{ConnectTimeout: DefaultConnectTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{cfg: *cfg, logger: logger}
}

// init sets up the platform BLE device once. The library keeps it as
// process-wide default state; later dials reuse it.
func (a *Adapter) init() error {
	a.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			a.initErr = fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return a.initErr
}

// Connect dials the peripheral at opts.Address and wraps the resulting
// client in a session keyed by the peer's reported address.
//
// The dial is bounded by opts.ConnectTimeout (or the adapter default). A
// ctx that fires ends the caller's wait; whether the radio abandons the
// dial is up to the platform HCI layer.
func (a *Adapter) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Session, error) {
	if opts == nil || opts.Address == "" {
		return nil, fmt.Errorf("%w: peripheral address is required", device.ErrNotInitialized)
	}
	return a.dial(ctx, opts.Address, opts.ConnectTimeout)
}

// Reconnect re-dials a previously connected peripheral by key. BLE has no
// resumable link state, so a reconnect is a fresh dial to the same address.
func (a *Adapter) Reconnect(ctx context.Context, key string) (device.Session, error) {
	return a.dial(ctx, key, 0)
}

func (a *Adapter) dial(ctx context.Context, address string, timeout time.Duration) (device.Session, error) {
	if err := a.init(); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = a.cfg.ConnectTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}

	s := &session{
		client: client,
		key:    client.Addr().String(),
		logger: a.logger,
		done:   make(chan struct{}),
	}
	s.watch()

	a.logger.WithField("address", s.key).Info("BLE device connected")
	return s, nil
}

// session wraps one ble.Client.
type session struct {
	client ble.Client
	key    string
	logger *logrus.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropFns []func(cause error)
}

var (
	_ device.Session            = (*session)(nil)
	_ device.DisconnectNotifier = (*session)(nil)
)

func (s *session) Key() string {
	return s.key
}

// Disconnect cancels the BLE connection. Idempotent: only the first call
// reaches the client, later calls return nil.
func (s *session) Disconnect() error {
	var err error
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.done)
		err = device.NormalizeError(s.client.CancelConnection())
	})
	if !first {
		return nil
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.key,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return err
	}
	s.logger.WithField("address", s.key).Info("BLE device disconnected")
	return nil
}

func (s *session) OnUnexpectedDisconnect(fn func(cause error)) (unsubscribe func()) {
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

// watch bridges the client's Disconnected() channel, where the platform
// supports one, to the registered callbacks. Explicit Disconnect closes
// done first, so the monitor never reports a drop the caller asked for.
func (s *session) watch() {
	dc, ok := s.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		s.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(context.Background(), "goble-monitor-"+s.key, func(context.Context) {
		select {
		case <-dc.Disconnected():
		case <-s.done:
			return
		}

		dropped := false
		s.closeOnce.Do(func() {
			dropped = true
			close(s.done)
		})
		if !dropped {
			return
		}

		s.logger.WithField("address", s.key).Warn("BLE transport reported disconnection")

		s.mu.Lock()
		fns := make([]func(error), 0, len(s.dropFns))
		for _, fn := range s.dropFns {
			if fn != nil {
				fns = append(fns, fn)
			}
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(device.ErrNotConnected)
		}
	})
}
