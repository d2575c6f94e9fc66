package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blepool/device"
)

// MockAdapter implements device.Adapter for testing. It deliberately does
// not implement the optional capabilities, so it doubles as the
// minimal-binding case.
type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Session, error) {
	args := m.Called(ctx, opts)
	if s := args.Get(0); s != nil {
		return s.(device.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSession implements device.Session for testing. Like MockAdapter it
// skips the optional capabilities on purpose.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Key() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSession) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}
