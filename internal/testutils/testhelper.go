package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a quiet logger. Raise the level
// locally when chasing a failing scenario.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}
