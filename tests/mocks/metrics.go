package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"
)

// MockMetrics is a mock implementation of ports.Metrics
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) IncrementCounter(name string, tags map[string]string) {
	m.Called(name, tags)
}

func (m *MockMetrics) RecordDuration(name string, d time.Duration, tags map[string]string) {
	m.Called(name, d, tags)
}

func (m *MockMetrics) RecordValue(name string, value float64, tags map[string]string) {
	m.Called(name, value, tags)
}
