package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu         sync.Mutex
	exists     bool
	interval   time.Duration
	input      RecoverTransactionsInput
	triggers   int
	upsertErr  error
	deleteErr  error
	triggerErr error
}

var _ Scheduler = (*MockScheduler)(nil)

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// UpsertRecoverySchedule records the schedule.
func (m *MockScheduler) UpsertRecoverySchedule(ctx context.Context, interval time.Duration, input RecoverTransactionsInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.exists = true
	m.interval = interval
	m.input = input
	return nil
}

// DeleteRecoverySchedule records that the schedule was deleted.
func (m *MockScheduler) DeleteRecoverySchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.exists {
		return fmt.Errorf("schedule %q not found", RecoveryScheduleID)
	}
	m.exists = false
	return nil
}

// TriggerRecovery counts a manual trigger.
func (m *MockScheduler) TriggerRecovery(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggerErr != nil {
		return m.triggerErr
	}
	if !m.exists {
		return fmt.Errorf("schedule %q not found", RecoveryScheduleID)
	}
	m.triggers++
	return nil
}

// SetUpsertError makes UpsertRecoverySchedule return an error.
func (m *MockScheduler) SetUpsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// SetDeleteError makes DeleteRecoverySchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetTriggerError makes TriggerRecovery return an error.
func (m *MockScheduler) SetTriggerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerErr = err
}

// ScheduleExists reports whether the schedule is registered.
func (m *MockScheduler) ScheduleExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists
}

// Schedule returns the registered interval and input.
func (m *MockScheduler) Schedule() (time.Duration, RecoverTransactionsInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.input, m.exists
}

// TriggerCount returns the number of manual triggers.
func (m *MockScheduler) TriggerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

// Reset clears the schedule and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = false
	m.interval = 0
	m.input = RecoverTransactionsInput{}
	m.triggers = 0
	m.upsertErr = nil
	m.deleteErr = nil
	m.triggerErr = nil
}
