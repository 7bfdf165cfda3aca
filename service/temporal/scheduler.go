package temporal

import (
	"context"
	"time"
)

// RecoveryScheduleID is the Temporal schedule that triggers RecoverTransactionsWorkflow.
const RecoveryScheduleID = "agentpay-recovery"

// Scheduler manages the recovery schedule.
type Scheduler interface {
	// UpsertRecoverySchedule creates the schedule, or updates its interval and
	// sweep input when it already exists.
	UpsertRecoverySchedule(ctx context.Context, interval time.Duration, input RecoverTransactionsInput) error

	// DeleteRecoverySchedule removes the schedule.
	DeleteRecoverySchedule(ctx context.Context) error

	// TriggerRecovery starts a sweep immediately.
	TriggerRecovery(ctx context.Context) error
}

// ScheduleStatus is a summary of the recovery schedule.
type ScheduleStatus struct {
	ID              string
	Interval        time.Duration
	Paused          bool
	NumActions      int
	RecentActions   []time.Time
	NextActionTimes []time.Time
}
