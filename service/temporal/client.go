package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// createRecoverySchedule creates the recovery schedule.
func (c *Client) createRecoverySchedule(ctx context.Context, interval time.Duration, input RecoverTransactionsInput) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: RecoveryScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "recover-transactions",
			Workflow:  RecoverTransactionsWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{input},
		},
		// A sweep still running when the next one is due is left to finish.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"created_by": "agentpay",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", RecoveryScheduleID, err)
	}

	c.logger.Info("recovery schedule created",
		"schedule_id", RecoveryScheduleID,
		"interval", interval,
		"stale_after", input.StaleAfter,
	)
	return nil
}

// UpsertRecoverySchedule creates or updates the recovery schedule.
func (c *Client) UpsertRecoverySchedule(ctx context.Context, interval time.Duration, input RecoverTransactionsInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return c.createRecoverySchedule(ctx, interval, input)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := in.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{input}
				action.TaskQueue = c.taskQueue
			}
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"schedule_id", RecoveryScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", RecoveryScheduleID, err)
	}

	c.logger.Info("recovery schedule updated",
		"schedule_id", RecoveryScheduleID,
		"interval", interval,
		"stale_after", input.StaleAfter,
	)
	return nil
}

// DeleteRecoverySchedule deletes the recovery schedule.
func (c *Client) DeleteRecoverySchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", RecoveryScheduleID, err)
	}
	c.logger.Info("recovery schedule deleted", "schedule_id", RecoveryScheduleID)
	return nil
}

// TriggerRecovery starts a sweep now, outside the schedule's interval.
func (c *Client) TriggerRecovery(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	if err := handle.Trigger(ctx, client.ScheduleTriggerOptions{
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	}); err != nil {
		return fmt.Errorf("failed to trigger schedule %q: %w", RecoveryScheduleID, err)
	}
	c.logger.Info("recovery sweep triggered", "schedule_id", RecoveryScheduleID)
	return nil
}

// DescribeRecoverySchedule summarizes the recovery schedule.
func (c *Client) DescribeRecoverySchedule(ctx context.Context) (*ScheduleStatus, error) {
	handle := c.client.ScheduleClient().GetHandle(ctx, RecoveryScheduleID)
	desc, err := handle.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to describe schedule %q: %w", RecoveryScheduleID, err)
	}

	status := &ScheduleStatus{
		ID:              RecoveryScheduleID,
		NumActions:      desc.Info.NumActions,
		NextActionTimes: desc.Info.NextActionTimes,
	}
	if desc.Schedule.State != nil {
		status.Paused = desc.Schedule.State.Paused
	}
	if desc.Schedule.Spec != nil && len(desc.Schedule.Spec.Intervals) > 0 {
		status.Interval = desc.Schedule.Spec.Intervals[0].Every
	}
	for _, action := range desc.Info.RecentActions {
		status.RecentActions = append(status.RecentActions, action.ActualTime)
	}
	return status, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
