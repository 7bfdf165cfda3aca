package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const defaultRecoveryBatchSize = 100

// RecoverTransactionsInput configures one recovery sweep.
type RecoverTransactionsInput struct {
	StaleAfter  time.Duration `json:"stale_after"`
	ApprovalTTL time.Duration `json:"approval_ttl"` // zero disables approval expiry
	BatchSize   int           `json:"batch_size"`
	// ActionTimeout bounds one RecoverTransaction call, which may include a full
	// confirmation wait.
	ActionTimeout time.Duration `json:"action_timeout"`
}

// RecoverTransactionsResult summarizes one recovery sweep.
type RecoverTransactionsResult struct {
	SweepTime time.Time            `json:"sweep_time"`
	Stale     int                  `json:"stale"`
	Recovered []TransactionOutcome `json:"recovered"`
	Expired   []TransactionOutcome `json:"expired"`
	Errors    []string             `json:"errors,omitempty"`
}

// RecoverTransactionsWorkflow resumes records abandoned in transient states
// and rejects approvals that outlived their TTL. It is started by the
// recovery schedule. One record failing does not fail the sweep.
func RecoverTransactionsWorkflow(ctx workflow.Context, input RecoverTransactionsInput) (*RecoverTransactionsResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RecoverTransactionsWorkflow started", "stale_after", input.StaleAfter)

	if input.BatchSize <= 0 {
		input.BatchSize = defaultRecoveryBatchSize
	}
	actionTimeout := input.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = 5 * time.Minute
	}

	result := &RecoverTransactionsResult{SweepTime: workflow.Now(ctx)}

	listCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})
	actionCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: actionTimeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	// Step 1: resume stale in-flight records
	var stale *TransactionIDsResult
	err := workflow.ExecuteActivity(listCtx, a.ListStaleTransactions, ListStaleTransactionsInput{
		OlderThan: input.StaleAfter,
		Limit:     input.BatchSize,
	}).Get(ctx, &stale)
	if err != nil {
		return result, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	result.Stale = len(stale.TransactionIDs)

	result.Recovered, result.Errors = runEach(ctx, actionCtx, a.RecoverTransaction, stale.TransactionIDs, result.Errors)

	// Step 2: reject approvals past their TTL
	if input.ApprovalTTL > 0 {
		var expired *TransactionIDsResult
		err := workflow.ExecuteActivity(listCtx, a.ListExpiredApprovals, ListExpiredApprovalsInput{
			TTL:   input.ApprovalTTL,
			Limit: input.BatchSize,
		}).Get(ctx, &expired)
		if err != nil {
			return result, fmt.Errorf("failed to list expired approvals: %w", err)
		}
		result.Expired, result.Errors = runEach(ctx, listCtx, a.ExpireApproval, expired.TransactionIDs, result.Errors)
	}

	logger.Info("RecoverTransactionsWorkflow completed",
		"stale", result.Stale,
		"recovered", len(result.Recovered),
		"expired", len(result.Expired),
		"errors", len(result.Errors),
	)
	return result, nil
}

// runEach starts activity for every id concurrently and collects the outcomes.
func runEach(ctx, activityCtx workflow.Context, activity any, ids []string, errs []string) ([]TransactionOutcome, []string) {
	futures := make([]workflow.Future, len(ids))
	for i, id := range ids {
		futures[i] = workflow.ExecuteActivity(activityCtx, activity, TransactionInput{TransactionID: id})
	}

	outcomes := make([]TransactionOutcome, 0, len(ids))
	for i, f := range futures {
		var outcome *TransactionOutcome
		if err := f.Get(ctx, &outcome); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ids[i], err))
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, errs
}
