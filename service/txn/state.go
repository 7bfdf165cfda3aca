package txn

// transitions is the complete set of legal status moves. Anything absent is illegal.
var transitions = map[Status][]Status{
	StatusPending:           {StatusSimulating},
	StatusSimulating:        {StatusSimulationFailed, StatusPolicyEval},
	StatusPolicyEval:        {StatusRejected, StatusAwaitingApproval, StatusSigning},
	StatusAwaitingApproval:  {StatusSigning, StatusRejected},
	StatusSigning:           {StatusSigningFailed, StatusSubmitting},
	StatusSubmitting:        {StatusSubmitted},
	StatusSubmitted:         {StatusConfirmed, StatusFailed},
	StatusFailed:            {StatusRetrying, StatusPermanentlyFailed},
	StatusRetrying:          {StatusSubmitting},
	StatusRejected:          {StatusRetrying},
	StatusSigningFailed:     {StatusRetrying},
	StatusPermanentlyFailed: {StatusRetrying},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a move and returns the new status, or an
// InvalidTransition error naming both states.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, Errorf(KindInvalidTransition, "invalid transition from %s to %s", from, to)
	}
	return to, nil
}

// NextStatuses returns the statuses reachable in one step from s.
func NextStatuses(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// IsTerminal reports whether no automatic processing follows s.
// Rejected, signing_failed and permanently_failed only leave via an explicit retry.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusSimulationFailed, StatusRejected, StatusSigningFailed, StatusPermanentlyFailed:
		return true
	}
	return false
}

// IsInFlight reports whether a record in s is actively owned by a pipeline run
// and so is a candidate for crash recovery when it goes stale. Failed counts
// until the retry policy has moved it on.
func (s Status) IsInFlight() bool {
	switch s {
	case StatusPending, StatusSimulating, StatusPolicyEval, StatusSigning,
		StatusSubmitting, StatusSubmitted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// InFlightStatuses lists every status for which IsInFlight is true.
func InFlightStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if s.IsInFlight() {
			out = append(out, s)
		}
	}
	return out
}

// IsRetryable reports whether a manual retry may start from s.
func (s Status) IsRetryable() bool {
	return s == StatusFailed || s == StatusPermanentlyFailed
}
