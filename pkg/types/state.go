package types

// IsValidJobTransition validates job status transitions.
//
// Valid transitions:
//
//	queued -> in_flight
//	in_flight -> done | queued | failed | dead_lettered
//	failed -> queued (operator requeue)
//	dead_lettered -> queued (operator requeue)
//	done -> (terminal)
func IsValidJobTransition(current, next JobStatus) bool {
	switch current {
	case JobQueued:
		return next == JobInFlight

	case JobInFlight:
		return next == JobDone || next == JobQueued ||
			next == JobFailed || next == JobDeadLettered

	case JobFailed, JobDeadLettered:
		return next == JobQueued

	case JobDone:
		return false

	default:
		return false
	}
}

// IsTerminal reports whether a job in status s will never run again
// without operator action.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed || s == JobDeadLettered
}
