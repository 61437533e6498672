package scheduler

import "errors"

var (
	// ErrSourceRejected is returned when a start source is not on the allow-list.
	ErrSourceRejected = errors.New("start source not allowed")
	// ErrStartThrottled is returned when starts come faster than the minimum interval.
	ErrStartThrottled = errors.New("queue was started too recently")
	// ErrGracePeriod is returned for non-manual starts right after activation.
	ErrGracePeriod = errors.New("non-manual start during activation grace period")
	// ErrEmptyQueue is returned when there are no prompts to run.
	ErrEmptyQueue = errors.New("prompt queue is empty")
	// ErrNoClient is fatal: there is no remote client to send through.
	ErrNoClient = errors.New("no remote client available")
	// ErrRetryBudgetExceeded is fatal: one item failed more often than allowed.
	ErrRetryBudgetExceeded = errors.New("retry budget for queue item exceeded")
)
