package scheduler

import "errors"

var (
	// ErrDefinitionInvalid: the definition was not produced by
	// workflow.Load. Non-retryable, surfaced to the author.
	ErrDefinitionInvalid = errors.New("definition invalid")

	// ErrConcurrencyExceeded: the per-branch concurrency limit is
	// reached. Retryable once a slot frees.
	ErrConcurrencyExceeded = errors.New("branch concurrency limit reached")

	// ErrQueueFull: the admission queue is at capacity. Retryable.
	ErrQueueFull = errors.New("run queue is full")

	// ErrNoMatchingJobs: no job in the definition accepts this
	// trigger; nothing to run.
	ErrNoMatchingJobs = errors.New("no jobs match trigger")

	// ErrUnknownRun: cancellation target is not active.
	ErrUnknownRun = errors.New("unknown or finished run")
)
