package domain

import "errors"

// Admission and lookup level sentinel errors. The queue manager raises
// these itself; they never come out of the error classifier.
var (
	// ErrJobNotFound is returned when a job id is not known to this
	// process at all (neither active nor in the result cache).
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyFinal is returned by Cancel when the job already reached a
	// terminal state before the cancel request arrived.
	ErrAlreadyFinal = errors.New("job already reached a final state")

	// ErrInvalidRequest is returned by Submit when the payload is missing,
	// not an object, or lacks a model/messages field.
	ErrInvalidRequest = errors.New("invalid request payload")

	// ErrQueueBackpressure is returned by Submit when admitting the job
	// would exceed the configured max queue depth.
	ErrQueueBackpressure = errors.New("queue is at capacity")

	// ErrInlineRunTimeout is returned by RunInline when the waiter timer
	// fires before the job reaches a terminal state. The underlying job is
	// not cancelled; it keeps running in the queue.
	ErrInlineRunTimeout = errors.New("inline run timed out waiting for completion")
)
