package thread

import "errors"

var (
	// ErrNotPaused is returned when an operation requires the thread to
	// be paused and it is not.
	ErrNotPaused = errors.New("thread is not paused")

	// ErrThreadRunning rejects queued evaluations found unservable
	// because the thread was already running at dequeue time.
	ErrThreadRunning = errors.New("thread is running")

	// ErrExited is returned for operations on a thread whose actor has
	// exited.
	ErrExited = errors.New("thread has exited")

	// ErrNoResponse rejects a request left unanswered past the
	// configured request timeout.
	ErrNoResponse = errors.New("no response from backend")
)
