package syncop

import "errors"

var (
	// ErrTransientNetwork marks a failed or rejected remote call. Retried by the queue policy.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrNoNetwork is returned by an on-demand sync when the remote health check fails.
	ErrNoNetwork = errors.New("no network: remote store unreachable")

	// ErrDependencyMissing marks an operation whose dependency does not exist remotely yet.
	ErrDependencyMissing = errors.New("dependency missing")

	// ErrQueueStorage marks a failure of the queue's persistent storage.
	ErrQueueStorage = errors.New("queue storage failure")

	// ErrAlreadyRunning is returned when starting a service that is already running.
	ErrAlreadyRunning = errors.New("sync service already running")

	// ErrTerminal is returned when changing an item that is completed or abandoned.
	ErrTerminal = errors.New("queue item is in a terminal state")

	// ErrManualResolution marks a conflict that needs a human decision.
	ErrManualResolution = errors.New("manual conflict resolution needed")
)
