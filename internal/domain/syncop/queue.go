package syncop

import "time"

// Status is the queue lifecycle state of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// QueueItem is an operation together with the bookkeeping the queue keeps for it.
type QueueItem struct {
	Operation     Operation  `json:"operation"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// QueueStats is the authoritative point-in-time view of the queue.
type QueueStats struct {
	Pending           int        `json:"pending"`
	Processing        int        `json:"processing"`
	Completed         int        `json:"completed"`
	Abandoned         int        `json:"abandoned"`
	Retrying          int        `json:"retrying"` // pending items that failed at least once
	Total             int        `json:"total"`
	AverageRetryCount float64    `json:"average_retry_count"`
	OldestPendingAt   *time.Time `json:"oldest_pending_at,omitempty"`
}

// RetryPolicy decides how often and how late a failed operation is retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// MinRetryBudget is the smallest MaxRetries a queue accepts. With a budget of
// one, the first dependency miss would abandon an operation whose parent simply
// has not synced yet.
const MinRetryBudget = 2

// DefaultRetryPolicy returns five attempts with 30s doubling backoff capped at one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
	}
}

// Backoff returns the delay before the next attempt after retryCount failures.
// Formula: BaseDelay * 2^(retryCount-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the item's failures use up its retry budget.
// An item without its own budget falls back to the policy's.
func (p RetryPolicy) Exhausted(item *QueueItem) bool {
	limit := item.MaxRetries
	if limit <= 0 {
		limit = p.MaxRetries
	}
	return item.RetryCount >= limit
}

// Fail applies one failure to item at time now: it bumps the retry count and
// moves the item back to pending or on to abandoned. Terminal items are left
// untouched and ErrTerminal is returned.
func (p RetryPolicy) Fail(item *QueueItem, reason string, now time.Time) error {
	if item.Status.Terminal() {
		return ErrTerminal
	}
	item.RetryCount++
	item.LastError = reason
	item.UpdatedAt = now
	item.ClaimedAt = nil

	if p.Exhausted(item) {
		item.Status = StatusAbandoned
		return nil
	}
	item.Status = StatusPending
	item.NextAttemptAt = now.Add(p.Backoff(item.RetryCount))
	return nil
}
