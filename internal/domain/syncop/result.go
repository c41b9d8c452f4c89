package syncop

import "time"

// Result summarizes one processed batch.
type Result struct {
	BatchID    string        `json:"batch_id"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Abandoned  int           `json:"abandoned"`
	Conflicts  int           `json:"conflicts"`
	Duration   time.Duration `json:"duration_ns"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// SyncStatus is the status projection exposed to callers.
type SyncStatus struct {
	IsRunning        bool       `json:"is_running"`
	BatchInFlight    bool       `json:"batch_in_flight"`
	LastSyncTime     *time.Time `json:"last_sync_time,omitempty"`
	PendingCount     int        `json:"pending_count"`
	FailedCount      int        `json:"failed_count"`
	AbandonedCount   int        `json:"abandoned_count"`
	TotalCount       int        `json:"total_count"`
	NetworkAvailable bool       `json:"network_available"`
	RemoteCircuit    string     `json:"remote_circuit,omitempty"`
	RecentErrors     []string   `json:"recent_errors"`
}

// MetricsSnapshot is a display copy of the sync counters and queue gauges.
type MetricsSnapshot struct {
	Pending           int           `json:"pending"`
	Processing        int           `json:"processing"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Abandoned         int           `json:"abandoned"`
	AverageRetryCount float64       `json:"average_retry_count"`
	OldestPendingAge  time.Duration `json:"oldest_pending_age_ns"`
	TotalCompleted    int64         `json:"total_completed"`
	TotalFailed       int64         `json:"total_failed"`
	TotalAbandoned    int64         `json:"total_abandoned"`
	TotalConflicts    int64         `json:"total_conflicts"`
	Batches           int64         `json:"batches"`
	LastBatchDuration time.Duration `json:"last_batch_duration_ns"`
}
