package messagequeue

import "time"

// OperationEventPayload is the schema for sync.operation.* messages.
type OperationEventPayload struct {
	OperationID int64     `json:"operation_id"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Operation   string    `json:"operation_type"`
	Status      string    `json:"status"`
	Resolution  string    `json:"resolution,omitempty"` // conflict action taken, if any
	Reason      string    `json:"reason,omitempty"`
	BatchID     string    `json:"batch_id"`
	At          time.Time `json:"at"`
}

// BatchEventPayload is the schema for sync.batch.completed messages.
type BatchEventPayload struct {
	BatchID    string `json:"batch_id"`
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Abandoned  int    `json:"abandoned"`
	Conflicts  int    `json:"conflicts"`
	DurationMS int64  `json:"duration_ms"`
}

// TriggerPayload is the schema for sync.trigger messages.
type TriggerPayload struct {
	Source string `json:"source"`
	Reason string `json:"reason,omitempty"`
}
