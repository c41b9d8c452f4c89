package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch subject {
	case SubjectOperationCompleted, SubjectOperationAbandoned:
		target = &OperationEventPayload{}
	case SubjectBatchCompleted:
		target = &BatchEventPayload{}
	case SubjectTrigger:
		target = &TriggerPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if p, ok := target.(*OperationEventPayload); ok && (p.OperationID == 0 || p.EntityID == "") {
		return fmt.Errorf("schema validation failed for %s: operation_id and entity_id are required", subject)
	}
	return nil
}
