// Package syncop defines the sync operation domain: queued replication intents,
// their queue lifecycle, conflict resolution and the read-only status projections.
package syncop

import (
	"fmt"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain"
)

// EntityType identifies the kind of local entity an operation replicates.
type EntityType string

const (
	EntityIntervention EntityType = "intervention"
	EntityStep         EntityType = "step"
	EntityPhoto        EntityType = "photo"
	EntityClient       EntityType = "client"
	EntityUser         EntityType = "user"
	EntityTask         EntityType = "task"
)

// defaultTables maps every entity type to its remote collection.
var defaultTables = map[EntityType]string{
	EntityIntervention: "interventions",
	EntityStep:         "intervention_steps",
	EntityPhoto:        "photos",
	EntityClient:       "clients",
	EntityUser:         "users",
	EntityTask:         "tasks",
}

// EntityTypes returns all known entity types in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityIntervention, EntityStep, EntityPhoto, EntityClient, EntityUser, EntityTask}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := defaultTables[t]
	return ok
}

// Table returns the default remote table name for t, or "" for unknown types.
func (t EntityType) Table() string {
	return defaultTables[t]
}

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown entity type %q", domain.ErrValidation, s)
	}
	return t, nil
}

// OperationType is the kind of mutation being replicated.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether o is a known operation type.
func (o OperationType) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperationType converts a string to an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	o := OperationType(s)
	if !o.Valid() {
		return "", fmt.Errorf("%w: unknown operation type %q", domain.ErrValidation, s)
	}
	return o, nil
}

// EntityRef points at another entity that must exist remotely first.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// Operation is one queued intent to replicate a local mutation to the remote store.
// The payload and timestamp never change once the operation is enqueued.
type Operation struct {
	ID           int64          `json:"id,omitempty"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Type         OperationType  `json:"operation_type"`
	Data         map[string]any `json:"data,omitempty"`
	Dependencies []EntityRef    `json:"dependencies,omitempty"`
	TimestampUTC time.Time      `json:"timestamp_utc"`
}

// Validate checks that the operation can be enqueued.
func (o *Operation) Validate() error {
	if !o.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", domain.ErrValidation, o.EntityType)
	}
	if o.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", domain.ErrValidation)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrValidation, o.Type)
	}
	if o.TimestampUTC.IsZero() {
		return fmt.Errorf("%w: timestamp_utc is required", domain.ErrValidation)
	}
	if o.Type != OpDelete && len(o.Data) == 0 {
		return fmt.Errorf("%w: data is required for %s", domain.ErrValidation, o.Type)
	}
	for _, dep := range o.Dependencies {
		if !dep.Type.Valid() || dep.ID == "" {
			return fmt.Errorf("%w: invalid dependency %q", domain.ErrValidation, dep.String())
		}
		if dep.Type == o.EntityType && dep.ID == o.EntityID {
			return fmt.Errorf("%w: operation depends on itself", domain.ErrValidation)
		}
	}
	return nil
}

// ClockPrecision is the resolution every queue backend stores TimestampUTC at.
const ClockPrecision = time.Microsecond

// Normalize returns a copy with a UTC timestamp truncated to ClockPrecision,
// deduplicated dependencies and no payload for deletes.
func (o Operation) Normalize() Operation {
	o.TimestampUTC = o.TimestampUTC.UTC().Truncate(ClockPrecision)
	if o.Type == OpDelete {
		o.Data = nil
	}
	if len(o.Dependencies) > 0 {
		seen := make(map[EntityRef]bool, len(o.Dependencies))
		deps := make([]EntityRef, 0, len(o.Dependencies))
		for _, d := range o.Dependencies {
			if seen[d] {
				continue
			}
			seen[d] = true
			deps = append(deps, d)
		}
		o.Dependencies = deps
	}
	return o
}

// Ref returns the reference of the entity this operation targets.
func (o *Operation) Ref() EntityRef {
	return EntityRef{Type: o.EntityType, ID: o.EntityID}
}
