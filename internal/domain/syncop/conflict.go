package syncop

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain"
)

// Strategy selects how write-write conflicts with the remote store are settled.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyClientWins    Strategy = "client_wins"
	StrategyServerWins    Strategy = "server_wins"
	StrategyManual        Strategy = "manual"
)

// ParseStrategy converts a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLastWriteWins, StrategyClientWins, StrategyServerWins, StrategyManual:
		return st, nil
	case "":
		return StrategyLastWriteWins, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict strategy %q", domain.ErrValidation, s)
	}
}

// ActionKind is the decision taken for a conflicting operation.
type ActionKind string

const (
	ActionUpdateEntity ActionKind = "update_entity"
	ActionSkip         ActionKind = "skip_operation"
	ActionCreateEntity ActionKind = "create_entity"
	ActionDeleteEntity ActionKind = "delete_entity"
	ActionManual       ActionKind = "manual_resolution_needed"
)

// Action is a resolver decision. Payload is set for update and create actions.
type Action struct {
	Kind    ActionKind
	Payload map[string]any
}

// remoteClockFields are checked in order for the remote last-modified time.
var remoteClockFields = []string{"updated_at", "updatedAt", "modified_at"}

// Resolve decides what to do with op given the remote entity's current snapshot.
// It has no side effects.
func Resolve(op *Operation, remote map[string]any, strategy Strategy) Action {
	switch strategy {
	case StrategyClientWins:
		return Action{Kind: ActionUpdateEntity, Payload: op.Data}
	case StrategyServerWins:
		return Action{Kind: ActionSkip}
	default:
		// Manual has no human review path in the engine and settles like LWW.
		return resolveLastWriteWins(op, remote)
	}
}

// resolveLastWriteWins keeps the strictly newer side; ties keep the remote state.
func resolveLastWriteWins(op *Operation, remote map[string]any) Action {
	remoteAt, ok := RemoteTimestamp(remote)
	if !ok {
		return Action{Kind: ActionUpdateEntity, Payload: op.Data}
	}
	if op.TimestampUTC.After(remoteAt) {
		return Action{Kind: ActionUpdateEntity, Payload: op.Data}
	}
	return Action{Kind: ActionSkip}
}

// RemoteTimestamp extracts the remote last-modified time from a snapshot.
// It accepts RFC 3339 strings and epoch seconds or milliseconds.
func RemoteTimestamp(remote map[string]any) (time.Time, bool) {
	for _, field := range remoteClockFields {
		v, ok := remote[field]
		if !ok || v == nil {
			continue
		}
		if t, ok := parseClock(v); ok {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds (year 2286 in seconds).
const epochMillisThreshold = 1e10

func parseClock(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return fromEpoch(float64(n)), true
		}
	case float64:
		return fromEpoch(x), true
	case int64:
		return fromEpoch(float64(x)), true
	case int:
		return fromEpoch(float64(x)), true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return fromEpoch(f), true
		}
	}
	return time.Time{}, false
}

// fromEpoch keeps sub-second precision down to the microsecond; float64 has no
// reliable digits below that for current epoch values.
func fromEpoch(f float64) time.Time {
	if f >= epochMillisThreshold {
		return time.UnixMicro(int64(math.Round(f * 1e3)))
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)
}
