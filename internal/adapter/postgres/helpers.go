package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpma-off/rpma-sync/internal/domain"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// storageErr wraps a driver error so callers can match syncop.ErrQueueStorage.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, syncop.ErrQueueStorage, err)
}

// notFoundWrap maps pgx.ErrNoRows to domain.ErrNotFound and anything else
// to a storage error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return storageErr(msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err != nil {
		return storageErr(fmt.Sprintf(format, args...), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", domain.ErrNotFound)
	}
	return nil
}

// nullTime converts a zero time to nil for nullable DB columns.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// encodeJSON marshals v for a jsonb column; a nil map becomes SQL NULL.
func encodeJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func encodeDeps(deps []syncop.EntityRef) ([]byte, error) {
	if deps == nil {
		deps = []syncop.EntityRef{}
	}
	return json.Marshal(deps)
}

func decodeOperationJSON(op *syncop.Operation, data, deps []byte) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, &op.Data); err != nil {
			return fmt.Errorf("decode data of operation %d: %w", op.ID, err)
		}
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &op.Dependencies); err != nil {
			return fmt.Errorf("decode dependencies of operation %d: %w", op.ID, err)
		}
		if len(op.Dependencies) == 0 {
			op.Dependencies = nil
		}
	}
	return nil
}
