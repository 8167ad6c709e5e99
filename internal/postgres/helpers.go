package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// textPtrToNullable converts a *string to pgtype.Text.
// nil → NULL, non-nil → valid text.
func textPtrToNullable(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// nullableTextToPtr converts pgtype.Text to *string.
func nullableTextToPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// nilIfZeroUUID maps uuid.Nil to a NULL column value. Request rows at the
// collection root carry folder_id NULL; the domain model uses uuid.Nil.
func nilIfZeroUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// zeroIfNilUUID is the scan-side inverse of nilIfZeroUUID.
func zeroIfNilUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// marshalJSONB serializes a value for a JSONB column. Nil slices and nil
// pointers become NULL rather than the JSON literal "null".
func marshalJSONB(v any, what string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", what, err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// unmarshalJSONB deserializes a JSONB column into out; NULL is a no-op.
func unmarshalJSONB(data []byte, out any, what string) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}
