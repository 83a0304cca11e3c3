// Package uid provides the normalized upstream identifier type. The
// upstream API returns UUID-shaped identifiers in either canonical dashed
// form or compact 32-hex form; this package consolidates the normalization
// so the rest of the codebase only ever sees the dashed form.
//
// The all-zeros UUID is a valid sentinel meaning "the default child of this
// parent" and is preserved, never treated as absent. Absence is the zero
// value ID{}.
package uid

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel is the dashed form of the all-zeros UUID. Upstream uses it for
// "default" children (e.g., the implicit phase of a project).
const Sentinel = "00000000-0000-0000-0000-000000000000"

// ID is a normalized upstream identifier: lowercase, canonical dashed UUID.
// The zero value (ID{}) represents an absent identifier. The all-zeros UUID
// is NOT the zero value — it is a valid sentinel id.
type ID struct {
	value string
}

// Parse normalizes a raw upstream identifier. Dashed and compact (32-hex)
// forms are accepted; the result is always lowercase dashed. Empty input
// yields the zero ID without error so optional fields parse cleanly.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, nil
	}

	u, err := uuid.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("uid: parsing %q: %w", raw, err)
	}

	return ID{value: strings.ToLower(u.String())}, nil
}

// MustParse is Parse for known-good literals; it panics on malformed input.
// Test helper — production code always uses Parse.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return id
}

// String returns the canonical dashed form, or "" for the zero ID.
func (id ID) String() string {
	return id.value
}

// Compact returns the 32-hex form without dashes, or "" for the zero ID.
func (id ID) Compact() string {
	return strings.ReplaceAll(id.value, "-", "")
}

// IsZero reports whether the ID is absent. The all-zeros sentinel UUID is
// present, not absent, so it reports false.
func (id ID) IsZero() bool {
	return id.value == ""
}

// IsSentinel reports whether the ID is the all-zeros "default child" UUID.
func (id ID) IsSentinel() bool {
	return id.value == Sentinel
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, normalizing the input.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Scan implements sql.Scanner. SQL NULL produces the zero ID.
func (id *ID) Scan(src any) error {
	if src == nil {
		*id = ID{}
		return nil
	}

	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}

		*id = parsed

		return nil
	case []byte:
		return id.Scan(string(v))
	default:
		return fmt.Errorf("uid.ID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer. The zero ID writes SQL NULL; the sentinel
// UUID writes its dashed form like any other id.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.value, nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)
