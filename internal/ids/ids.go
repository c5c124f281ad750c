// Package ids produces sortable identifiers for signing keys and requests.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID for the current time. IDs generated within the same
// millisecond are strictly increasing.
func New() string {
	return ulid.Make().String()
}

// KeyID returns a lower-case ULID for use as a JWT kid.
func KeyID() string {
	return strings.ToLower(New())
}

// RequestID returns a ULID for request correlation.
func RequestID() string {
	return New()
}

// Time returns the timestamp embedded in id.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
