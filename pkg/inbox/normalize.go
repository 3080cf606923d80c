package inbox

import (
	"errors"
	"strings"
)

// ErrInvalidTimestamp is reported for timestamps that cannot be mapped to
// epoch milliseconds.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

const (
	// Below this a value is taken to be epoch seconds (year 5138 in
	// seconds, 1973 in milliseconds).
	secondsCeiling = 100_000_000_000
	// Below this a value is epoch milliseconds.
	millisCeiling = 100_000_000_000_000
	// Below this a value is epoch microseconds; above it nanoseconds.
	microsCeiling = 100_000_000_000_000_000
)

// NormalizeMillis converts an epoch timestamp of unknown resolution to
// milliseconds. Zero stays zero (unknown). The conversion is idempotent:
// a millisecond value is returned unchanged, which is what lets mirrored
// snapshots pass through the same ingestion point safely.
func NormalizeMillis(v int64) (int64, error) {
	switch {
	case v < 0:
		return 0, ErrInvalidTimestamp
	case v == 0:
		return 0, nil
	case v < secondsCeiling:
		return v * 1000, nil
	case v < millisCeiling:
		return v, nil
	case v < microsCeiling:
		return v / 1000, nil
	default:
		return v / 1_000_000, nil
	}
}

// NormalizeReplyTo returns nil for every "not a reply" marker (absent,
// empty, "0", "null", "undefined") and a pointer to the trimmed id
// otherwise.
func NormalizeReplyTo(id string) *string {
	id = strings.TrimSpace(id)
	switch id {
	case "", "0", "null", "undefined":
		return nil
	}
	return &id
}

func replyToField(id string) string {
	if p := NormalizeReplyTo(id); p != nil {
		return *p
	}
	return ""
}
