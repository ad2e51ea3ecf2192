package fitbark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Layouts used by the service for date-valued fields.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DateLayout,
}

const DateLayout = "2006-01-02"

// Timestamp is an optional date-time field. A null, empty or missing value leaves it unset.
type Timestamp struct {
	time.Time
	Set bool
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = Timestamp{Time: parsed, Set: true}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// Ptr returns the time, or nil when unset.
func (t Timestamp) Ptr() *time.Time {
	if !t.Set {
		return nil
	}
	v := t.Time
	return &v
}

// ParseTimestamp accepts every layout the service is known to emit.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unsupported timestamp %q", ErrProtocol, s)
}
