package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a media timing value stored with nanosecond precision while
// encoding to JSON as fractional seconds, the unit every external surface of
// this service speaks (probe output, segment metadata, API responses).
type Duration time.Duration

// DurationFromSeconds converts fractional seconds into a Duration.
func DurationFromSeconds(seconds float64) Duration {
	return Duration(time.Duration(seconds * float64(time.Second)))
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Seconds returns the value as fractional seconds.
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// String implements fmt.Stringer using the standard duration formatting.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as a JSON number of seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%.3f", d.Seconds())), nil
}

// UnmarshalJSON accepts a JSON number of fractional seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if seconds < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	*d = DurationFromSeconds(seconds)
	return nil
}
