package models

import (
	"strconv"
	"strings"
	"time"
)

// FlexTime is a timestamp that tolerates the formats producers actually emit:
// RFC3339 (with or without sub-second precision), epoch milliseconds as a
// number, or either of those as a quoted string. A value that cannot be
// parsed unmarshals to the zero time instead of failing the record; the
// record mapper repairs zero times afterwards.
type FlexTime struct {
	t time.Time
}

func NewFlexTime(t time.Time) FlexTime { return FlexTime{t: t} }

func (f FlexTime) Time() time.Time { return f.t }

func (f FlexTime) IsZero() bool { return f.t.IsZero() }

func (f FlexTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.t.UTC().Format(time.RFC3339Nano))), nil
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		f.t = time.Time{}
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			f.t = t
			return nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.t = time.UnixMilli(ms).UTC()
		return nil
	}
	// Malformed dates are repaired, not rejected.
	f.t = time.Time{}
	return nil
}
