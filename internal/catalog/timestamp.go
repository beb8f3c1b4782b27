package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds in
// numeric timestamps. 1e11 seconds is the year 5138.
const epochMillisThreshold = 1e11

// Timestamp decodes the timestamp shapes found in stored catalog records:
// RFC 3339 strings, epoch seconds or milliseconds, {"seconds","nanoseconds"}
// objects (with or without a leading underscore) and null. Anything it
// cannot read is an error; a missing or null value is the zero time.
type Timestamp struct {
	time.Time
}

type epochObject struct {
	Seconds      *float64 `json:"seconds"`
	Nanoseconds  float64  `json:"nanoseconds"`
	USeconds     *float64 `json:"_seconds"`
	UNanoseconds float64  `json:"_nanoseconds"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding timestamp string: %w", err)
		}
		return t.parseString(s)
	case '{':
		var obj epochObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decoding timestamp object: %w", err)
		}
		switch {
		case obj.Seconds != nil:
			t.Time = fromEpoch(*obj.Seconds, obj.Nanoseconds)
		case obj.USeconds != nil:
			t.Time = fromEpoch(*obj.USeconds, obj.UNanoseconds)
		default:
			return fmt.Errorf("timestamp object has no seconds field")
		}
		return nil
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("decoding timestamp number: %w", err)
		}
		t.Time = fromNumber(n)
		return nil
	}
}

// MarshalJSON writes RFC 3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) parseString(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		t.Time = fromNumber(n)
		return nil
	}
	return fmt.Errorf("unrecognized timestamp: %q", s)
}

func fromNumber(n float64) time.Time {
	if math.Abs(n) >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return fromEpoch(n, 0)
}

func fromEpoch(seconds, nanos float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9)+int64(nanos)).UTC()
}
