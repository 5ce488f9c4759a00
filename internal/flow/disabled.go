// ABOUTME: Disabled window stored on the cursor by DISABLE_CHAT nodes
// ABOUTME: Timestamps are wall-clock values interpreted in the configured timezone

package flow

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Disabled suppresses automated replies until Timestamp has passed.
type Disabled struct {
	Timestamp     string `json:"timestamp"`
	Timezone      string `json:"timezone"`
	SenderName    string `json:"senderName,omitempty"`
	SenderAddress string `json:"senderMobile,omitempty"`
}

var wallClockLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Until resolves the end of the window. Local wall-clock values are read in
// Timezone, falling back to fallbackTZ and then UTC. Numeric values are unix
// seconds, or milliseconds when large enough.
func (d Disabled) Until(fallbackTZ string) (time.Time, bool) {
	ts := strings.TrimSpace(d.Timestamp)
	if ts == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}

	loc := loadLocation(d.Timezone, fallbackTZ)
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, ts, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Active reports whether the window is still in the future at now.
func (d Disabled) Active(now time.Time, fallbackTZ string) bool {
	until, ok := d.Until(fallbackTZ)
	return ok && now.Before(until)
}

func loadLocation(names ...string) *time.Location {
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

func decodeDisabled(raw json.RawMessage) (*Disabled, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var d Disabled
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
