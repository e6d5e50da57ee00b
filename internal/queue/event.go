// Package queue carries alert and metric events over RabbitMQ: a persistent
// publisher that implements alert.Emitter and a reconnecting consumer that
// appends every event to a log file.
package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/poscred/internal/alert"
)

// DefaultQueue is the durable queue alerts are published to.
const DefaultQueue = "poscred.alerts"

// Encode serializes an event as a message body.
func Encode(ev alert.Event) ([]byte, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(ev)
}

// Decode parses a message body.
func Decode(body []byte) (alert.Event, error) {
	var ev alert.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("event without type")
	}
	return ev, nil
}

// FormatLine renders an event as one human friendly log line.
func FormatLine(ev alert.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s %s", ev.OccurredAt.UTC().Format(time.RFC3339), strings.ToUpper(string(ev.Severity)), ev.Category, ev.Type)
	if ev.Provider != "" {
		fmt.Fprintf(&b, " | provider=%s", ev.Provider)
	}
	if ev.LocationID != "" {
		fmt.Fprintf(&b, " | location=%s", ev.LocationID)
	}
	if ev.TenantID != "" {
		fmt.Fprintf(&b, " | tenant=%s", ev.TenantID)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " | %q", ev.Message)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s=%v", k, ev.Fields[k])
	}
	b.WriteByte('\n')
	return b.String()
}
