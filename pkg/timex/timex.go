// Package timex provides the wire timestamp format used across the project.
package timex

import (
	"time"
)

// Layout is RFC 3339 with millisecond precision and UTC offset, the format
// every API response and event payload uses.
const Layout = "2006-01-02T15:04:05.000Z07:00"

// Format renders t in UTC using Layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Now returns the current time formatted with Layout.
func Now() string {
	return Format(time.Now())
}

// Parse reads a Layout timestamp back into a time.Time.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}
