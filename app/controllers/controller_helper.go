package controllers

import (
	"strconv"
	"strings"
	"time"
)

// formatTimePtr renders a nullable timestamp as RFC3339 UTC, or nil.
func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parsePositiveInt64 parses a positive integer from a request value.
func parsePositiveInt64(raw string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
