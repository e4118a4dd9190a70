package billing

import (
	"strings"
	"time"

	"github.com/mstiller/subpilot/app/models"
)

var knownStatuses = map[string]struct{}{
	models.BillingStatusActive:            {},
	models.BillingStatusTrialing:          {},
	models.BillingStatusPastDue:           {},
	models.BillingStatusCanceled:          {},
	models.BillingStatusIncomplete:        {},
	models.BillingStatusIncompleteExpired: {},
	models.BillingStatusUnpaid:            {},
	models.BillingStatusPaused:            {},
}

// normalizeStatus maps a raw Stripe subscription status onto the local status
// set. Unknown values collapse to incomplete so new provider states never
// grant entitlements by accident.
func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if _, ok := knownStatuses[s]; ok {
		return s
	}
	return models.BillingStatusIncomplete
}

func isEntitlingStatus(status string) bool {
	switch normalizeStatus(status) {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}

// unixTimePtr converts a Stripe epoch second into a nullable timestamp.
// Stripe uses 0 for unset period fields.
func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
