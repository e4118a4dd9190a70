package counter

import (
	"context"
	"strings"

	"github.com/mstiller/subpilot/internal/pkg/cache"
)

const (
	webhookReceivedKey  = "billing:counters:webhooks:received"
	webhookDuplicateKey = "billing:counters:webhooks:duplicate"
	webhookFailedKey    = "billing:counters:webhooks:failed"
)

// AddWebhookReceived increments the received counter for an event type in Redis
func AddWebhookReceived(eventType string) error {
	return incr(webhookReceivedKey, eventType)
}

// AddWebhookDuplicate increments the duplicate-delivery counter for an event type
func AddWebhookDuplicate(eventType string) error {
	return incr(webhookDuplicateKey, eventType)
}

// AddWebhookFailed increments the failed-processing counter for an event type
func AddWebhookFailed(eventType string) error {
	return incr(webhookFailedKey, eventType)
}

func incr(key, eventType string) error {
	field := strings.TrimSpace(eventType)
	if field == "" {
		field = "unknown"
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, key, field, 1).Err()
}
