package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mstiller/subpilot/app/models"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"
)

// Gateway is the slice of the Stripe client the service depends on.
type Gateway interface {
	CreateCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

// Service provides customer linkage, subscription synchronization and the
// subscription status query.
type Service struct {
	repo    Repository
	gateway Gateway
}

// NewService creates a billing service from an injected repository and gateway.
func NewService(repo Repository, gateway Gateway) *Service {
	return &Service{repo: repo, gateway: gateway}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateway Gateway) *Service {
	return NewService(NewRepository(db), gateway)
}

// EnsureCustomer returns the user's billing customer, creating the Stripe
// customer only when no linkage exists yet. One customer per user.
func (s *Service) EnsureCustomer(ctx context.Context, userID, email string) (*models.BillingCustomer, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("user_id is required")
	}

	existing, err := s.repo.GetCustomerByUserID(uid)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	cust, err := s.gateway.CreateCustomer(ctx, uid, email)
	if err != nil {
		return nil, err
	}
	return s.EnsureCustomerRecord(ctx, uid, cust.ID, cust.Email)
}

// EnsureCustomerRecord upserts the {user, stripe customer} linkage. Safe to
// call repeatedly for the same customer ID.
func (s *Service) EnsureCustomerRecord(ctx context.Context, userID, stripeCustomerID, email string) (*models.BillingCustomer, error) {
	_ = ctx
	uid := strings.TrimSpace(userID)
	scID := strings.TrimSpace(stripeCustomerID)
	if uid == "" || scID == "" {
		return nil, errors.New("user_id and stripe_customer_id are required")
	}

	customer := &models.BillingCustomer{
		UserID:           uid,
		StripeCustomerID: scID,
		Email:            strings.TrimSpace(email),
	}
	if err := s.repo.UpsertCustomer(customer); err != nil {
		return nil, err
	}
	return customer, nil
}

// ResolveUserID maps a Stripe customer ID to the linked user.
func (s *Service) ResolveUserID(ctx context.Context, stripeCustomerID string) (string, error) {
	_ = ctx
	scID := strings.TrimSpace(stripeCustomerID)
	if scID == "" {
		return "", errors.New("stripe_customer_id is required")
	}
	customer, err := s.repo.GetCustomerByStripeID(scID)
	if err != nil {
		return "", err
	}
	return customer.UserID, nil
}

// ResolveSubscriptionUser maps a Stripe subscription ID to the user owning
// the locally synced row.
func (s *Service) ResolveSubscriptionUser(ctx context.Context, stripeSubscriptionID string) (string, error) {
	_ = ctx
	id := strings.TrimSpace(stripeSubscriptionID)
	if id == "" {
		return "", errors.New("stripe_subscription_id is required")
	}
	sub, err := s.repo.GetSubscriptionByStripeID(id)
	if err != nil {
		return "", err
	}
	return sub.UserID, nil
}

// SyncSubscription upserts Stripe subscription state keyed by subscription
// ID. Redeliveries overwrite in place instead of duplicating rows.
func (s *Service) SyncSubscription(ctx context.Context, in SubscriptionSnapshot) (*models.BillingSubscription, error) {
	_ = ctx
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.StripeSubscriptionID) == "" {
		return nil, errors.New("user_id and stripe_subscription_id are required")
	}

	sub := &models.BillingSubscription{
		UserID:               strings.TrimSpace(in.UserID),
		StripeSubscriptionID: strings.TrimSpace(in.StripeSubscriptionID),
		StripePriceID:        strings.TrimSpace(in.StripePriceID),
		Status:               normalizeStatus(in.Status),
		CurrentPeriodStart:   in.CurrentPeriodStart,
		CurrentPeriodEnd:     in.CurrentPeriodEnd,
		CancelAtPeriodEnd:    in.CancelAtPeriodEnd,
		RawPayloadJSON:       in.RawPayloadJSON,
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionStatus maps a customer's active subscriptions to the status
// DTO. No active subscription is a normal state and returns the sentinel DTO
// with a nil error; a provider failure returns a zero DTO and the error.
func (s *Service) GetSubscriptionStatus(ctx context.Context, stripeCustomerID string) (SubscriptionStatusDTO, error) {
	subs, err := s.gateway.ListActiveSubscriptions(ctx, stripeCustomerID)
	if err != nil {
		return SubscriptionStatusDTO{}, err
	}
	if len(subs) == 0 {
		return NotSubscribedDTO(), nil
	}

	sub := subs[0]
	for _, cand := range subs {
		if isEntitlingStatus(string(cand.Status)) {
			sub = cand
			break
		}
	}
	start, end := subscriptionPeriod(sub)
	return SubscriptionStatusDTO{
		SubscriptionID:     sub.ID,
		PriceID:            firstPriceID(sub),
		Status:             normalizeStatus(string(sub.Status)),
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}, nil
}

// HasOpenSubscription reports whether any locally synced subscription still
// occupies the user's plan slot.
func (s *Service) HasOpenSubscription(ctx context.Context, userID string) (bool, error) {
	_ = ctx
	subs, err := s.repo.ListSubscriptionsByUser(strings.TrimSpace(userID))
	if err != nil {
		return false, err
	}
	for i := range subs {
		if subs[i].IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

// RecordWebhookEvent persists webhook payloads idempotently by event ID.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	eventID := strings.TrimSpace(in.StripeEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		StripeEventID:  eventID,
		EventType:      strings.TrimSpace(in.EventType),
		PayloadJSON:    in.PayloadJSON,
		SignatureValid: in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// subscriptionPeriod reads the billing period from the first subscription
// item, where current API versions report it.
func subscriptionPeriod(sub *stripe.Subscription) (start, end *time.Time) {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, nil
	}
	item := sub.Items.Data[0]
	return unixTimePtr(item.CurrentPeriodStart), unixTimePtr(item.CurrentPeriodEnd)
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}
