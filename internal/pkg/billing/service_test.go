package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mstiller/subpilot/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"
)

// fakeRepository is an in-memory Repository used by service and dispatcher
// tests. It mimics the unique-key upsert semantics of the GORM repository.
type fakeRepository struct {
	customers map[string]*models.BillingCustomer   // by stripe customer id
	subs      map[string]*models.BillingSubscription // by stripe subscription id
	events    map[string]*models.BillingWebhookEvent // by stripe event id

	nextID                  uint
	upsertCustomerCalls     int
	upsertSubscriptionCalls int

	failUpsertSubscription error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		customers: make(map[string]*models.BillingCustomer),
		subs:      make(map[string]*models.BillingSubscription),
		events:    make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *fakeRepository) UpsertCustomer(customer *models.BillingCustomer) error {
	r.upsertCustomerCalls++
	if existing, ok := r.customers[customer.StripeCustomerID]; ok {
		existing.Email = customer.Email
		*customer = *existing
		return nil
	}
	r.nextID++
	customer.ID = r.nextID
	stored := *customer
	r.customers[customer.StripeCustomerID] = &stored
	return nil
}

func (r *fakeRepository) GetCustomerByUserID(userID string) (*models.BillingCustomer, error) {
	for _, c := range r.customers {
		if c.UserID == userID {
			out := *c
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) GetCustomerByStripeID(stripeCustomerID string) (*models.BillingCustomer, error) {
	if c, ok := r.customers[stripeCustomerID]; ok {
		out := *c
		return &out, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) UpsertSubscription(sub *models.BillingSubscription) error {
	r.upsertSubscriptionCalls++
	if r.failUpsertSubscription != nil {
		return r.failUpsertSubscription
	}
	if existing, ok := r.subs[sub.StripeSubscriptionID]; ok {
		sub.ID = existing.ID
	} else {
		r.nextID++
		sub.ID = r.nextID
	}
	stored := *sub
	r.subs[sub.StripeSubscriptionID] = &stored
	return nil
}

func (r *fakeRepository) GetSubscriptionByStripeID(stripeSubscriptionID string) (*models.BillingSubscription, error) {
	if s, ok := r.subs[stripeSubscriptionID]; ok {
		out := *s
		return &out, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) ListSubscriptionsByUser(userID string) ([]models.BillingSubscription, error) {
	var out []models.BillingSubscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	if existing, ok := r.events[event.StripeEventID]; ok {
		out := *existing
		return false, &out, nil
	}
	r.nextID++
	event.ID = r.nextID
	stored := *event
	r.events[event.StripeEventID] = &stored
	out := stored
	return true, &out, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint, processingError string) error {
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type fakeGateway struct {
	createCustomerFn func(ctx context.Context, userID, email string) (*stripe.Customer, error)
	listFn           func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)

	createCustomerCalls int
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error) {
	g.createCustomerCalls++
	if g.createCustomerFn != nil {
		return g.createCustomerFn(ctx, userID, email)
	}
	return &stripe.Customer{ID: "cus_" + userID, Email: email}, nil
}

func (g *fakeGateway) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	if g.listFn != nil {
		return g.listFn(ctx, customerID)
	}
	return nil, nil
}

func TestEnsureCustomer_CreatesOnce(t *testing.T) {
	repo := newFakeRepository()
	gateway := &fakeGateway{}
	svc := NewService(repo, gateway)

	first, err := svc.EnsureCustomer(context.Background(), "u1", "u1@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "cus_u1", first.StripeCustomerID)
	assert.Equal(t, 1, gateway.createCustomerCalls)

	// Second call must hit the stored linkage, not Stripe.
	second, err := svc.EnsureCustomer(context.Background(), "u1", "u1@example.com")
	assert.NoError(t, err)
	assert.Equal(t, first.StripeCustomerID, second.StripeCustomerID)
	assert.Equal(t, 1, gateway.createCustomerCalls)
	assert.Equal(t, 1, repo.upsertCustomerCalls)
}

func TestEnsureCustomer_RequiresUserID(t *testing.T) {
	svc := NewService(newFakeRepository(), &fakeGateway{})
	_, err := svc.EnsureCustomer(context.Background(), "  ", "")
	assert.Error(t, err)
}

func TestSyncSubscription_UpsertsByKey(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &fakeGateway{})

	snapshot := SubscriptionSnapshot{
		UserID:               "u1",
		StripeSubscriptionID: "sub_1",
		StripePriceID:        "price_1",
		Status:               "active",
	}

	first, err := svc.SyncSubscription(context.Background(), snapshot)
	assert.NoError(t, err)

	snapshot.Status = "past_due"
	second, err := svc.SyncSubscription(context.Background(), snapshot)
	assert.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.subs, 1)
	assert.Equal(t, models.BillingStatusPastDue, repo.subs["sub_1"].Status)
}

func TestGetSubscriptionStatus_NotSubscribed(t *testing.T) {
	svc := NewService(newFakeRepository(), &fakeGateway{})

	dto, err := svc.GetSubscriptionStatus(context.Background(), "cus_1")
	assert.NoError(t, err)
	assert.Equal(t, StatusNotSubscribed, dto.Status)
	assert.Empty(t, dto.SubscriptionID)
}

func TestGetSubscriptionStatus_ProviderErrorIsNotAbsence(t *testing.T) {
	gateway := &fakeGateway{
		listFn: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			return nil, fmt.Errorf("stripe: rate limited")
		},
	}
	svc := NewService(newFakeRepository(), gateway)

	dto, err := svc.GetSubscriptionStatus(context.Background(), "cus_1")
	assert.Error(t, err)
	assert.Empty(t, dto.Status)
}

func TestGetSubscriptionStatus_MapsFirstActive(t *testing.T) {
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	gateway := &fakeGateway{
		listFn: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			return []*stripe.Subscription{
				{
					ID:     "sub_1",
					Status: stripe.SubscriptionStatusActive,
					Items: &stripe.SubscriptionItemList{
						Data: []*stripe.SubscriptionItem{
							{
								CurrentPeriodStart: periodStart.Unix(),
								CurrentPeriodEnd:   periodEnd.Unix(),
								Price:              &stripe.Price{ID: "price_1"},
							},
						},
					},
				},
			}, nil
		},
	}
	svc := NewService(newFakeRepository(), gateway)

	dto, err := svc.GetSubscriptionStatus(context.Background(), "cus_1")
	assert.NoError(t, err)
	assert.Equal(t, "sub_1", dto.SubscriptionID)
	assert.Equal(t, "price_1", dto.PriceID)
	assert.Equal(t, models.BillingStatusActive, dto.Status)
	require.NotNil(t, dto.CurrentPeriodStart)
	require.NotNil(t, dto.CurrentPeriodEnd)
	assert.Equal(t, periodStart.Unix(), dto.CurrentPeriodStart.Unix())
	assert.Equal(t, periodEnd.Unix(), dto.CurrentPeriodEnd.Unix())
}

func TestGetSubscriptionStatus_PrefersEntitlingSubscription(t *testing.T) {
	gateway := &fakeGateway{
		listFn: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			return []*stripe.Subscription{
				{ID: "sub_old", Status: stripe.SubscriptionStatusIncomplete},
				{ID: "sub_live", Status: stripe.SubscriptionStatusActive},
			}, nil
		},
	}
	svc := NewService(newFakeRepository(), gateway)

	dto, err := svc.GetSubscriptionStatus(context.Background(), "cus_1")
	assert.NoError(t, err)
	assert.Equal(t, "sub_live", dto.SubscriptionID)
}

func TestHasOpenSubscription(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &fakeGateway{})

	open, err := svc.HasOpenSubscription(context.Background(), "u1")
	assert.NoError(t, err)
	assert.False(t, open)

	_, err = svc.SyncSubscription(context.Background(), SubscriptionSnapshot{
		UserID:               "u1",
		StripeSubscriptionID: "sub_1",
		Status:               "active",
	})
	assert.NoError(t, err)

	open, err = svc.HasOpenSubscription(context.Background(), "u1")
	assert.NoError(t, err)
	assert.True(t, open)

	_, err = svc.SyncSubscription(context.Background(), SubscriptionSnapshot{
		UserID:               "u1",
		StripeSubscriptionID: "sub_1",
		Status:               "canceled",
	})
	assert.NoError(t, err)

	open, err = svc.HasOpenSubscription(context.Background(), "u1")
	assert.NoError(t, err)
	assert.False(t, open)
}

func TestRecordWebhookEvent_HashFallbackForMissingID(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &fakeGateway{})

	created, stored, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		EventType:   "customer.created",
		PayloadJSON: `{"id":"cus_1"}`,
	})
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, stored.StripeEventID, "hash:")

	// Same payload, still no event ID: deduplicated via the hash.
	created, _, err = svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		EventType:   "customer.created",
		PayloadJSON: `{"id":"cus_1"}`,
	})
	assert.NoError(t, err)
	assert.False(t, created)
}

func TestMarkWebhookProcessed_StoresError(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, &fakeGateway{})

	_, stored, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		StripeEventID: "evt_1",
		EventType:     "customer.created",
		PayloadJSON:   "{}",
	})
	assert.NoError(t, err)

	assert.NoError(t, svc.MarkWebhookProcessed(context.Background(), stored.ID, errors.New("boom")))
	assert.Equal(t, "boom", repo.events["evt_1"].ProcessingError)
	assert.NotNil(t, repo.events["evt_1"].ProcessedAt)
}
