package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mstiller/subpilot/internal/pkg/env"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Config carries the Stripe credentials and redirect targets for a Client.
// It is read once at construction and never mutated afterwards; there is no
// global API key.
type Config struct {
	APIKey          string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// Client is a thin typed wrapper around the Stripe API for the operations
// this service needs.
type Client struct {
	cfg Config
	api *client.API
}

// NewClient creates a gateway client from an immutable config.
func NewClient(cfg Config) *Client {
	return NewClientWithBackends(cfg, nil)
}

// NewClientWithBackends creates a gateway client with explicit backends.
// Tests use this to point the SDK at an httptest server.
func NewClientWithBackends(cfg Config, backends *stripe.Backends) *Client {
	api := &client.API{}
	api.Init(cfg.APIKey, backends)
	return &Client{cfg: cfg, api: api}
}

// NewClientFromEnv builds a client from the process environment. In dev the
// SDK logs every request and response.
func NewClientFromEnv() *Client {
	if env.IsDev() {
		stripe.DefaultLeveledLogger = &stripe.LeveledLogger{Level: stripe.LevelDebug}
	}

	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	successURL := strings.TrimSpace(env.GetEnv("STRIPE_SUCCESS_URL", ""))
	if successURL == "" && base != "" {
		successURL = base + "/payment-success"
	}
	cancelURL := strings.TrimSpace(env.GetEnv("STRIPE_CANCEL_URL", ""))
	if cancelURL == "" && base != "" {
		cancelURL = base + "/payment-canceled"
	}
	returnURL := strings.TrimSpace(env.GetEnv("STRIPE_PORTAL_RETURN_URL", ""))
	if returnURL == "" && base != "" {
		returnURL = base + "/account"
	}

	return NewClient(Config{
		APIKey:          strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret:   strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		SuccessURL:      successURL,
		CancelURL:       cancelURL,
		PortalReturnURL: returnURL,
	})
}

// WebhookSecret exposes the signing secret for the webhook dispatcher.
func (c *Client) WebhookSecret() string {
	return c.cfg.WebhookSecret
}

// ListProducts returns all active products with their default price.
func (c *Client) ListProducts(ctx context.Context) ([]ProductInfo, error) {
	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	params.Context = ctx
	params.AddExpand("data.default_price")

	var out []ProductInfo
	iter := c.api.Products.List(params)
	for iter.Next() {
		p := iter.Product()
		info := ProductInfo{
			Name:        p.Name,
			Description: p.Description,
		}
		if p.DefaultPrice != nil {
			info.DefaultPriceID = p.DefaultPrice.ID
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return out, nil
}

// CreateCustomer creates a Stripe customer linked to a user via metadata.
func (c *Client) CreateCustomer(ctx context.Context, userID, email string) (*stripe.Customer, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("user_id", userID)

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return cust, nil
}

// CreateSubscription subscribes a customer to a price directly, without
// collecting a payment method. Used for zero-amount plans only.
func (c *Client) CreateSubscription(ctx context.Context, customerID, priceID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.Context = ctx

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return sub, nil
}

// GetPrice fetches a price by ID.
func (c *Client) GetPrice(ctx context.Context, priceID string) (*stripe.Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx

	price, err := c.api.Prices.Get(priceID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return price, nil
}

// CreateCheckoutSession creates a subscription-mode hosted checkout and
// returns its URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(uuid.NewString())

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", wrapStripeError(err)
	}
	return sess.URL, nil
}

// CreateOneOffCheckoutSession creates a payment-mode checkout for a one-off
// purchase priced inline.
func (c *Client) CreateOneOffCheckoutSession(ctx context.Context, customerID string, unitAmount, quantity int64) (string, error) {
	if unitAmount <= 0 {
		return "", errors.New("unit amount must be positive")
	}
	if quantity <= 0 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(unitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("One-off purchase"),
					},
				},
				Quantity: stripe.Int64(quantity),
			},
		},
		SuccessURL: stripe.String(c.cfg.SuccessURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(uuid.NewString())

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", wrapStripeError(err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens a billing portal session for an existing
// customer and returns its URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.PortalReturnURL),
	}
	params.Context = ctx

	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", wrapStripeError(err)
	}
	return sess.URL, nil
}

// ListActiveSubscriptions returns the customer's subscriptions filtered to
// active status, in provider default ordering.
func (c *Client) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	var out []*stripe.Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return out, nil
}

// SubscribeProductPlan starts a plan for a customer. Zero-amount USD prices
// subscribe directly with no payment collection and return the fixed success
// URL; every other price goes through a hosted checkout session.
func (c *Client) SubscribeProductPlan(ctx context.Context, customerID, priceID string) (string, error) {
	price, err := c.GetPrice(ctx, priceID)
	if err != nil {
		return "", err
	}

	if price.UnitAmount == 0 && price.Currency == stripe.CurrencyUSD {
		if _, err := c.CreateSubscription(ctx, customerID, priceID); err != nil {
			return "", err
		}
		return c.cfg.SuccessURL, nil
	}

	return c.CreateCheckoutSession(ctx, customerID, priceID)
}

// wrapStripeError surfaces the Stripe error code and request ID so callers
// can log something actionable instead of an opaque message string.
func wrapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe: %s (code=%s request_id=%s): %w", stripeErr.Msg, stripeErr.Code, stripeErr.RequestID, err)
	}
	return fmt.Errorf("stripe: %w", err)
}
