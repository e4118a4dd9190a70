package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/mstiller/subpilot/internal/pkg/billing"
	"github.com/mstiller/subpilot/internal/pkg/cache"
	"github.com/mstiller/subpilot/internal/pkg/database"
	"github.com/mstiller/subpilot/internal/pkg/metrics/counter"
)

const (
	productCacheKey = "billing:products"
	productCacheTTL = 5 * time.Minute
	requestTimeout  = 15 * time.Second
)

var validate = validator.New()

func billingClient() *billing.Client {
	return billing.NewClientFromEnv()
}

func billingService(client *billing.Client) *billing.Service {
	return billing.NewServiceFromDB(database.GetDB(), client)
}

// HandleGetAllProducts returns the active product catalog with default
// prices. The list is cached briefly since the catalog rarely changes.
func HandleGetAllProducts(c *fiber.Ctx) error {
	if cached, err := cache.Get(productCacheKey); err == nil && cached != "" {
		var products []billing.ProductInfo
		if err := json.Unmarshal([]byte(cached), &products); err == nil && len(products) > 0 {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"products": products})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	products, err := billingClient().ListProducts(ctx)
	if err != nil {
		log.Printf("list products failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "product_list_failed"})
	}
	if len(products) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no_products"})
	}

	if data, err := json.Marshal(products); err == nil {
		if err := cache.Set(productCacheKey, string(data), productCacheTTL); err != nil {
			log.Printf("product cache write failed: %v", err)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"products": products})
}

// HandleCreateCustomer links a user to a Stripe customer, creating one only
// when no linkage exists yet.
func HandleCreateCustomer(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_user_id"})
	}
	email := strings.TrimSpace(c.Query("email"))

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client := billingClient()
	customer, err := billingService(client).EnsureCustomer(ctx, userID, email)
	if err != nil {
		log.Printf("create customer for user %s failed: %v", userID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "customer_create_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"customer_id": customer.StripeCustomerID})
}

type makePaymentRequest struct {
	PriceID    string `json:"price_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
}

// HandleMakePayment starts a plan for a customer. Zero-amount USD plans
// subscribe directly; everything else returns a hosted checkout URL.
func HandleMakePayment(c *fiber.Ctx) error {
	var req makePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_fields"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client := billingClient()
	svc := billingService(client)

	// One plan per customer: a known linkage with an open subscription blocks
	// a second subscribe instead of creating a parallel plan.
	if userID, err := svc.ResolveUserID(ctx, req.CustomerID); err == nil {
		if open, err := svc.HasOpenSubscription(ctx, userID); err == nil && open {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_subscribed"})
		}
	}

	url, err := client.SubscribeProductPlan(ctx, req.CustomerID, req.PriceID)
	if err != nil {
		log.Printf("subscribe plan %s for customer %s failed: %v", req.PriceID, req.CustomerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleCreateCustomerPortal opens a billing portal session.
func HandleCreateCustomerPortal(c *fiber.Ctx) error {
	customerID := strings.TrimSpace(c.Query("customerId"))
	if customerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_customer_id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url, err := billingClient().CreatePortalSession(ctx, customerID)
	if err != nil {
		log.Printf("portal session for customer %s failed: %v", customerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "portal_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleGetCustomerID returns the customer's subscription status DTO. A
// customer without an active subscription is a normal response, not an error.
func HandleGetCustomerID(c *fiber.Ctx) error {
	customerID := strings.TrimSpace(c.Query("customerId"))
	if customerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_customer_id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	client := billingClient()
	dto, err := billingService(client).GetSubscriptionStatus(ctx, customerID)
	if err != nil {
		log.Printf("subscription status for customer %s failed: %v", customerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_status_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"subscription_id":      dto.SubscriptionID,
		"price_id":             dto.PriceID,
		"status":               dto.Status,
		"current_period_start": formatTimePtr(dto.CurrentPeriodStart),
		"current_period_end":   formatTimePtr(dto.CurrentPeriodEnd),
	})
}

type paymentProductRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Price      int64  `json:"price" validate:"required,gt=0"`
	Quantity   int64  `json:"quantity"`
}

// HandlePaymentProduct creates a payment-mode checkout session for a one-off
// purchase.
func HandlePaymentProduct(c *fiber.Ctx) error {
	var req paymentProductRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
	} else {
		// GET callers commonly pass the purchase as query parameters.
		req.CustomerID = strings.TrimSpace(c.Query("customerId"))
		if price, ok := parsePositiveInt64(c.Query("price")); ok {
			req.Price = price
		}
		if qty, ok := parsePositiveInt64(c.Query("quantity")); ok {
			req.Quantity = qty
		}
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_fields"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url, err := billingClient().CreateOneOffCheckoutSession(ctx, req.CustomerID, req.Price, req.Quantity)
	if err != nil {
		log.Printf("one-off checkout for customer %s failed: %v", req.CustomerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleStripeWebhook receives asynchronous billing events. Signature
// verification happens before any payload content is trusted.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	client := billingClient()
	dispatcher := billing.NewDispatcher(client.WebhookSecret(), billingService(client))

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	outcome, err := dispatcher.Dispatch(ctx, rawBody, signature)
	if outcome.EventID != "" {
		// Counter writes are best effort.
		_ = counter.AddWebhookReceived(outcome.EventType)
		if err != nil {
			_ = counter.AddWebhookFailed(outcome.EventType)
		} else if outcome.Duplicate {
			_ = counter.AddWebhookDuplicate(outcome.EventType)
		}
	}
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		var integrityErr *billing.DataIntegrityError
		if errors.As(err, &integrityErr) {
			log.Printf("webhook %s rejected: %v", outcome.EventID, err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Printf("webhook %s processing failed: %v", outcome.EventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	if outcome.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if outcome.Ignored {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
