package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

// stripeStub is a minimal Stripe API double served over httptest. It counts
// calls per route so tests can assert which provider operations ran.
type stripeStub struct {
	mu    sync.Mutex
	calls map[string]int
}

func newStripeStub() *stripeStub {
	return &stripeStub{calls: make(map[string]int)}
}

func (s *stripeStub) callCount(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	s.mu.Lock()
	s.calls[route]++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch route {
	case "GET /v1/prices/price_free":
		fmt.Fprint(w, `{"id":"price_free","object":"price","unit_amount":0,"currency":"usd"}`)
	case "GET /v1/prices/price_paid":
		fmt.Fprint(w, `{"id":"price_paid","object":"price","unit_amount":1500,"currency":"usd"}`)
	case "GET /v1/prices/price_free_eur":
		fmt.Fprint(w, `{"id":"price_free_eur","object":"price","unit_amount":0,"currency":"eur"}`)
	case "POST /v1/subscriptions":
		fmt.Fprint(w, `{"id":"sub_new","object":"subscription","status":"active"}`)
	case "POST /v1/checkout/sessions":
		fmt.Fprint(w, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_1"}`)
	case "POST /v1/billing_portal/sessions":
		fmt.Fprint(w, `{"id":"bps_1","object":"billing_portal.session","url":"https://portal.stripe.test/bps_1"}`)
	case "POST /v1/customers":
		fmt.Fprint(w, `{"id":"cus_new","object":"customer","email":"u1@example.com"}`)
	case "GET /v1/products":
		fmt.Fprint(w, `{"object":"list","has_more":false,"data":[`+
			`{"id":"prod_1","object":"product","name":"Pro","description":"Pro plan","default_price":{"id":"price_paid","object":"price"}},`+
			`{"id":"prod_2","object":"product","name":"Free","description":"Free plan","default_price":{"id":"price_free","object":"price"}}]}`)
	case "GET /v1/subscriptions":
		fmt.Fprint(w, `{"object":"list","has_more":false,"data":[]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"unknown route"}}`)
	}
}

func newStubbedClient(t *testing.T) (*Client, *stripeStub) {
	t.Helper()
	stub := newStripeStub()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		MaxNetworkRetries: stripe.Int64(0),
	})
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}

	c := NewClientWithBackends(Config{
		APIKey:          "sk_test_123",
		WebhookSecret:   testWebhookSecret,
		SuccessURL:      "https://app.example.com/payment-success",
		CancelURL:       "https://app.example.com/payment-canceled",
		PortalReturnURL: "https://app.example.com/account",
	}, backends)
	return c, stub
}

func TestSubscribeProductPlan_FreeUSDPlanSubscribesDirectly(t *testing.T) {
	c, stub := newStubbedClient(t)

	url, err := c.SubscribeProductPlan(context.Background(), "cus_1", "price_free")
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com/payment-success", url)
	assert.Equal(t, 1, stub.callCount("POST /v1/subscriptions"))
	assert.Zero(t, stub.callCount("POST /v1/checkout/sessions"))
}

func TestSubscribeProductPlan_PaidPlanGoesThroughCheckout(t *testing.T) {
	c, stub := newStubbedClient(t)

	url, err := c.SubscribeProductPlan(context.Background(), "cus_1", "price_paid")
	require.NoError(t, err)

	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)
	assert.Zero(t, stub.callCount("POST /v1/subscriptions"))
	assert.Equal(t, 1, stub.callCount("POST /v1/checkout/sessions"))
}

func TestSubscribeProductPlan_FreeNonUSDPlanGoesThroughCheckout(t *testing.T) {
	c, stub := newStubbedClient(t)

	url, err := c.SubscribeProductPlan(context.Background(), "cus_1", "price_free_eur")
	require.NoError(t, err)

	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)
	assert.Zero(t, stub.callCount("POST /v1/subscriptions"))
}

func TestSubscribeProductPlan_UnknownPriceFails(t *testing.T) {
	c, stub := newStubbedClient(t)

	_, err := c.SubscribeProductPlan(context.Background(), "cus_1", "price_missing")
	assert.Error(t, err)
	assert.Zero(t, stub.callCount("POST /v1/subscriptions"))
	assert.Zero(t, stub.callCount("POST /v1/checkout/sessions"))
}

func TestListProducts_ReturnsDefaultPrices(t *testing.T) {
	c, _ := newStubbedClient(t)

	products, err := c.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, ProductInfo{DefaultPriceID: "price_paid", Name: "Pro", Description: "Pro plan"}, products[0])
	assert.Equal(t, ProductInfo{DefaultPriceID: "price_free", Name: "Free", Description: "Free plan"}, products[1])
}

func TestCreateCustomer_RequiresUserID(t *testing.T) {
	c, stub := newStubbedClient(t)

	_, err := c.CreateCustomer(context.Background(), "", "u1@example.com")
	assert.Error(t, err)
	assert.Zero(t, stub.callCount("POST /v1/customers"))
}

func TestCreatePortalSession_ReturnsURL(t *testing.T) {
	c, _ := newStubbedClient(t)

	url, err := c.CreatePortalSession(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.stripe.test/bps_1", url)
}

func TestCreateOneOffCheckoutSession_RejectsNonPositiveAmount(t *testing.T) {
	c, stub := newStubbedClient(t)

	_, err := c.CreateOneOffCheckoutSession(context.Background(), "cus_1", 0, 1)
	assert.Error(t, err)
	assert.Zero(t, stub.callCount("POST /v1/checkout/sessions"))
}

func TestCreateOneOffCheckoutSession_ReturnsURL(t *testing.T) {
	c, stub := newStubbedClient(t)

	url, err := c.CreateOneOffCheckoutSession(context.Background(), "cus_1", 500, 2)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)
	assert.Equal(t, 1, stub.callCount("POST /v1/checkout/sessions"))
}

func TestListActiveSubscriptions_EmptyListIsNotAnError(t *testing.T) {
	c, _ := newStubbedClient(t)

	subs, err := c.ListActiveSubscriptions(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
