package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/mstiller/subpilot/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	rate := limiter.New()

	app.Get("/get-all-products", rate, controllers.HandleGetAllProducts)
	app.Post("/create-customer", rate, controllers.HandleCreateCustomer)
	app.Post("/make-payment", rate, controllers.HandleMakePayment)
	app.Post("/create-customer-portal", rate, controllers.HandleCreateCustomerPortal)
	app.Get("/get-customer-id", rate, controllers.HandleGetCustomerID)
	app.Get("/payment-product", rate, controllers.HandlePaymentProduct)

	// No limiter here: Stripe retries in bursts and throttling a webhook
	// delivery only delays reconciliation.
	app.Post("/webhook", controllers.HandleStripeWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
