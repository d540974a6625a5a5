package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/qwork/app/controllers"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealthz(h.deps.DB))

	// Billing provider webhooks (token verified by the billing service)
	app.Post("/webhooks/asaas", h.webhooks.HandleAsaasWebhook)
}
