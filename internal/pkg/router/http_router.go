package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/qwork/app/controllers"
	"github.com/ManuelReschke/qwork/internal/pkg/middleware"
)

type HttpRouter struct {
	webhooks    *controllers.WebhookController
	subscribers *controllers.SubscriberController
	auth        *controllers.AuthController
	deps        Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerPublicRoutes(app)
	h.registerAdminRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{
		webhooks:    controllers.NewWebhookController(deps.Billing),
		subscribers: controllers.NewSubscriberController(deps.Activator),
		auth:        controllers.NewAuthController(deps.DB),
		deps:        deps,
	}
}
