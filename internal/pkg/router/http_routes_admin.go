package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/qwork/app/controllers"
	"github.com/ManuelReschke/qwork/internal/pkg/middleware"
)

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	adminAPI := app.Group("/admin/api")

	adminAPI.Post("/login", limiter.New(limiter.Config{
		Max:        10,
		Expiration: time.Minute,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too_many_requests"})
		},
	}), h.auth.HandleAdminLogin)
	adminAPI.Post("/logout", middleware.RequireAPISessionAuth, h.auth.HandleAdminLogout)

	subscribers := adminAPI.Group("/subscribers", middleware.RequireAPIAdmin)
	subscribers.Post("/:id/activate", h.subscribers.HandleActivate)
	subscribers.Post("/:id/deactivate", h.subscribers.HandleDeactivate)

	if h.deps.Stats != nil {
		adminAPI.Get("/stats", middleware.RequireAPIAdmin, controllers.HandleStatsOverview(h.deps.Stats))
	}
}
