package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the services the HTTP surface dispatches to.
type Dependencies struct {
	DB        *gorm.DB
	Billing   controllers.NotificationHandler
	Activator controllers.SubscriberActivator
	Stats     controllers.OverviewProvider
}

// InstallRouter registers every route. The session store must be set up
// before the first request.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
