package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/qwork/internal/pkg/billing"
	"github.com/ManuelReschke/qwork/internal/pkg/cache"
	"github.com/ManuelReschke/qwork/internal/pkg/database"
	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
	"github.com/ManuelReschke/qwork/internal/pkg/env"
	"github.com/ManuelReschke/qwork/internal/pkg/jobqueue"
	"github.com/ManuelReschke/qwork/internal/pkg/router"
	"github.com/ManuelReschke/qwork/internal/pkg/session"
	"github.com/ManuelReschke/qwork/internal/pkg/statistics"
)

func main() {
	app, jobs := NewApplication()
	jobs.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Server] Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Server] Shutdown error: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Errorf("[Server] %v", err)
	}
	jobs.Stop()
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	db := database.SetupDatabase()
	cache.SetupCache()
	session.NewSessionStore()

	provisioner := entitlements.NewAccountProvisioner(db)
	jobs := jobqueue.NewManager(cache.GetClient(), provisioner)
	activator := entitlements.NewActivator(
		entitlements.NewRepository(db),
		provisioner,
		entitlements.WithFollowUpScheduler(jobs.Scheduler()),
	)
	billingSvc := billing.NewServiceFromDB(db, billing.ConfigFromEnv(),
		billing.WithActivator(activator),
		billing.WithProcessedCache(cache.NewProcessedNotifications(cache.GetClient(), cache.ProcessedTTL)),
	)

	basePath := ""
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), adaptor.HTTPHandler(promhttp.Handler()))

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
			Title:    "qwork API",
		}))
	} else {
		log.Warn("[Server] public/ not found, API docs disabled")
	}

	router.InstallRouter(app, router.Dependencies{
		DB:        db,
		Billing:   billingSvc,
		Activator: activator,
		Stats:     statistics.NewService(db, statistics.NewRedisStore(cache.GetClient()),
			statistics.WithFollowUpQueue(jobs.GetQueue())),
	})

	return app, jobs
}
