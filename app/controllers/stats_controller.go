package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/qwork/internal/pkg/statistics"
)

type OverviewProvider interface {
	Overview(ctx context.Context, refresh bool) (*statistics.Overview, error)
}

// HandleStatsOverview serves the reconciliation overview. ?refresh=1 bypasses the cache.
func HandleStatsOverview(p OverviewProvider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		o, err := p.Overview(c.UserContext(), c.QueryBool("refresh", false))
		if err != nil {
			log.Errorf("[Statistics] Overview failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
		}
		return c.JSON(o)
	}
}
