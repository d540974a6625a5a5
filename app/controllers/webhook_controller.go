package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/qwork/internal/pkg/billing"
	"github.com/ManuelReschke/qwork/internal/pkg/metrics"
)

const webhookTimeout = 15 * time.Second

// NotificationHandler processes one provider notification.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, sig billing.SignatureContext, payload []byte) (*billing.Outcome, error)
}

type WebhookController struct {
	svc NotificationHandler
}

func NewWebhookController(svc NotificationHandler) *WebhookController {
	return &WebhookController{svc: svc}
}

// HandleAsaasWebhook answers 2xx for everything the provider must not retry:
// processed, duplicate and terminal business conditions. Only failures that
// rolled back return 5xx.
func (wc *WebhookController) HandleAsaasWebhook(c *fiber.Ctx) error {
	start := time.Now()
	event, outcome := "unknown", "error"
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(event, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}()

	rawBody := append([]byte(nil), c.BodyRaw()...)
	sig := billing.SignatureContext{Token: strings.TrimSpace(c.Get(billing.WebhookTokenHeader))}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	out, err := wc.svc.HandleNotification(ctx, sig, rawBody)
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		outcome = "unauthorized"
		log.Warnf("[Billing] Rejected webhook from %s: invalid token", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_token"})
	case errors.Is(err, billing.ErrInvalidPayload):
		outcome = "invalid"
		log.Warnf("[Billing] Rejected webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	case err != nil:
		log.Errorf("[Billing] Webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	event = out.Event
	outcome = "processed"
	if out.Duplicate {
		outcome = "duplicate"
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":        true,
		"duplicate": out.Duplicate,
		"outcome":   out,
	})
}
