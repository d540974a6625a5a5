package billing

import (
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/qwork/internal/pkg/env"
)

// WebhookTokenHeader carries the shared secret on provider notifications.
const WebhookTokenHeader = "asaas-access-token"

type Config struct {
	// WebhookToken is the shared secret expected in WebhookTokenHeader.
	WebhookToken string
	// InsecureSkipVerify disables the token check. Only honored in dev.
	InsecureSkipVerify bool
	// AutoActivate activates the payer when a payment is confirmed.
	AutoActivate bool
}

// ConfigFromEnv reads ASAAS_WEBHOOK_TOKEN, ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY
// and BILLING_AUTO_ACTIVATE.
func ConfigFromEnv() Config {
	cfg := Config{
		WebhookToken: strings.TrimSpace(env.GetEnv("ASAAS_WEBHOOK_TOKEN", "")),
		AutoActivate: env.GetBool("BILLING_AUTO_ACTIVATE", true),
	}

	if env.GetBool("ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY", false) {
		if env.IsDev() {
			log.Warn("[Billing] Webhook token verification disabled (ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY, APP_ENV=dev)")
			cfg.InsecureSkipVerify = true
		} else {
			log.Warn("[Billing] ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY ignored outside APP_ENV=dev")
		}
	}
	if cfg.WebhookToken == "" && !cfg.InsecureSkipVerify {
		log.Warn("[Billing] ASAAS_WEBHOOK_TOKEN is not set, all webhooks will be rejected")
	}
	return cfg
}
