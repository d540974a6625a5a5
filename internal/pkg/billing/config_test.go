package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/qwork/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := env.Env
	env.Env = values
	t.Cleanup(func() { env.Env = prev })
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want Config
	}{
		{
			name: "defaults",
			vars: map[string]string{"APP_ENV": "prod"},
			want: Config{AutoActivate: true},
		},
		{
			name: "token trimmed",
			vars: map[string]string{"APP_ENV": "prod", "ASAAS_WEBHOOK_TOKEN": "  secret "},
			want: Config{WebhookToken: "secret", AutoActivate: true},
		},
		{
			name: "skip verify honored in dev",
			vars: map[string]string{"APP_ENV": "dev", "ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY": "true"},
			want: Config{InsecureSkipVerify: true, AutoActivate: true},
		},
		{
			name: "skip verify ignored in prod",
			vars: map[string]string{"APP_ENV": "prod", "ASAAS_WEBHOOK_INSECURE_SKIP_VERIFY": "true"},
			want: Config{AutoActivate: true},
		},
		{
			name: "auto activate disabled",
			vars: map[string]string{"APP_ENV": "prod", "BILLING_AUTO_ACTIVATE": "false"},
			want: Config{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.vars)
			assert.Equal(t, tt.want, ConfigFromEnv())
		})
	}
}
