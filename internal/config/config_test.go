package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultAttestationNamespace, cfg.AttestationNamespace)
	assert.Equal(t, DefaultScoreRefreshInterval, cfg.ScoreRefreshInterval)
	assert.True(t, cfg.ReputationEnabled)
	assert.Equal(t, DefaultCreditConfig(), cfg.Credits)
}

func TestLoad_CreditEnvOverride(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "CREDITS_PER_TURN", "3")
	setEnv(t, "REPUTATION_REFRESH_INTERVAL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(3), cfg.Credits.CreditsPerTurn)
	assert.Equal(t, int64(1000), cfg.Credits.CreditsPerAlgo)
	assert.Equal(t, 90*time.Second, cfg.ScoreRefreshInterval)
}

func TestLoad_BadCreditEnv(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "LOW_CREDIT_THRESHOLD", "-4")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOW_CREDIT_THRESHOLD")
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                  "development",
			RateLimitRPM:         60,
			AttestationNamespace: "ns",
			ScoreRefreshInterval: time.Minute,
			Credits:              DefaultCreditConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"zero refresh", func(c *Config) { c.ScoreRefreshInterval = 0 }, "REPUTATION_REFRESH_INTERVAL"},
		{"empty namespace", func(c *Config) { c.AttestationNamespace = "" }, "ATTESTATION_NAMESPACE"},
		{"zero rate", func(c *Config) { c.Credits.CreditsPerAlgo = 0 }, "credits_per_algo"},
		{"production with secret", func(c *Config) { c.Env = "production"; c.AdminSecret = "s" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
