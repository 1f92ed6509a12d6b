package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.TokenLength)
	assert.Equal(t, 7, cfg.MinPasswordLength)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroSessionLength", func(c *Config) { c.SessionLength = 0 }},
		{"ShortToken", func(c *Config) { c.TokenLength = 8 }},
		{"ZeroTimeout", func(c *Config) { c.TokenTimeout = 0 }},
		{"ZeroMinPassword", func(c *Config) { c.MinPasswordLength = 0 }},
		{"EmptyReviewGroup", func(c *Config) { c.UnderReviewGroup = "" }},
		{"EmptyAdminGroup", func(c *Config) { c.AdminGroup = "" }},
		{"SameGroups", func(c *Config) { c.AdminGroup = c.UnderReviewGroup }},
		{"ZeroAttempts", func(c *Config) { c.MaxTwoFactorAttempts = 0 }},
		{"BcryptCostTooLow", func(c *Config) { c.BcryptCost = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
