package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `json:"port" envconfig:"PORT"`
	Environment string `json:"environment" envconfig:"ENVIRONMENT"`

	// Rate limiter backend: "local", "redis" or "postgres"
	Backend string `json:"backend" envconfig:"RATE_LIMIT_BACKEND"`

	Redis       RedisConfig `json:"redis"`
	PostgresDSN string      `json:"postgres_dsn" envconfig:"POSTGRES_DSN"`

	// 32-byte key pool encryption key, hex or base64 encoded
	EncryptionKey string `json:"encryption_key" envconfig:"ENCRYPTION_KEY"`

	// Named rate limit plans; "default" is required
	Plans map[string]PlanConfig `json:"plans"`

	// Tenant to plan name assignments; unlisted tenants get "default"
	TenantPlans map[string]string `json:"tenant_plans"`

	Providers map[string]ProviderConfig `json:"providers"`

	AdmissionLogBuffer     int `json:"admission_log_buffer"`
	MonitorIntervalSeconds int `json:"monitor_interval_seconds"`
	JanitorIntervalSeconds int `json:"janitor_interval_seconds"`
}

type RedisConfig struct {
	Addr     string `json:"addr" envconfig:"REDIS_ADDR"`
	Password string `json:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `json:"db" envconfig:"REDIS_DB"`
}

type PlanConfig struct {
	// Request rate as "<count>/<minute|hour|day|week|month>"
	Rate       string  `json:"rate"`
	MaxTokens  int64   `json:"max_tokens"`
	MaxCostUSD float64 `json:"max_cost_usd"`
}

type ProviderConfig struct {
	BaseURL         string  `json:"base_url"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
}

// Reads the JSON config file, then applies GATEWAY_* environment
// overrides. Plan rate strings are validated here so a bad config
// fails at startup, not at request time.
func Load(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := envconfig.Process("GATEWAY", &config); err != nil {
		return nil, err
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.Backend == "" {
		config.Backend = "local"
	}
	if config.AdmissionLogBuffer <= 0 {
		config.AdmissionLogBuffer = 1000
	}
	if config.MonitorIntervalSeconds <= 0 {
		config.MonitorIntervalSeconds = 15
	}
	if config.JanitorIntervalSeconds <= 0 {
		config.JanitorIntervalSeconds = 60
	}

	if _, err := config.RateLimitPlans(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Converts configured plans into limiter plans
func (c *Config) RateLimitPlans() (map[string]ratelimit.Plan, error) {
	plans := make(map[string]ratelimit.Plan, len(c.Plans))
	for name, pc := range c.Plans {
		plan, err := ratelimit.ParseLimit(pc.Rate)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", name, err)
		}
		plan.MaxTokens = pc.MaxTokens
		plan.MaxCostUSD = pc.MaxCostUSD
		plans[name] = plan
	}
	if _, ok := plans["default"]; !ok {
		return nil, fmt.Errorf(`config must define a "default" plan`)
	}
	return plans, nil
}

// Decodes the key pool encryption key, accepting hex or base64
func (c *Config) DecodeEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption_key is required")
	}

	if key, err := hex.DecodeString(c.EncryptionKey); err == nil {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption_key must be hex or base64: %w", err)
	}
	return key, nil
}

// Base URL per provider, for the gateway handler
func (c *Config) ProviderBaseURLs() map[string]string {
	urls := make(map[string]string, len(c.Providers))
	for name, pc := range c.Providers {
		urls[name] = pc.BaseURL
	}
	return urls
}

// Cost per 1K tokens per provider
func (c *Config) ProviderCosts() map[string]float64 {
	costs := make(map[string]float64, len(c.Providers))
	for name, pc := range c.Providers {
		costs[name] = pc.CostPer1KTokens
	}
	return costs
}
