package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ApprovaldConfig is the service-level configuration for the approval-core
// HTTP service (cmd/approvald). Unlike the node Config above, it is YAML,
// matching the gateway's configuration convention since this service shares
// the gateway's HTTP/observability stack rather than the consensus node's.
type ApprovaldConfig struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`

	RosterPath string `yaml:"rosterPath"`

	DefaultVotingWindow    time.Duration `yaml:"defaultVotingWindow"`
	DefaultThresholdPct    float64       `yaml:"defaultThresholdPercent"`
	ExpirySweepInterval    time.Duration `yaml:"expirySweepInterval"`

	Observability ObservabilitySettings `yaml:"observability"`
	Auth          AuthSettings          `yaml:"auth"`
	RateLimit     RateLimitSettings     `yaml:"rateLimit"`
	Webhooks      WebhookSettings       `yaml:"webhooks"`
}

type ObservabilitySettings struct {
	ServiceName   string `yaml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	Enabled       bool   `yaml:"enabled"`
	LogRequests   bool   `yaml:"logRequests"`
}

type AuthSettings struct {
	Enabled        bool     `yaml:"enabled"`
	HMACSecret     string   `yaml:"hmacSecret"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	RequiredScope  string   `yaml:"requiredScope"`
	OptionalPaths  []string `yaml:"optionalPaths"`
	AllowAnonymous bool     `yaml:"allowAnonymous"`
}

type RateLimitSettings struct {
	Key           string  `yaml:"key"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type WebhookSettings struct {
	MaxRetries int           `yaml:"maxRetries"`
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
	QueueDepth int           `yaml:"queueDepth"`
	Workers    int           `yaml:"workers"`
}

// LoadApprovald reads and validates an approvald service configuration file.
// An empty path returns built-in defaults suitable for local development.
func LoadApprovald(path string) (*ApprovaldConfig, error) {
	cfg := &ApprovaldConfig{
		ListenAddress:       ":8090",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         120 * time.Second,
		DefaultVotingWindow: 24 * time.Hour,
		DefaultThresholdPct: 200.0 / 3.0,
		ExpirySweepInterval: time.Minute,
		Observability: ObservabilitySettings{
			ServiceName:   "approvald",
			MetricsPrefix: "approvald",
			Enabled:       true,
			LogRequests:   true,
		},
		RateLimit: RateLimitSettings{Key: "approval", RatePerSecond: 20, Burst: 100},
		Webhooks: WebhookSettings{
			MaxRetries: 3,
			MinBackoff: time.Second,
			MaxBackoff: 32 * time.Second,
			QueueDepth: 10_000,
			Workers:    5,
		},
	}
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open approvald config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode approvald config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate approvald config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would silently misbehave rather than
// fail fast at startup.
func (c *ApprovaldConfig) Validate() error {
	if c.DefaultThresholdPct <= 0 || c.DefaultThresholdPct > 100 {
		return fmt.Errorf("defaultThresholdPercent must be in (0, 100]")
	}
	if c.DefaultVotingWindow <= 0 {
		return fmt.Errorf("defaultVotingWindow must be positive")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmacSecret required when auth.enabled is true")
	}
	if c.Auth.AllowAnonymous && len(c.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	return nil
}
