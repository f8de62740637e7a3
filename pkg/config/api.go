package config

// APIConfig contains the HTTP API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`

	// PublicURL is the externally reachable base URL of the dashboard,
	// used to build run links in webhook payloads.
	PublicURL string `yaml:"public_url,omitempty" mapstructure:"public_url"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Uploads RateLimitTier `yaml:"uploads,omitempty" mapstructure:"uploads"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig configures bearer-token upload authentication. Token
// hashes are bcrypt digests of the raw tokens handed to CI pipelines.
type APIAuthConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	TokenHashes []string `yaml:"token_hashes,omitempty" mapstructure:"token_hashes"`
}

// applyDefaults sets default values for unspecified API options.
func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Uploads.RequestsPerMinute <= 0 {
			c.Server.RateLimit.Uploads.RequestsPerMinute = 30
		}

		if c.Server.RateLimit.Public.RequestsPerMinute <= 0 {
			c.Server.RateLimit.Public.RequestsPerMinute = 300
		}
	}
}
