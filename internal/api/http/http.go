package http

import "time"

type Config struct {
	Port        uint            `mapstructure:"port"`
	AdminAPIKey string          `mapstructure:"admin_api_key_hash"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	VerifyLimit VerifyRateLimit `mapstructure:"verify_rate_limit"`
}

// VerifyRateLimit bounds pairing verification attempts per client IP.
type VerifyRateLimit struct {
	Every     time.Duration `mapstructure:"every"`
	Burst     int           `mapstructure:"burst"`
	CacheSize int           `mapstructure:"cache_size"`
}

func (v VerifyRateLimit) withDefaults() VerifyRateLimit {
	if v.Every <= 0 {
		v.Every = 6 * time.Second
	}
	if v.Burst <= 0 {
		v.Burst = 5
	}
	return v
}
