package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/EternisAI/silo-link/internal/api/http"
	"github.com/EternisAI/silo-link/internal/cert"
	"github.com/EternisAI/silo-link/internal/db"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Http    http.Config   `mapstructure:"http"`
	Grpc    GrpcConfig    `mapstructure:"grpc"`
	Pairing PairingConfig `mapstructure:"pairing"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Session SessionConfig `mapstructure:"session"`
	DB      db.Config     `mapstructure:"db"`
	Nats    NatsConfig    `mapstructure:"nats"`
	Cert    CertConfig    `mapstructure:"cert"`
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ClientAuth string `mapstructure:"client_auth"`
}

type PairingConfig struct {
	HostID          string        `mapstructure:"host_id"`
	CodeTTL         time.Duration `mapstructure:"code_ttl"`
	MaxDevices      int           `mapstructure:"max_devices"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	JWTSecret       string        `mapstructure:"jwt_secret" json:"-"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type MonitorConfig struct {
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	PingTimeout         time.Duration `mapstructure:"ping_timeout"`
	WindowSize          int           `mapstructure:"window_size"`
	AlertThresholdMs    float64       `mapstructure:"alert_threshold_ms"`
	CriticalThresholdMs float64       `mapstructure:"critical_threshold_ms"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type NatsConfig struct {
	Url           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type CertConfig struct {
	CACertFile     string        `mapstructure:"ca_cert_file"`
	CAKeyFile      string        `mapstructure:"ca_key_file"`
	ServerCertFile string        `mapstructure:"server_cert_file"`
	ServerKeyFile  string        `mapstructure:"server_key_file"`
	DomainNames    string        `mapstructure:"domain_names"`
	IPAddresses    string        `mapstructure:"ip_addresses"`
	KeyBits        int           `mapstructure:"key_bits"`
	ClientValidity time.Duration `mapstructure:"client_validity"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c CertConfig) authorityConfig() (cert.Config, error) {
	var ips []net.IP
	for _, s := range ParseCommaSeparated(c.IPAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			return cert.Config{}, fmt.Errorf("invalid IP address in cert.ip_addresses: %s", s)
		}
		ips = append(ips, ip)
	}
	return cert.Config{
		CACertPath:     c.CACertFile,
		CAKeyPath:      c.CAKeyFile,
		ServerCertPath: c.ServerCertFile,
		ServerKeyPath:  c.ServerKeyFile,
		DomainNames:    ParseCommaSeparated(c.DomainNames),
		IPAddresses:    ips,
		KeyBits:        c.KeyBits,
		ClientValidity: c.ClientValidity,
	}, nil
}

func (c PairingConfig) coordinatorConfig() pairing.Config {
	return pairing.Config{
		CodeTTL:         c.CodeTTL,
		MaxAttempts:     c.MaxAttempts,
		CleanupInterval: c.CleanupInterval,
	}
}

func (c PairingConfig) hostID() string {
	if c.HostID != "" {
		return c.HostID
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "silo-host"
}

func (c Config) sessionsConfig() sessions.Config {
	return sessions.Config{
		IdleTimeout:   c.Session.IdleTimeout,
		SweepInterval: c.Session.SweepInterval,
		Monitor: netmon.Config{
			PingInterval: c.Monitor.PingInterval,
			PingTimeout:  c.Monitor.PingTimeout,
			WindowSize:   c.Monitor.WindowSize,
			Thresholds: netmon.Thresholds{
				AlertMs:    c.Monitor.AlertThresholdMs,
				CriticalMs: c.Monitor.CriticalThresholdMs,
			},
		},
	}
}

// setDefaults registers every key so AutomaticEnv can override values that
// are missing from application.yml.
func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("log.format", "text")

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.admin_api_key_hash", "")
	viper.SetDefault("http.cors_origins", []string{})
	viper.SetDefault("http.verify_rate_limit.every", "6s")
	viper.SetDefault("http.verify_rate_limit.burst", 5)
	viper.SetDefault("http.verify_rate_limit.cache_size", 4096)

	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("grpc.tls.enabled", true)
	viper.SetDefault("grpc.tls.client_auth", "require")

	viper.SetDefault("pairing.host_id", "")
	viper.SetDefault("pairing.code_ttl", "300s")
	viper.SetDefault("pairing.max_devices", 3)
	viper.SetDefault("pairing.max_attempts", 5)
	viper.SetDefault("pairing.token_ttl", "24h")
	viper.SetDefault("pairing.jwt_secret", "")
	viper.SetDefault("pairing.cleanup_interval", "1m")

	viper.SetDefault("monitor.ping_interval", "5s")
	viper.SetDefault("monitor.ping_timeout", "2s")
	viper.SetDefault("monitor.window_size", 20)
	viper.SetDefault("monitor.alert_threshold_ms", 200)
	viper.SetDefault("monitor.critical_threshold_ms", 500)

	viper.SetDefault("session.idle_timeout", "90s")
	viper.SetDefault("session.sweep_interval", "15s")

	viper.SetDefault("db.url", "")
	viper.SetDefault("db.schema", "")
	viper.SetDefault("db.max_conns", 10)

	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject_prefix", "silolink")

	viper.SetDefault("cert.ca_cert_file", "")
	viper.SetDefault("cert.ca_key_file", "")
	viper.SetDefault("cert.server_cert_file", "")
	viper.SetDefault("cert.server_key_file", "")
	viper.SetDefault("cert.domain_names", "localhost")
	viper.SetDefault("cert.ip_addresses", "127.0.0.1")
	viper.SetDefault("cert.key_bits", 2048)
	viper.SetDefault("cert.client_validity", "8760h")
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-link-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
