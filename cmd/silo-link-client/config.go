package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Device    DeviceConfig    `mapstructure:"device"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

type ServerConfig struct {
	HttpURL            string `mapstructure:"http_url"`
	GrpcAddress        string `mapstructure:"grpc_address"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type DeviceConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	AuthToken string `mapstructure:"auth_token" json:"-"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

var config Config

// configPath is the file pairing results are written back to. Empty when no
// application.yml was found.
var configPath string

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("server.http_url", "http://localhost:8080")
	viper.SetDefault("server.grpc_address", "localhost:9090")
	viper.SetDefault("server.server_name_override", "")
	viper.SetDefault("device.id", "")
	viper.SetDefault("device.name", "")
	viper.SetDefault("device.auth_token", "")
	viper.SetDefault("tls.enabled", true)
	viper.SetDefault("tls.cert_file", "")
	viper.SetDefault("tls.key_file", "")
	viper.SetDefault("tls.ca_file", "")
	viper.SetDefault("heartbeat.interval", "30s")
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-link-client")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}
	configPath = viper.ConfigFileUsed()

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
