package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultDBPath = "/var/lib/l3-rule-cleanup"
	EnvPrefix     = "L3C"
)

// Durations are Go duration strings such as "5s" or "500ms". A bare number is
// read as nanoseconds and rejected by validation.
type Config struct {
	MerakiAPIKey      string        `mapstructure:"merakiApiKey"`
	NetID             string        `mapstructure:"netId"`
	BaseURL           string        `mapstructure:"baseUrl,omitempty"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout,omitempty"`
	RetryAttempts     int           `mapstructure:"retryAttempts,omitempty"`
	RetryInitialDelay time.Duration `mapstructure:"retryInitialDelay,omitempty"`
	SemanticTieBreak  string        `mapstructure:"semanticTieBreak,omitempty"`
	DBPath            string        `mapstructure:"dbPath,omitempty"`
	SnapshotRetention int           `mapstructure:"snapshotRetention,omitempty"`
	MetricsFile       string        `mapstructure:"metricsFile,omitempty"`
	MirrorChain       string        `mapstructure:"mirrorChain,omitempty"`
}

// LoadConfig reads configuration from a config file in path, a .env file in
// the working directory and environment variables, in increasing priority.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("could not load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("baseUrl", "https://api.meraki.com/api/v1")
	v.SetDefault("requestTimeout", 5*time.Second)
	v.SetDefault("retryAttempts", 3)
	v.SetDefault("retryInitialDelay", time.Second)
	v.SetDefault("semanticTieBreak", "last")
	v.SetDefault("dbPath", DefaultDBPath)
	v.SetDefault("snapshotRetention", 20)
	v.SetDefault("metricsFile", "")
	v.SetDefault("mirrorChain", "meraki-l3")
	// defaults make the keys known to AutomaticEnv and Unmarshal
	v.SetDefault("merakiApiKey", "")
	v.SetDefault("netId", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// unprefixed names used by the dashboard tooling
	_ = v.BindEnv("merakiApiKey", EnvPrefix+"_MERAKIAPIKEY", "MERAKIAPIKEY", "MERAKI_DASHBOARD_API_KEY")
	_ = v.BindEnv("netId", EnvPrefix+"_NETID", "NETID", "MERAKI_NET_ID")

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
