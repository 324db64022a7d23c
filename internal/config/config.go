package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers               int           `mapstructure:"workers"`
	PerWebhookConcurrency int           `mapstructure:"per_webhook_concurrency"`
	Timeout               time.Duration `mapstructure:"timeout"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	ClaimBatch            int           `mapstructure:"claim_batch"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

type AdminConfig struct {
	Token             string `mapstructure:"token"`
	ServiceToken      string `mapstructure:"service_token"`
	AllowInsecureURLs bool   `mapstructure:"allow_insecure_urls"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	Schedule string        `mapstructure:"schedule"`
	EventTTL time.Duration `mapstructure:"event_ttl"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("webhookd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/webhookd")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WEBHOOKD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/webhookd.db")

	viper.SetDefault("delivery.workers", 20)
	viper.SetDefault("delivery.per_webhook_concurrency", 3)
	viper.SetDefault("delivery.timeout", 10*time.Second)
	viper.SetDefault("delivery.poll_interval", 1*time.Second)
	viper.SetDefault("delivery.claim_batch", 50)

	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.backoff_base", 30*time.Second)
	viper.SetDefault("retry.backoff_cap", 1*time.Hour)

	viper.SetDefault("admin.allow_insecure_urls", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("retention.schedule", "@hourly")
	viper.SetDefault("retention.event_ttl", 30*24*time.Hour)
}
