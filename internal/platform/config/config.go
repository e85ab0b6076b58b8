package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Results ResultsConfig `mapstructure:"results"`
	Workers WorkersConfig `mapstructure:"workers"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sites   []SiteConfig  `mapstructure:"sites"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	NamePrefix    string        `mapstructure:"name_prefix"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryWindow   time.Duration `mapstructure:"retry_window"`
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type SinkConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ResultsConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type WorkersConfig struct {
	Count int `mapstructure:"count"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type SiteConfig struct {
	SiteID           string `mapstructure:"site_id"`
	WebhookSecret    string `mapstructure:"webhook_secret"`
	CMAPIKey         string `mapstructure:"cm_api_key"`
	CMListID         string `mapstructure:"cm_list_id"`
	GhostURL         string `mapstructure:"ghost_url"`
	GhostAdminAPIKey string `mapstructure:"ghost_admin_api_key"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("queue.name_prefix", "membersync")
	viper.SetDefault("queue.max_attempts", 5)
	viper.SetDefault("queue.retry_window", 24*time.Hour)
	viper.SetDefault("queue.claim_interval", 500*time.Millisecond)
	viper.SetDefault("queue.dedup_ttl", time.Hour)
	viper.SetDefault("breaker.threshold", 10)
	viper.SetDefault("breaker.cooldown", 5*time.Minute)
	viper.SetDefault("sink.base_url", "https://api.createsend.com/api/v3.3")
	viper.SetDefault("sink.timeout", 10*time.Second)
	viper.SetDefault("results.db_path", "data/membersync.db")
	viper.SetDefault("workers.count", 4)
	viper.SetDefault("logging.level", "info")
}

func (c *Config) validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("config: at least one site must be configured")
	}
	seen := make(map[string]bool, len(c.Sites))
	for _, s := range c.Sites {
		if s.SiteID == "" {
			return fmt.Errorf("config: site with empty site_id")
		}
		if seen[s.SiteID] {
			return fmt.Errorf("config: duplicate site_id %q", s.SiteID)
		}
		seen[s.SiteID] = true
		if s.CMListID == "" {
			return fmt.Errorf("config: site %q has no cm_list_id", s.SiteID)
		}
	}
	return nil
}
