package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the review API.
type Config struct {
	AppName                  string
	AppEnv                   string
	AppPort                  string
	DatabaseURL              string
	RedisURL                 string
	NATSURL                  string
	EventsChannel            string
	JWTSecret                string
	DetectionURL             string
	DetectionTimeout         time.Duration
	DetectionTemplateVersion int
	BatchWorkers             int
	BatchMaxImageBytes       int64
	ExamCacheTTL             time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from OMR_* environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("OMR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "OMR Review API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.channel", "omr:batches")
	v.SetDefault("detection.timeout", "30s")
	v.SetDefault("detection.template_version", 1)
	v.SetDefault("batch.workers", 1)
	v.SetDefault("batch.max_image_mb", 15)
	v.SetDefault("exam_cache.ttl", "10m")

	timeout, err := parseDuration(v, "detection.timeout")
	if err != nil {
		return Config{}, err
	}
	ttl, err := parseDuration(v, "exam_cache.ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                  v.GetString("app.name"),
		AppEnv:                   v.GetString("app.env"),
		AppPort:                  v.GetString("app.port"),
		DatabaseURL:              v.GetString("database.url"),
		RedisURL:                 v.GetString("redis.url"),
		NATSURL:                  v.GetString("nats.url"),
		EventsChannel:            v.GetString("events.channel"),
		JWTSecret:                v.GetString("jwt.secret"),
		DetectionURL:             strings.TrimSpace(v.GetString("detection.url")),
		DetectionTimeout:         timeout,
		DetectionTemplateVersion: v.GetInt("detection.template_version"),
		BatchWorkers:             v.GetInt("batch.workers"),
		BatchMaxImageBytes:       int64(v.GetInt("batch.max_image_mb")) << 20,
		ExamCacheTTL:             ttl,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.DetectionURL == "" {
		return Config{}, fmt.Errorf("detection service url must be provided")
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 1
	}
	if cfg.DetectionTemplateVersion <= 0 {
		cfg.DetectionTemplateVersion = 1
	}
	if cfg.BatchMaxImageBytes <= 0 {
		cfg.BatchMaxImageBytes = 15 << 20
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return parsed, nil
}
