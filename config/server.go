package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"modelpool/logging"
	"modelpool/modelpool"
)

const (
	DefaultServerFile          = "modelserver.json"
	DefaultHealthCheckInterval = 10 // seconds
	DefaultListen              = ":50052"
	DefaultMaxWorkers          = 10
	DefaultRequestTimeout      = 5 * time.Second
	DefaultEtcdTTL             = 10
	DefaultEtcdDialTimeout     = 5 * time.Second

	serverEnvPrefix = "MODELPOOL"
)

var requiredModelKeys = []string{"name", "model_type", "model", "base_url"}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func (r RateLimitConfig) Enabled() bool {
	return r.RPS > 0
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type ServerConfig struct {
	// Models is validated by hand before decoding; see LoadServer.
	Models              []modelpool.ModelSpec `mapstructure:"-"`
	HealthCheckInterval int                   `mapstructure:"-"`

	Listen         string          `mapstructure:"listen"`
	AdvertiseAddr  string          `mapstructure:"advertise_addr"`
	MaxWorkers     int             `mapstructure:"max_workers"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Etcd           EtcdConfig      `mapstructure:"etcd"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
	Logging        logging.Config  `mapstructure:"logging"`
}

// Interval returns the health check period.
func (c *ServerConfig) Interval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HealthCheckInterval: DefaultHealthCheckInterval,
		Listen:              DefaultListen,
		MaxWorkers:          DefaultMaxWorkers,
		RequestTimeout:      DefaultRequestTimeout,
		Etcd: EtcdConfig{
			TTL:         DefaultEtcdTTL,
			DialTimeout: DefaultEtcdDialTimeout,
		},
		Logging: logging.Config{
			Level:      "info",
			MaxSizeMB:  logging.DefaultMaxSizeMB,
			MaxBackups: logging.DefaultMaxBackups,
		},
	}
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("advertise_addr", "")
	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", DefaultEtcdTTL)
	v.SetDefault("etcd.dial_timeout", DefaultEtcdDialTimeout)
	v.SetDefault("metrics.address", "")
	setLoggingDefaults(v)
}

// LoadServer never fails. A missing or unreadable file yields the defaults
// with no models. A file whose models or health_check_interval are malformed
// yields no models and the default interval, keeping its other settings.
func LoadServer(path string, log logrus.FieldLogger) *ServerConfig {
	if path == "" {
		path = DefaultServerFile
	}
	log = log.WithFields(logrus.Fields{"component": "config", "file": path})

	cfg := DefaultServerConfig()
	v := newViper(serverEnvPrefix)
	setServerDefaults(v)
	v.SetConfigFile(path)

	fileOK := true
	if err := v.ReadInConfig(); err != nil {
		log.WithError(err).Info("Config file missing or unreadable, starting with no models")
		fileOK = false
	}

	if err := decode(v, cfg); err != nil {
		log.WithError(err).Warn("Invalid server settings, using defaults")
		cfg = DefaultServerConfig()
	}
	if !fileOK {
		return cfg
	}

	interval, models, err := parseModels(v)
	if err != nil {
		log.WithError(err).Info("Failed to load model config, starting with no models")
		return cfg
	}
	cfg.HealthCheckInterval = interval
	cfg.Models = models

	log.WithField("health_check_interval", interval).Infof("Loaded %d model configs", len(models))
	for _, m := range models {
		log.WithFields(logrus.Fields{
			"name":       m.Name,
			"model_type": m.ModelType,
			"model":      m.Model,
			"base_url":   m.BaseURL,
		}).Info("Model configured")
	}
	return cfg
}

func parseModels(v *viper.Viper) (int, []modelpool.ModelSpec, error) {
	interval := DefaultHealthCheckInterval
	if v.IsSet("health_check_interval") {
		n, ok := asInt(v.Get("health_check_interval"))
		if !ok {
			return 0, nil, errors.New("'health_check_interval' must be an integer")
		}
		if n <= 0 {
			return 0, nil, fmt.Errorf("'health_check_interval' must be positive, got %d", n)
		}
		interval = n
	}

	if !v.IsSet("models") {
		return 0, nil, errors.New("missing 'models' field")
	}
	items, ok := v.Get("models").([]any)
	if !ok {
		return 0, nil, errors.New("'models' must be an array")
	}
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return 0, nil, fmt.Errorf("model entry is not an object: %v", item)
		}
		for _, key := range requiredModelKeys {
			if _, ok := fields[key]; !ok {
				return 0, nil, fmt.Errorf("model entry missing %q: %v", key, item)
			}
		}
	}

	var models []modelpool.ModelSpec
	if err := v.UnmarshalKey("models", &models); err != nil {
		return 0, nil, fmt.Errorf("decode models: %w", err)
	}
	return interval, models, nil
}
