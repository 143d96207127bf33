package config

import (
	"fmt"
	"time"

	"modelpool/codec"
	"modelpool/logging"
)

const (
	DefaultPollInterval = 10 * time.Second

	clientEnvPrefix = "MODELPOOL_CLIENT"
)

// DefaultClientAddresses is the primary/secondary pair used when neither a
// file nor the environment names any.
var DefaultClientAddresses = []string{"localhost:50051", "localhost:50052"}

type UsageConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type ClientConfig struct {
	Addresses    []string       `mapstructure:"addresses"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	Codec        string         `mapstructure:"codec"`
	Usages       []UsageConfig  `mapstructure:"usages"`
	Etcd         EtcdConfig     `mapstructure:"etcd"`
	Logging      logging.Config `mapstructure:"logging"`
}

// CodecType resolves the configured codec name.
func (c *ClientConfig) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec)
}

// LoadClient reads path, if given, and the MODELPOOL_CLIENT_* environment.
// Unlike the server, an explicitly named file that cannot be read is an error.
func LoadClient(path string) (*ClientConfig, error) {
	v := newViper(clientEnvPrefix)
	v.SetDefault("addresses", DefaultClientAddresses)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("codec", "json")
	v.SetDefault("usages", []UsageConfig{})
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", DefaultEtcdTTL)
	v.SetDefault("etcd.dial_timeout", DefaultEtcdDialTimeout)
	setLoggingDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &ClientConfig{}
	if err := decode(v, cfg); err != nil {
		return nil, fmt.Errorf("config: decode client settings: %w", err)
	}
	if _, err := cfg.CodecType(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}
