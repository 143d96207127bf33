// Package config loads server and client settings with viper. Files are JSON;
// every key can be overridden from the environment.
package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"modelpool/logging"
)

// EtcdConfig enables discovery when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	TTL         int64         `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (e EtcdConfig) Enabled() bool {
	return len(e.Endpoints) > 0
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", logging.DefaultMaxSizeMB)
	v.SetDefault("logging.max_backups", logging.DefaultMaxBackups)
}

func decode(v *viper.Viper, out any) error {
	return v.Unmarshal(out, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook reads bare numbers as seconds and strings either as seconds or
// as Go durations ("1500ms").
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch val := data.(type) {
		case int:
			return time.Duration(val) * time.Second, nil
		case int64:
			return time.Duration(val) * time.Second, nil
		case float64:
			return time.Duration(val * float64(time.Second)), nil
		case string:
			if secs, err := strconv.ParseFloat(val, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(val)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", val, err)
			}
			return d, nil
		}
		return data, nil
	}
}

// asInt accepts integral JSON numbers and numeric strings from the environment.
func asInt(raw any) (int, bool) {
	switch val := raw.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		return n, err == nil
	}
	return 0, false
}
