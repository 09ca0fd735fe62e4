// Package config loads the humidity manager settings from file, .env and HM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "HM"
	ConfigName = "humidity-manager"
)

type Config struct {
	SensorPush SensorPushConfig `mapstructure:"sensorpush"`
	VeSync     VeSyncConfig     `mapstructure:"vesync"`
	Control    ControlConfig    `mapstructure:"control"`
	History    HistoryConfig    `mapstructure:"history"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Status     StatusConfig     `mapstructure:"status"`
	Log        LogConfig        `mapstructure:"log"`
	OTel       OTelConfig       `mapstructure:"otel"`
}

type SensorPushConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// sensor id or display name
	Sensor  string `mapstructure:"sensor"`
	BaseURL string `mapstructure:"base_url"`
}

type VeSyncConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// outlet cid or device name
	Outlet   string `mapstructure:"outlet"`
	TimeZone string `mapstructure:"time_zone"`
	BaseURL  string `mapstructure:"base_url"`
}

type ControlConfig struct {
	Mode                 string        `mapstructure:"mode"`
	Low                  float64       `mapstructure:"low"`
	High                 float64       `mapstructure:"high"`
	TriggerOffset        float64       `mapstructure:"trigger_offset"`
	ThresholdsFromSensor bool          `mapstructure:"thresholds_from_sensor"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	PulseDuration        time.Duration `mapstructure:"pulse_duration"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MQTTConfig struct {
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Prefix    string `mapstructure:"prefix"`
	Discovery bool   `mapstructure:"discovery"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// optional history log, in addition to stdout
	File string `mapstructure:"file"`
}

type OTelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"sensorpush.user":     "",
	"sensorpush.password": "",
	"sensorpush.sensor":   "",
	"sensorpush.base_url": "https://api.sensorpush.com/api/v1",

	"vesync.user":      "",
	"vesync.password":  "",
	"vesync.outlet":    "",
	"vesync.time_zone": "America/New_York",
	"vesync.base_url":  "https://smartapi.vesync.com",

	"control.mode":                   string(regulator.ModeHysteresis),
	"control.low":                    60.0,
	"control.high":                   70.0,
	"control.trigger_offset":         0.0,
	"control.thresholds_from_sensor": false,
	"control.poll_interval":          300 * time.Second,
	"control.pulse_duration":         5 * time.Second,
	"control.cooldown":               600 * time.Second,

	"history.dsn": "",

	"mqtt.broker":    "",
	"mqtt.client_id": "humidity-manager",
	"mqtt.username":  "",
	"mqtt.password":  "",
	"mqtt.prefix":    "humidity-manager",
	"mqtt.discovery": true,

	"status.addr": "",

	"log.level": "info",
	"log.file":  "",

	"otel.enabled": false,
}

// Load reads the configuration. An explicit file must exist; otherwise the
// search paths are tried and a missing file is not an error.
func Load(file string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/humidity-manager")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv exports the variables of a dotenv file that are not already set.
func LoadDotEnv(path string) error {
	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")

	if err := dv.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	for _, k := range dv.AllKeys() {
		name := strings.ToUpper(k)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, dv.GetString(k)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.SensorPush.User == "" || c.SensorPush.Password == "" {
		errs = append(errs, errors.New("must define HM_SENSORPUSH_USER and HM_SENSORPUSH_PASSWORD"))
	}
	if c.VeSync.User == "" || c.VeSync.Password == "" {
		errs = append(errs, errors.New("must define HM_VESYNC_USER and HM_VESYNC_PASSWORD"))
	}
	errs = append(errs, c.Control.validateDurations()...)
	if _, err := regulator.ParseMode(c.Control.Mode); err != nil {
		errs = append(errs, err)
	} else if err := c.Regulator().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// validateDurations rejects sub-second values, which is what a bare
// integer such as "poll_interval: 300" decodes to.
func (c ControlConfig) validateDurations() []error {
	var errs []error
	for _, d := range []struct {
		key      string
		v        time.Duration
		optional bool
	}{
		{"control.poll_interval", c.PollInterval, false},
		{"control.pulse_duration", c.PulseDuration, true},
		{"control.cooldown", c.Cooldown, true},
	} {
		if d.optional && d.v == 0 {
			continue
		}
		if d.v < time.Second {
			errs = append(errs, fmt.Errorf("%s is %s, durations need a unit and at least one second, e.g. \"300s\"", d.key, d.v))
		}
	}
	return errs
}

// Regulator converts the control section into regulator settings.
func (c *Config) Regulator() regulator.Settings {
	mode, _ := regulator.ParseMode(c.Control.Mode)
	return regulator.Settings{
		Sensor:               c.SensorPush.Sensor,
		Outlet:               c.VeSync.Outlet,
		Thresholds:           regulator.Thresholds{Low: c.Control.Low, High: c.Control.High},
		TriggerOffset:        c.Control.TriggerOffset,
		ThresholdsFromSensor: c.Control.ThresholdsFromSensor,
		PollInterval:         c.Control.PollInterval,
		Mode:                 mode,
		PulseDuration:        c.Control.PulseDuration,
		Cooldown:             c.Control.Cooldown,
	}
}
