// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config loads broker options from YAML or JSON documents and from
// MQTT_ prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/lite"
	"github.com/mochi-mqtt/lite/auth"
	"github.com/mochi-mqtt/lite/listeners"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "MQTT_"

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options   mqtt.Options       `yaml:"options" json:"options"`
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`
	Auth      *auth.Ledger       `yaml:"auth" json:"auth"`
	Logging   *Logging           `yaml:"logging" json:"logging"`
}

// Logging contains configurations for the server logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL"`    // debug, info, warn or error.
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT"` // text or json.
}

// ToLogger returns a logger writing to stdout at the configured level and format.
func (l Logging) ToLogger() (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}

// environment holds the values which may be overridden by environment variables.
type environment struct {
	Logging                Logging
	SysTopicResendInterval int64  `env:"SYS_TOPIC_RESEND_INTERVAL"`
	TCPAddress             string `env:"TCP_ADDRESS"`
	WSAddress              string `env:"WS_ADDRESS"`
	UnixAddress            string `env:"UNIX_ADDRESS"`
	InfoAddress            string `env:"INFO_ADDRESS"`
	MetricsAddress         string `env:"METRICS_ADDRESS"`
	HealthAddress          string `env:"HEALTHCHECK_ADDRESS"`
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// Top level listeners and auth entries replace those set within the options.
func FromBytes(b []byte) (*mqtt.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	if c.Listeners != nil {
		o.Listeners = c.Listeners
	}

	if c.Auth != nil {
		o.Auth = c.Auth
	}

	if c.Logging != nil {
		l, err := c.Logging.ToLogger()
		if err != nil {
			return nil, err
		}
		o.Logger = l
	}

	return &o, nil
}

// FromEnv applies MQTT_ environment variables to the options. Each listener
// address variable adds a listener of its type, and MQTT_COMPAT_ variables
// set the compatibility flags.
func FromEnv(o *mqtt.Options) error {
	var e environment
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}

	if err := env.ParseWithOptions(&o.Compatibilities, env.Options{Prefix: EnvPrefix + "COMPAT_"}); err != nil {
		return err
	}

	if e.SysTopicResendInterval > 0 {
		o.SysTopicResendInterval = e.SysTopicResendInterval
	}

	if e.Logging.Level != "" || e.Logging.Format != "" {
		l, err := e.Logging.ToLogger()
		if err != nil {
			return err
		}
		o.Logger = l
	}

	for _, lc := range []listeners.Config{
		{Type: listeners.TypeTCP, ID: "env-tcp", Address: e.TCPAddress},
		{Type: listeners.TypeWS, ID: "env-ws", Address: e.WSAddress},
		{Type: listeners.TypeUnix, ID: "env-unix", Address: e.UnixAddress},
		{Type: listeners.TypeSysInfo, ID: "env-info", Address: e.InfoAddress},
		{Type: listeners.TypeMetrics, ID: "env-metrics", Address: e.MetricsAddress},
		{Type: listeners.TypeHealthCheck, ID: "env-healthcheck", Address: e.HealthAddress},
	} {
		if lc.Address != "" {
			o.Listeners = append(o.Listeners, lc)
		}
	}

	return nil
}
