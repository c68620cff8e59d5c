// Copyright 2024 The dlogd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads, validates and rationalizes dlogd's YAML
// configuration into the runtime's origin list and rule tree: a typed
// Config populated through viper with custom decode hooks, then a
// validate pass on the raw values and a rationalize pass for defaults
// and CLI overrides.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/dlogd/dlogd/internal/descriptor"
)

// LogSeverity is a validated severity name (TRACE..ERROR, OFF).
type LogSeverity string

// OriginKind is the config-facing endpoint kind name, decoded into a
// descriptor.Kind by the hook in decode_hook.go.
type OriginKind descriptor.Kind

// Config is the full parsed configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Pidfile string `mapstructure:"pidfile" yaml:"pidfile"`

	// ListenPort, when non-zero, arms the control-plane TCP listener.
	ListenPort int `mapstructure:"listen-port" yaml:"listen-port"`

	// DatetimeFormat is the strftime format behind %{d}; the
	// fractional-second divider scales %{t} down from nanoseconds.
	DatetimeFormat  string `mapstructure:"datetime-format" yaml:"datetime-format"`
	FractsecDivider int64  `mapstructure:"fractsec-divider" yaml:"fractsec-divider"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	Origins []OriginConfig `mapstructure:"origins" yaml:"origins"`
	Rules   []RuleSpec     `mapstructure:"rules" yaml:"rules"`
}

// LoggingConfig controls dlogd's own diagnostic output, not the routed
// log streams.
type LoggingConfig struct {
	// FilePath, when set, sends diagnostics to a size-rotated file
	// instead of stderr.
	FilePath      string      `mapstructure:"file-path" yaml:"file-path"`
	Format        string      `mapstructure:"format" yaml:"format"`
	Severity      LogSeverity `mapstructure:"severity" yaml:"severity"`
	RotateSizeMb  int         `mapstructure:"rotate-size-mb" yaml:"rotate-size-mb"`
	RotateBackups int         `mapstructure:"rotate-backups" yaml:"rotate-backups"`
}

// MetricsConfig configures the loopback Prometheus endpoint; an empty
// address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OriginConfig declares one prospective endpoint.
type OriginConfig struct {
	Symbol string     `mapstructure:"symbol" yaml:"symbol"`
	Kind   OriginKind `mapstructure:"kind" yaml:"kind"`

	Path string `mapstructure:"path" yaml:"path,omitempty"`
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`

	// FromStart makes a file-read origin's first open begin at offset 0
	// instead of the default tail position.
	FromStart bool `mapstructure:"from-start" yaml:"from-start,omitempty"`

	// RotateSizeBytes is the rotated-log threshold.
	RotateSizeBytes int64 `mapstructure:"rotate-size-bytes" yaml:"rotate-size-bytes,omitempty"`
}

// Load reads and unmarshals the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &c, nil
}

// BuildOrigins converts the declared origins into the runtime's
// immutable origin records.
func (c *Config) BuildOrigins() []*descriptor.Origin {
	out := make([]*descriptor.Origin, 0, len(c.Origins))
	for _, oc := range c.Origins {
		o := &descriptor.Origin{
			Symbol:               oc.Symbol,
			Kind:                 descriptor.Kind(oc.Kind),
			Path:                 oc.Path,
			Host:                 oc.Host,
			Port:                 oc.Port,
			SeekEndOnFirstOpen:   !oc.FromStart,
			RotateThresholdBytes: oc.RotateSizeBytes,
		}
		if !descriptor.Kind(oc.Kind).IsReadSide() {
			o.SeekEndOnFirstOpen = false
		}
		out = append(out, o)
	}
	return out
}
