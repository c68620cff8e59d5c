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

package config

import "github.com/dlogd/dlogd/internal/procctl"

// Overrides carries the command-line values that take precedence over
// the config file: the CLI always wins.
type Overrides struct {
	ListenPort int
}

// Rationalize fills defaults and applies CLI overrides after Validate
// has accepted the raw values.
func (c *Config) Rationalize(over Overrides) {
	if over.ListenPort > 0 {
		c.ListenPort = over.ListenPort
	}
	if c.DatetimeFormat == "" {
		c.DatetimeFormat = "%FT%T"
	}
	if c.FractsecDivider == 0 {
		c.FractsecDivider = 1
	}
	if c.Pidfile == "" {
		c.Pidfile = procctl.DefaultPidfile
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Severity == "" {
		c.Logging.Severity = "INFO"
	}
	if c.Logging.RotateSizeMb == 0 {
		c.Logging.RotateSizeMb = 100
	}
	if c.Logging.RotateBackups == 0 {
		c.Logging.RotateBackups = 3
	}
}
