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

import (
	"fmt"

	"github.com/dlogd/dlogd/internal/descriptor"
)

// Validate rejects configurations the runtime cannot start with. It
// runs before Rationalize, on the raw decoded values.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen-port %d out of range", c.ListenPort)
	}
	if c.FractsecDivider < 0 {
		return fmt.Errorf("config: fractsec-divider must be positive")
	}

	seen := make(map[string]bool, len(c.Origins))
	for i := range c.Origins {
		o := &c.Origins[i]
		if o.Symbol == "" {
			return fmt.Errorf("config: origin %d has no symbol", i)
		}
		if seen[o.Symbol] {
			return fmt.Errorf("config: duplicate origin symbol %q", o.Symbol)
		}
		seen[o.Symbol] = true

		switch descriptor.Kind(o.Kind) {
		case descriptor.FileRead, descriptor.FileWrite, descriptor.FifoRead, descriptor.FifoWrite:
			if o.Path == "" {
				return fmt.Errorf("config: origin %q needs a path", o.Symbol)
			}
		case descriptor.RotatedLog:
			if o.Path == "" {
				return fmt.Errorf("config: origin %q needs a path", o.Symbol)
			}
			if o.RotateSizeBytes <= 0 {
				return fmt.Errorf("config: rotated-log %q needs rotate-size-bytes", o.Symbol)
			}
		case descriptor.SocketWrite:
			if o.Host == "" || o.Port <= 0 || o.Port > 65535 {
				return fmt.Errorf("config: socket-write %q needs host and port", o.Symbol)
			}
		default:
			return fmt.Errorf("config: origin %q has unsupported kind", o.Symbol)
		}
	}

	// A full tree build exercises every regex and pattern, surfacing
	// config errors at startup instead of per line.
	if _, err := BuildTree(c.Rules); err != nil {
		return err
	}
	return nil
}
