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
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dlogd/dlogd/internal/descriptor"
)

// kindNames maps the config spelling of each endpoint kind to its
// runtime value. socket-read and listen-socket are absent deliberately:
// client sockets are born by accept or hand-off, never declared, and
// the listen socket comes from listen-port.
var kindNames = map[string]descriptor.Kind{
	"file-read":   descriptor.FileRead,
	"file-write":  descriptor.FileWrite,
	"fifo-read":   descriptor.FifoRead,
	"fifo-write":  descriptor.FifoWrite,
	"socket-write": descriptor.SocketWrite,
	"rotated-log": descriptor.RotatedLog,
}

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(OriginKind(0)):
			k, ok := kindNames[strings.ToLower(s)]
			if !ok {
				return nil, fmt.Errorf("invalid origin kind: %q", s)
			}
			return OriginKind(k), nil
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if !slices.Contains([]string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}, level) {
				return nil, fmt.Errorf("invalid logseverity: %s", s)
			}
			return LogSeverity(level), nil
		default:
			return data, nil
		}
	}
}

// DecodeHook is the composed hook chain Load feeds viper.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// KindName renders a descriptor kind back to its config spelling, used
// by the -t tree dump.
func KindName(k descriptor.Kind) string {
	for name, kk := range kindNames {
		if kk == k {
			return name
		}
	}
	return k.String()
}
