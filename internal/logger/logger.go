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

// Package logger wraps log/slog with dlogd's severity ladder: TRACE
// (below slog's DEBUG), DEBUG, INFO, WARNING, ERROR, plus a text/json
// handler switch driven by config.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LevelTrace (-8) sits one rung below slog.LevelDebug (-4) so TRACE
// output can be filtered independently of DEBUG. No dlogd package
// currently logs at this level.
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[slog.Leveler]string{
	LevelTrace:       "TRACE",
	slog.LevelDebug:  "DEBUG",
	slog.LevelInfo:   "INFO",
	slog.LevelWarn:   "WARNING",
	slog.LevelError:  "ERROR",
}

var defaultLogger = slog.New(newHandler(os.Stderr, "text", slog.LevelInfo))

// newHandler builds a text or json handler with severity names
// replacing slog's default level strings.
func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl, _ := a.Value.Any().(slog.Level)
				if name, ok := levelNames[lvl]; ok {
					a.Value = slog.StringValue(name)
				}
				a.Key = "severity"
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init replaces the package logger, called once at startup after
// config has been loaded; everything else goes through the
// package-level functions below.
func Init(w io.Writer, format string, severity string) {
	defaultLogger = slog.New(newHandler(w, format, severityLevel(severity)))
}

func severityLevel(s string) slog.Level {
	switch s {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "OFF":
		return slog.LevelError + 100
	default:
		return slog.LevelInfo
	}
}

func Tracef(format string, v ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...)) }
func Trace(msg string)               { defaultLogger.Log(context.Background(), LevelTrace, msg) }

func Debugf(format string, v ...any) { defaultLogger.Debug(fmt.Sprintf(format, v...)) }
func Debug(msg string)               { defaultLogger.Debug(msg) }

func Infof(format string, v ...any) { defaultLogger.Info(fmt.Sprintf(format, v...)) }
func Info(msg string)               { defaultLogger.Info(msg) }

func Warnf(format string, v ...any) { defaultLogger.Warn(fmt.Sprintf(format, v...)) }
func Warn(msg string)               { defaultLogger.Warn(msg) }

func Errorf(format string, v ...any) { defaultLogger.Error(fmt.Sprintf(format, v...)) }
func Error(msg string)               { defaultLogger.Error(msg) }
