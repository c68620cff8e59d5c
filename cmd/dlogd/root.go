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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	yaml "gopkg.in/yaml.v3"

	"github.com/dlogd/dlogd/config"
	"github.com/dlogd/dlogd/internal/descriptor"
	"github.com/dlogd/dlogd/internal/engine"
	"github.com/dlogd/dlogd/internal/handoff"
	"github.com/dlogd/dlogd/internal/ioloop"
	"github.com/dlogd/dlogd/internal/logger"
	"github.com/dlogd/dlogd/internal/metrics"
	"github.com/dlogd/dlogd/internal/procctl"
)

var (
	flagConfig     string
	flagTestConfig bool
	flagListenPort int
	flagForeground bool
	flagRestarted  bool
)

var rootCmd = &cobra.Command{
	Use:   "dlogd -c <config file>",
	Short: "Log-routing daemon: many line sources in, a rule tree, many sinks out",
	Long: `dlogd ingests lines from growing files, named pipes and TCP
connections, routes each through a user-declared rule tree (regex
matching, variable capture, interpolation), and emits transformed lines
to files, rotated logs, pipes and outbound connections. SIGHUP performs
a live restart that hands all open descriptors and buffered residue to
the new binary.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagConfig == "" {
			return fmt.Errorf("-c <config file> is required")
		}
		return run()
	},
}

func init() {
	bindFlags(rootCmd.Flags())
	rootCmd.Version = "1.0.0"
}

func bindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&flagConfig, "config", "c", "", "config file to use (required)")
	flagSet.BoolVarP(&flagTestConfig, "test-config", "t", false, "parse the configuration, print the rule tree, and exit")
	flagSet.IntVarP(&flagListenPort, "listen-port", "l", 0, "socket server listen port (overrides the config file)")
	flagSet.BoolVarP(&flagForeground, "foreground", "n", false, "start in foreground mode")
	flagSet.BoolVarP(&flagRestarted, "restarted", "x", false, "")
	flagSet.MarkHidden("restarted")
	flagSet.BoolP("version", "v", false, "print version information")
}

// Execute is the process entry point under main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Rationalize(config.Overrides{ListenPort: flagListenPort})

	root, err := config.BuildTree(cfg.Rules)
	if err != nil {
		return err
	}

	if flagTestConfig {
		fmt.Println("configuration file parsed OK")
		rendered, err := yaml.Marshal(cfg)
		if err == nil {
			fmt.Printf("---\n%s", rendered)
		}
		fmt.Printf("rule tree:\n%s", config.DumpTree(root))
		return nil
	}

	// Background start re-invokes ourselves with -n through the status
	// pipe; the parent exits once the daemon reports its outcome. A
	// restarted child never re-daemonizes: its pid must stay the one the
	// predecessor derived the control-socket path from.
	if !flagForeground && !flagRestarted {
		logger.Infof("daemonizing, log file will be: %s", cfg.Logging.FilePath)
		return procctl.Daemonize("-n")
	}

	initLogging(cfg)
	saved := procctl.SaveCmd()
	sigs := procctl.Install(flagForeground)

	var inheritedMsgs []*handoff.Message
	if flagRestarted {
		logger.Infof("starting as restart child of pid %d", os.Getppid())
		inheritedMsgs, err = engine.ReceiveHandoff()
		if err != nil {
			logger.Errorf("fd transfer failed, continuing without it: %v", err)
		}
	}

	if cfg.Pidfile != "" {
		if err := procctl.WritePidfile(cfg.Pidfile); err != nil {
			logger.Warnf("%v", err)
		} else {
			defer procctl.DeletePidfile(cfg.Pidfile)
			logger.Infof("pidfile is: %s", cfg.Pidfile)
		}
	}

	poller, err := ioloop.NewPoller()
	if err != nil {
		procctl.SignalStartupOutcome(err)
		return err
	}

	mgr := descriptor.NewManager(poller)
	for _, o := range cfg.BuildOrigins() {
		mgr.AddOrigin(o)
	}

	met := metrics.New()
	if cfg.Metrics.Addr != "" {
		ln, merr := met.Serve(cfg.Metrics.Addr)
		if merr != nil {
			logger.Warnf("metrics endpoint disabled: %v", merr)
		} else {
			defer ln.Close()
		}
	}

	eng := engine.New(mgr, poller, sigs, met, saved, engine.Config{
		Root:            root,
		ListenPort:      cfg.ListenPort,
		DatetimeFormat:  cfg.DatetimeFormat,
		FractsecDivider: cfg.FractsecDivider,
	})
	eng.OpenAll(engine.ApplyInherited(mgr, inheritedMsgs))

	logger.Info("starting dlogd")
	procctl.SignalStartupOutcome(nil)
	return eng.Run(context.Background())
}

// initLogging points the diagnostic logger at stderr or at a rotated
// file, per config. The routed log streams never pass through here.
func initLogging(cfg *config.Config) {
	var w io.Writer = os.Stderr
	if !flagForeground && cfg.Logging.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Logging.FilePath,
			MaxSize:    cfg.Logging.RotateSizeMb,
			MaxBackups: cfg.Logging.RotateBackups,
		}
	}
	logger.Init(w, cfg.Logging.Format, string(cfg.Logging.Severity))
}
