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

package procctl

import (
	"fmt"
	"os"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"

	"github.com/dlogd/dlogd/internal/logger"
)

// RestartChildFlag marks a process started as the receiving side of a
// hand-off; SaveCmd appends it to the saved argv unless already present, so the
// successor knows to bind the control socket before opening anything.
const RestartChildFlag = "-x"

// SavedCmd is the argument vector captured at startup, so the restart
// exec works from a stable copy no matter what mutated os.Args since.
type SavedCmd struct {
	Argv []string
	Env  []string
}

// SaveCmd snapshots os.Args and os.Environ, appending the
// restart-child flag if it is not already present.
func SaveCmd() *SavedCmd {
	c := &SavedCmd{
		Argv: append([]string(nil), os.Args...),
		Env:  append([]string(nil), os.Environ()...),
	}
	for _, a := range c.Argv {
		if a == RestartChildFlag {
			return c
		}
	}
	c.Argv = append(c.Argv, RestartChildFlag)
	return c
}

// SpawnSuccessor starts the new binary with the preserved argv,
// re-resolving the executable path in case the binary on disk was
// replaced since we started (the whole point of a live restart). It
// returns the child's pid so the hand-off sender can derive the control
// socket path.
func (c *SavedCmd) SpawnSuccessor() (int, error) {
	path, err := osext.Executable()
	if err != nil {
		return -1, fmt.Errorf("procctl: osext.Executable: %w", err)
	}
	proc, err := os.StartProcess(path, c.Argv, &os.ProcAttr{
		Env:   c.Env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return -1, fmt.Errorf("procctl: start successor %s: %w", path, err)
	}
	logger.Infof("procctl: successor started, pid %d", proc.Pid)
	// The successor daemon is not our child to reap; let it go.
	if err := proc.Release(); err != nil {
		logger.Warnf("procctl: release successor: %v", err)
	}
	return proc.Pid, nil
}

// Daemonize re-invokes the current binary in the background with the
// foreground flag prepended: the parent blocks in daemonize.Run until
// the child reports its startup outcome through the anonymous status
// pipe, then exits.
func Daemonize(foregroundFlag string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("procctl: osext.Executable: %w", err)
	}
	args := append([]string{foregroundFlag}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if err := daemonize.Run(path, args, env, os.Stdout, os.Stderr); err != nil {
		return fmt.Errorf("procctl: daemonize.Run: %w", err)
	}
	return nil
}

// SignalStartupOutcome reports startup success or failure to a waiting
// daemonize parent. Harmless when the process was started directly.
func SignalStartupOutcome(err error) {
	if serr := daemonize.SignalOutcome(err); serr != nil {
		logger.Debugf("procctl: no daemonize parent to signal: %v", serr)
	}
}
