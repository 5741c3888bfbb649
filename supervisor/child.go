/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// errStatusChildExited is returned by Run when the Status child has died,
// the nonzero-exit condition §4.6 calls for.
var errStatusChildExited = errors.New("supervisor: status child exited")

// statusChild supervises the Status process: started once at Run time,
// reaped asynchronously by a dedicated waiter goroutine so the event loop's
// periodic tick only ever does a non-blocking check.
type statusChild struct {
	argv []string
	cmd  *exec.Cmd
	done atomic.Bool
}

func newStatusChild(argv []string) *statusChild {
	return &statusChild{argv: argv}
}

// start forks/execs the Status process and begins waiting on it in the
// background.
func (c *statusChild) start() error {
	c.cmd = exec.Command(c.argv[0], c.argv[1:]...)
	c.cmd.Stdout = os.Stdout
	c.cmd.Stderr = os.Stderr
	if err := c.cmd.Start(); err != nil {
		return err
	}
	log.Infof("supervisor: started status child pid %d", c.cmd.Process.Pid)
	go func() {
		err := c.cmd.Wait()
		if err != nil {
			log.Errorf("supervisor: status child exited: %v", err)
		} else {
			log.Warningf("supervisor: status child exited cleanly")
		}
		c.done.Store(true)
	}()
	return nil
}

// exited reports whether the waiter goroutine has observed the child's
// death. Non-blocking: safe to call once per periodic tick.
func (c *statusChild) exited() bool {
	return c.done.Load()
}

// kill terminates the Status child on the Time process's own shutdown, so a
// canceled context doesn't leave an orphan behind.
func (c *statusChild) kill() {
	if c.cmd == nil || c.cmd.Process == nil || c.done.Load() {
		return
	}
	_ = c.cmd.Process.Kill()
}
