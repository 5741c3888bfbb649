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

package statsview

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// livenessProbeInterval bounds how quickly this process notices its parent
// (the Time process) died, matching spec.md §5's "detects it on its next
// liveness probe (<=3s)".
const livenessProbeInterval = time.Second

// WatchParent blocks until ctx is canceled or the process that started
// this one exits, at which point the Status process's own getppid() value
// changes: Linux reparents orphans to the nearest subreaper (normally
// pid 1), which never matches the Time process's pid recorded at startup.
// This is the Status process's second blocking point alongside its own
// HTTP accept/read loop, per spec.md §5.
func WatchParent(ctx context.Context) {
	parent := unix.Getppid()
	ticker := time.NewTicker(livenessProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if unix.Getppid() != parent {
				return
			}
		}
	}
}
