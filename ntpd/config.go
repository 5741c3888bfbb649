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

/*
Package ntpd implements NtpEngine: the NTPv4 request/reply responder,
broadcast peer election and discipline hookup, calibration client, and the
traffic/client observability rings, all against a single UDP socket shared
between receive and unicast reply.
*/
package ntpd

import (
	"fmt"
	"time"
)

// minBroadcastPeriod is the floor §6 places on -ntp-period.
const minBroadcastPeriod = 10 * time.Second

// defaultBroadcastPeriod is used when the configured period is zero.
const defaultBroadcastPeriod = 300 * time.Second

// Config controls NtpEngine's policy knobs; everything wire-format related
// lives in ntp/protocol instead.
type Config struct {
	RefID            string        // stratum-1 reference id, ASCII, <=4 bytes
	BroadcastPeriod  time.Duration // clamped to >= minBroadcastPeriod
	BroadcastAlways  bool          // -ntp-broadcast: advertise even without a live GPS fix
	ReferenceHost    string        // calibration peer, empty disables calibration
	CalibrationEvery time.Duration // default 10s
}

// Validate normalizes a Config in place and rejects values that can't be
// made sense of.
func (c *Config) Validate() error {
	if c.RefID == "" {
		c.RefID = "GPS"
	}
	if len(c.RefID) > 4 {
		return fmt.Errorf("ntpd: refid %q longer than 4 bytes", c.RefID)
	}
	if c.BroadcastPeriod == 0 {
		c.BroadcastPeriod = defaultBroadcastPeriod
	}
	if c.BroadcastPeriod < minBroadcastPeriod {
		c.BroadcastPeriod = minBroadcastPeriod
	}
	if c.CalibrationEvery == 0 {
		c.CalibrationEvery = 10 * time.Second
	}
	return nil
}
