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
Package supervisor runs the Time process's single-threaded event loop: a
1-second-timeout multiplexer over the NTP socket and the GPS serial link,
dispatching readiness to the NTP engine or the NMEA decoder with the
post-wake wall time, running each collaborator's periodic housekeeping on
every wall-second transition, and reaping the Status child process.
*/
package supervisor

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pascal-fb-martin/houseclock/ntpd"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

// dispatchPacket unmarshals one UDP datagram and routes it to the right
// engine handler per §4.4's mode table. It returns the reply to send, if
// any; a malformed or unrecognized datagram is dropped silently.
func dispatchPacket(e *ntpd.Engine, data []byte, from string, tRead time.Time, calibrationAddr string, calibrationSentAt time.Time) *ntp.Packet {
	req, err := ntp.BytesToPacket(data)
	if err != nil {
		log.Debugf("supervisor: malformed NTP packet from %s: %v", from, err)
		return nil
	}
	if !req.ValidSettingsFormat() {
		log.Debugf("supervisor: invalid settings byte from %s, dropping", from)
		return nil
	}

	e.RecordReceived()

	switch req.Mode() {
	case ntp.ModeClient:
		reply, ok := e.HandleRequest(req, from, tRead)
		if !ok {
			return nil
		}
		return reply

	case ntp.ModeBroadcast:
		e.HandleBroadcast(from, req, tRead)
		return nil

	case ntp.ModeServer:
		if from != calibrationAddr {
			return nil
		}
		offset := e.HandleCalibrationReply(req, calibrationSentAt, tRead)
		log.Debugf("supervisor: calibration offset against %s: %s", from, offset)
		return nil

	default:
		return nil
	}
}
