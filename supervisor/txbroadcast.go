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
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pascal-fb-martin/houseclock/ntpd"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

// enableBroadcast sets SO_BROADCAST on the NTP socket so a send to a
// directed broadcast address isn't rejected by the kernel, per §4.4's
// "directed broadcast, never the limited 255.255.255.255" requirement.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return setErr
}

// transmitBroadcast sends pkt from the NTP socket to every non-loopback IPv4
// interface's directed broadcast address, per §4.4's broadcast transmission
// step.
func (s *Supervisor) transmitBroadcast(pkt *ntp.Packet) {
	if s.conn == nil {
		return
	}
	targets, err := ntpd.BroadcastTargets()
	if err != nil {
		log.Errorf("supervisor: enumerating broadcast targets: %v", err)
		return
	}
	raw, err := pkt.Bytes()
	if err != nil {
		log.Errorf("supervisor: encoding broadcast packet: %v", err)
		return
	}
	for _, t := range targets {
		addr := &net.UDPAddr{IP: t.DestIP, Port: s.broadcastPort}
		if _, err := s.conn.WriteToUDP(raw, addr); err != nil {
			log.Errorf("supervisor: broadcasting to %s: %v", addr, err)
		}
	}
}
