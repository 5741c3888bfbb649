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
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pascal-fb-martin/houseclock/gpsclock"
	"github.com/pascal-fb-martin/houseclock/gpsnmea"
	"github.com/pascal-fb-martin/houseclock/ntpd"
	"github.com/pascal-fb-martin/houseclock/shmstore"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

// tickInterval is the multiplexer's periodic-housekeeping cadence.
const tickInterval = time.Second

// serialPollInterval is how long the serial-read goroutine sleeps before
// calling Listen() again when the link is not open; how long a single Read
// call blocks is bounded by the serial link's own read timeout instead.
const serialPollInterval = 50 * time.Millisecond

// timeNice and statusNice are the scheduling priorities the two processes
// run at, per §5: the Time process ahead of everything else on the box, the
// Status process out of everybody's way.
const (
	timeNice   = -10
	statusNice = 10
)

// udpRead is one datagram lifted off the NTP socket by readUDP.
type udpRead struct {
	data  []byte
	from  string
	tRead time.Time
}

// serialRead is one chunk of bytes lifted off the GPS link by readSerial.
type serialRead struct {
	data  []byte
	tRead time.Time
}

// Supervisor runs the Time process's single-threaded event loop: a
// 1-second-timeout multiplexer over the NTP socket and the GPS serial link,
// periodic housekeeping on every wall-second transition, and Status-child
// supervision.
type Supervisor struct {
	conn    *net.UDPConn
	link    gpsLink
	decoder *gpsnmea.Decoder
	engine  *ntpd.Engine

	broadcastPort int

	calibrationHost string
	calibrationSent time.Time

	child *statusChild
	pub   *publisher
}

// gpsLink is the subset of serial.Link the supervisor drives, named locally
// so this package doesn't have to import serial just to spell the type out
// in New's signature twice.
type gpsLink interface {
	Listen() error
	Ready() bool
	Read(buf []byte) (int, error)
}

// New creates a Supervisor around an already-bound NTP socket, an
// already-constructed serial link, decoder and engine, and a Status-child
// command line (nil/empty disables child supervision, used by tests).
func New(conn *net.UDPConn, link gpsLink, decoder *gpsnmea.Decoder, engine *ntpd.Engine, broadcastPort int, calibrationHost string, statusArgv []string) *Supervisor {
	s := &Supervisor{
		conn:            conn,
		link:            link,
		decoder:         decoder,
		engine:          engine,
		broadcastPort:   broadcastPort,
		calibrationHost: calibrationHost,
	}
	if len(statusArgv) > 0 {
		s.child = newStatusChild(statusArgv)
	}
	return s
}

// renice applies this process's configured scheduling priority. Failure is
// logged and non-fatal: CAP_SYS_NICE is commonly unavailable in containers,
// and a nice value is an optimization, not a correctness requirement.
func renice(value int) {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, value); err != nil {
		log.Warningf("supervisor: setpriority(%d) failed: %v", value, err)
	}
}

// Run drives the event loop until ctx is canceled or a fatal condition (the
// Status child exiting) is observed, matching §4.6's nonzero-exit contract.
func (s *Supervisor) Run(ctx context.Context) error {
	renice(timeNice)

	if s.child != nil {
		if err := s.child.start(); err != nil {
			return err
		}
		defer s.child.kill()
	}

	if s.conn != nil {
		if err := enableBroadcast(s.conn); err != nil {
			log.Warningf("supervisor: enabling SO_BROADCAST failed: %v", err)
		}
	}

	var calibrationAddr *net.UDPAddr
	if s.calibrationHost != "" {
		addr, err := net.ResolveUDPAddr("udp4", s.calibrationHost)
		if err != nil {
			log.Errorf("supervisor: resolving calibration host %q: %v", s.calibrationHost, err)
		} else {
			calibrationAddr = addr
			s.engine.SetCalibrationAddr(addr)
		}
	}

	// g coordinates the two blocking readers below, per §4.6's multiplexer:
	// a terminal error from either one cancels gctx (stopping the other) and
	// surfaces through done instead of Run silently returning nil.
	g, gctx := errgroup.WithContext(ctx)

	// udpCh is left unsent-to forever when no NTP socket is bound
	// (-ntp-service=none): the multiplexer's select below simply never
	// takes that case, same as a disconnected peer producing no traffic.
	udpCh := make(chan udpRead, 8)
	if s.conn != nil {
		g.Go(func() error { return readUDP(gctx, s.conn, udpCh) })
	}

	serialCh := make(chan serialRead, 8)
	g.Go(func() error { return readSerial(gctx, s.link, serialCh) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-done:
			return err

		case r, ok := <-udpCh:
			if !ok {
				udpCh = nil
				continue
			}
			addrStr := ""
			if calibrationAddr != nil {
				addrStr = calibrationAddr.String()
			}
			if reply := dispatchPacket(s.engine, r.data, r.from, r.tRead, addrStr, s.calibrationSent); reply != nil {
				s.sendReply(reply, r.from)
			}

		case r, ok := <-serialCh:
			if !ok {
				serialCh = nil
				continue
			}
			s.decoder.Feed(r.data, r.tRead)

		case now := <-ticker.C:
			s.periodic(now, calibrationAddr)
			if s.child != nil && s.child.exited() {
				log.Errorf("supervisor: status child exited, shutting down")
				return errStatusChildExited
			}
		}
	}
}

// periodic runs the once-per-wall-second housekeeping: engine bucket
// rollover/election reclamation/broadcast, decoder watchdog, and calibration
// request issuance.
func (s *Supervisor) periodic(now time.Time, calibrationAddr *net.UDPAddr) {
	s.decoder.Tick(now)

	if bcast := s.engine.Periodic(now); bcast != nil {
		s.transmitBroadcast(bcast.Packet)
	}

	if calibrationAddr != nil && s.engine.DueForCalibration(now) {
		s.sendCalibrationRequest(calibrationAddr, now)
	}

	if s.pub != nil {
		s.pub.publish(s.decoder, s.engine)
	}
}

// EnablePublishing creates the SharedStore tables and turns on per-tick
// publishing of GPS/clock/NTP state for the Status process to read. Called
// once at startup; a Supervisor with no publisher (the zero value after
// New) simply skips the publish step, which is what the package's own
// tests rely on to avoid standing up a real shared-memory arena.
func (s *Supervisor) EnablePublishing(arena *shmstore.Arena, discipline *gpsclock.Discipline) error {
	pub, err := newPublisher(arena, discipline)
	if err != nil {
		return err
	}
	s.pub = pub
	return nil
}

// sendReply transmits a unicast NTP reply back to the client that asked.
func (s *Supervisor) sendReply(pkt *ntp.Packet, to string) {
	if s.conn == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp4", to)
	if err != nil {
		log.Errorf("supervisor: resolving reply address %q: %v", to, err)
		return
	}
	raw, err := pkt.Bytes()
	if err != nil {
		log.Errorf("supervisor: encoding reply: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(raw, addr); err != nil {
		log.Errorf("supervisor: sending reply to %s: %v", to, err)
	}
}

// sendCalibrationRequest issues a mode-3 request against the calibration
// reference host and records the send time for offset computation when the
// mode-4 reply arrives.
func (s *Supervisor) sendCalibrationRequest(addr *net.UDPAddr, now time.Time) {
	if s.conn == nil {
		return
	}
	req := &ntp.Packet{}
	req.SetSettings(ntp.LeapNone, 4, ntp.ModeClient)
	txSec, txFrac := ntp.Time(now)
	req.TxTimeSec, req.TxTimeFrac = txSec, txFrac

	raw, err := req.Bytes()
	if err != nil {
		log.Errorf("supervisor: encoding calibration request: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(raw, addr); err != nil {
		log.Errorf("supervisor: sending calibration request to %s: %v", addr, err)
		return
	}
	s.calibrationSent = now
	s.engine.MarkCalibrationSent(now)
}

// readUDP feeds incoming datagrams into ch until ctx is canceled or the
// socket errors out, the goroutine half of the 1-second-timeout multiplexer
// described in §4.6: net.UDPConn has no raw select hook, so a dedicated
// reader goroutine is the idiomatic substitute. It runs under Run's
// errgroup, so a non-nil return here cancels the sibling reader and becomes
// Run's own return value.
func readUDP(ctx context.Context, conn *net.UDPConn, ch chan<- udpRead) error {
	defer close(ch)
	buf := make([]byte, ntp.PacketSizeBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(tickInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		tRead := time.Now()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("supervisor: NTP socket read failed: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case ch <- udpRead{data: data, from: addr.String(), tRead: tRead}:
		case <-ctx.Done():
			return nil
		}
	}
}

// readSerial polls the GPS link until ctx is canceled. Listen() re-attaches
// the device after an unplug on its own 5-second backoff; Read() returns
// promptly thanks to the link's own read timeout, so this loop never blocks
// the rest of the process for long. It runs under Run's errgroup alongside
// readUDP, though in practice it only ever returns nil, on ctx cancellation.
func readSerial(ctx context.Context, link gpsLink, ch chan<- serialRead) error {
	defer close(ch)
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := link.Listen(); err != nil {
			time.Sleep(serialPollInterval)
			continue
		}
		if !link.Ready() {
			time.Sleep(serialPollInterval)
			continue
		}
		n, err := link.Read(buf)
		tRead := time.Now()
		if err != nil {
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case ch <- serialRead{data: data, tRead: tRead}:
		case <-ctx.Done():
			return nil
		}
	}
}
