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

package ntpd

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

// Mode chars for NtpStatus, per §3's data model.
const (
	ModeIdle   byte = 'I'
	ModeServer byte = 'S'
	ModeClient byte = 'C'
)

// ClockSource is the slice of ClockDiscipline the engine borrows: it calls
// Discipline as a time source and reads Reference/Dispersion/Synchronized
// for reply headers. There is no back-reference the other way.
type ClockSource interface {
	Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error
	Reference() time.Time
	Dispersion() time.Duration
	Synchronized() bool
}

// Engine implements NtpEngine: request/reply, broadcast election and
// transmission, calibration, and traffic accounting.
type Engine struct {
	cfg      Config
	clock    ClockSource
	gpsLive  func() bool // nmea_active(): fresh fix within GPS_EXPIRES
	pool     *pool
	traffic  *trafficAccounting

	mode    byte
	stratum int

	lastBroadcast   time.Time
	lastCalibration time.Time
	calibrationAddr *net.UDPAddr
}

// NewEngine creates an Engine in the initial idle state.
func NewEngine(cfg Config, clock ClockSource, gpsLive func() bool) *Engine {
	return &Engine{
		cfg:     cfg,
		clock:   clock,
		gpsLive: gpsLive,
		pool:    newPool(),
		traffic: newTrafficAccounting(),
		mode:    ModeIdle,
		stratum: 0,
	}
}

// Mode and Stratum expose NtpStatus's two headline fields.
func (e *Engine) Mode() byte                             { return e.mode }
func (e *Engine) Stratum() int                           { return e.stratum }
func (e *Engine) Source() (NtpServerSlot, bool)          { return e.pool.Source() }
func (e *Engine) SourceIndex() int                       { return e.pool.source }
func (e *Engine) Pool() [PoolSize]NtpServerSlot           { return e.pool.Slots() }
func (e *Engine) Traffic() [TrafficBucketCount]NtpTraffic { return e.traffic.Buckets() }
func (e *Engine) Clients() [ClientRingSize]NtpClientSlot  { return e.traffic.Clients() }

// updateState runs the state machine transition from §4.4.
func (e *Engine) updateState() {
	switch {
	case e.gpsLive() && e.clock.Synchronized():
		e.mode = ModeServer
		e.stratum = 1
	default:
		e.mode = ModeClient
		if src, ok := e.pool.Source(); ok {
			e.stratum = int(src.Stratum) + 1
		} else {
			e.stratum = 0
		}
	}
}

// refid computes the 4-byte reference id for a reply: ASCII "GPS" at
// stratum 1, else the upstream peer's IPv4 address.
func (e *Engine) refid(peerIP net.IP) uint32 {
	if e.stratum == 1 {
		return ntp.EncodeRefIDString(e.cfg.RefID)
	}
	if peerIP == nil {
		return 0
	}
	return ntp.EncodeRefIDIP(peerIP)
}

// RecordReceived accounts for one successfully parsed inbound datagram of
// any mode, per §8's `B.received >= B.client + B.broadcast` invariant: every
// datagram the supervisor hands the engine counts as received, not just the
// ones that end up producing a reply or a pool update.
func (e *Engine) RecordReceived() { e.traffic.recordReceived() }

// HandleRequest processes a mode-3 client request received at tRead,
// returning the reply packet to send and whether to send it at all: no
// reply is sent unless the local clock is synchronized and the effective
// stratum is nonzero.
func (e *Engine) HandleRequest(req *ntp.Packet, clientAddr string, tRead time.Time) (*ntp.Packet, bool) {
	e.updateState()
	if !e.clock.Synchronized() || e.stratum == 0 {
		return nil, false
	}

	reply := &ntp.Packet{}
	reply.SetSettings(ntp.LeapNone, req.Version(), ntp.ModeServer)
	reply.Stratum = uint8(e.stratum)
	reply.Poll = req.Poll
	reply.Precision = -32

	reply.OrigTimeSec, reply.OrigTimeFrac = req.TxTimeSec, req.TxTimeFrac

	rxSec, rxFrac := ntp.Time(tRead)
	reply.RxTimeSec, reply.RxTimeFrac = rxSec, rxFrac

	refSec, refFrac := ntp.Time(e.clock.Reference())
	reply.RefTimeSec, reply.RefTimeFrac = refSec, refFrac

	now := time.Now()
	txSec, txFrac := ntp.Time(now)
	reply.TxTimeSec, reply.TxTimeFrac = txSec, txFrac

	reply.RootDispersion = ntp.EncodeDispersion(e.clock.Dispersion())

	var peerIP net.IP
	if src, ok := e.pool.Source(); ok {
		peerIP = net.ParseIP(src.Name)
	}
	reply.ReferenceID = e.refid(peerIP)

	e.traffic.recordClient(clientAddr, ntp.Unix(req.TxTimeSec, req.TxTimeFrac), tRead)
	e.traffic.recordReply()
	return reply, true
}

// HandleBroadcast processes a mode-5 broadcast from a peer. It is ignored
// outright while the local GPS is live; otherwise it drives peer pool
// maintenance and election.
func (e *Engine) HandleBroadcast(peerAddr string, peer *ntp.Packet, tRead time.Time) {
	if e.gpsLive() {
		return
	}
	if peer.Stratum < 1 {
		return
	}

	peerTransmit := ntp.Unix(peer.TxTimeSec, peer.TxTimeFrac)
	isSource := e.pool.accept(peerAddr, peer.Stratum, tRead, peerTransmit, e.cfg.BroadcastPeriod)
	e.updateState()

	if isSource {
		if err := e.clock.Discipline(peerTransmit, tRead, 0); err != nil {
			log.Errorf("ntpd: discipline from peer %s failed: %v", peerAddr, err)
		}
	}
}

// HandleCalibrationReply processes a mode-4 reply to our own calibration
// request and returns the classical offset, per §4.4 / scenario 6. It never
// disciplines the clock.
func (e *Engine) HandleCalibrationReply(resp *ntp.Packet, clientSend, clientRecv time.Time) time.Duration {
	serverReceive := ntp.Unix(resp.RxTimeSec, resp.RxTimeFrac)
	serverTransmit := ntp.Unix(resp.TxTimeSec, resp.TxTimeFrac)
	return ntp.CalculateOffset(clientSend, serverReceive, serverTransmit, clientRecv)
}

// BroadcastPacket is one outbound mode-5 packet the caller should transmit
// to every non-loopback IPv4 interface's directed-broadcast address.
type BroadcastPacket struct {
	Packet *ntp.Packet
}

// Periodic runs the once-per-wall-second housekeeping: bucket rollover,
// source reclamation, and the broadcast-due decision. It returns a
// broadcast packet to transmit when one is due, or nil otherwise.
func (e *Engine) Periodic(now time.Time) *BroadcastPacket {
	e.traffic.rollover(now)
	e.pool.reclaim(now, e.cfg.BroadcastPeriod)
	e.updateState()

	if !e.clock.Synchronized() {
		return nil
	}
	broadcastDue := e.cfg.BroadcastAlways || e.gpsLive()
	if !broadcastDue {
		return nil
	}
	if !e.lastBroadcast.IsZero() && now.Sub(e.lastBroadcast) < e.cfg.BroadcastPeriod {
		return nil
	}
	e.lastBroadcast = now

	pkt := &ntp.Packet{}
	pkt.SetSettings(ntp.LeapNone, 4, ntp.ModeBroadcast)
	pkt.Stratum = 1
	pkt.Precision = -32
	pkt.ReferenceID = ntp.EncodeRefIDString(e.cfg.RefID)
	pkt.RootDispersion = ntp.EncodeDispersion(e.clock.Dispersion())
	refSec, refFrac := ntp.Time(e.clock.Reference())
	pkt.RefTimeSec, pkt.RefTimeFrac = refSec, refFrac
	txSec, txFrac := ntp.Time(now)
	pkt.TxTimeSec, pkt.TxTimeFrac = txSec, txFrac

	e.traffic.recordBroadcast()
	return &BroadcastPacket{Packet: pkt}
}

// DueForCalibration reports whether a calibration request should be sent
// now, given a configured reference host.
func (e *Engine) DueForCalibration(now time.Time) bool {
	if e.cfg.ReferenceHost == "" {
		return false
	}
	if e.lastCalibration.IsZero() {
		return true
	}
	return now.Sub(e.lastCalibration) >= e.cfg.CalibrationEvery
}

// MarkCalibrationSent records that a calibration request just went out.
func (e *Engine) MarkCalibrationSent(now time.Time) { e.lastCalibration = now }

// SetCalibrationAddr records the resolved address of the calibration peer;
// resolution happens once at startup per §4.4, in the supervisor.
func (e *Engine) SetCalibrationAddr(addr *net.UDPAddr) { e.calibrationAddr = addr }

// CalibrationAddr returns the resolved calibration peer address, or nil if
// none is configured or resolution hasn't run yet.
func (e *Engine) CalibrationAddr() *net.UDPAddr { return e.calibrationAddr }
