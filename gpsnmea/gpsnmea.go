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
Package gpsnmea turns a stream of bytes off a serial GPS receiver into
timestamped fix events: it frames NMEA 0183 sentences out of the raw byte
stream, tracks when a fix is new, and estimates the host-local instant each
sentence's leading "$" actually arrived, so ClockDiscipline can be fed an
(source, local) pair accurate to a few milliseconds despite the serial
link's own buffering jitter.
*/
package gpsnmea

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Decode flag bits, carried on each NmeaSentence.
const (
	FlagNewFix   uint8 = 1 << 0
	FlagNewBurst uint8 = 1 << 1
)

const (
	bufferCap        = 2048
	sentenceRingSize = 32
	infoRingSize     = 16

	// gpsExpires is how stale a fix's date/time may be before GpsState.fix
	// is no longer trusted.
	gpsExpires = 5 * time.Second

	// burstGapThreshold: an inter-read gap larger than this starts a new
	// burst (the GPS receiver writes in bursts, not a steady trickle).
	burstGapThreshold = 500 * time.Millisecond

	// watchdogTimeout and watchdogGrace: no fresh fix-bearing sentence
	// within watchdogTimeout after the grace period elapses resets the
	// decoder and signals the caller to recycle the link. The spec gives
	// 5s for GPS_EXPIRES without a separate watchdog literal, so the
	// watchdog reuses the same figure for both the grace period and the
	// timeout.
	watchdogTimeout = 5 * time.Second
	watchdogGrace   = 5 * time.Second
)

// NmeaSentence is one decoded line, retained for observability.
type NmeaSentence struct {
	Raw      string
	Flags    uint8
	Captured time.Time
}

// GpsState is the decoder's accumulated view of the GPS fix.
type GpsState struct {
	Fix         bool
	Date        string // ddmmyy
	Time        string // hhmmss
	Lat, Lon    string
	NS, EW      byte
	Device      string
	FixAcquired time.Time
}

// Discipliner is the subset of gpsclock.Discipline the decoder drives.
type Discipliner interface {
	Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error
}

// Config controls decoding policy that doesn't belong in the wire format.
type Config struct {
	Device   string
	Privacy  bool          // suppress position publication
	Latency  time.Duration // fixed source-internal delay passed to Discipline
	Burst    bool          // use t_burst instead of t_dollar as the local reference
	ShowNMEA bool          // log every decoded sentence at info level
}

// Decoder frames NMEA sentences out of a raw byte stream and triggers clock
// discipline when a sentence both starts a new fix and falls inside a burst
// that hasn't yet been consumed.
type Decoder struct {
	cfg        Config
	discipline Discipliner

	buf          []byte
	cumulative   int64 // total bytes ever fed, used as the "k" reference point
	bufferBase   int64 // cumulative offset corresponding to buf[0]
	lastReadAt   time.Time
	burstPending bool
	tBurst       time.Time

	rate byteRateEstimator

	state GpsState
	info  *ring[string]
	log   *ring[NmeaSentence]

	createdAt  time.Time
	lastFixAt  time.Time
}

// NewDecoder returns a Decoder wired to discipline for fix events.
func NewDecoder(cfg Config, discipline Discipliner) *Decoder {
	return &Decoder{
		cfg:        cfg,
		discipline: discipline,
		buf:        make([]byte, 0, bufferCap),
		info:       newRing[string](infoRingSize),
		log:        newRing[NmeaSentence](sentenceRingSize),
		state:      GpsState{Device: cfg.Device},
		createdAt:  time.Now(),
	}
}

// State returns a snapshot of the accumulated GPS fix state.
func (d *Decoder) State() GpsState { return d.state }

// Sentences returns the most recent decoded sentences, oldest first.
func (d *Decoder) Sentences() []NmeaSentence { return d.log.snapshot() }

// InfoLines returns the most recent TXT sentences, oldest first.
func (d *Decoder) InfoLines() []string { return d.info.snapshot() }

// Feed hands the decoder a batch of bytes read at tRead, the kernel-detected
// readable instant reported by the caller's multiplexer.
func (d *Decoder) Feed(data []byte, tRead time.Time) {
	if len(data) == 0 {
		return
	}

	gap := time.Duration(0)
	if !d.lastReadAt.IsZero() {
		gap = tRead.Sub(d.lastReadAt)
	}
	newBurst := d.lastReadAt.IsZero() || gap > burstGapThreshold
	d.rate.observe(len(data), gap)
	d.lastReadAt = tRead

	if len(d.buf)+len(data) > bufferCap {
		log.Debugf("gpsnmea: %s accumulator overflow, dropping %d bytes", d.cfg.Device, len(d.buf))
		d.bufferBase += int64(len(d.buf))
		d.buf = d.buf[:0]
	}

	d.buf = append(d.buf, data...)
	d.cumulative += int64(len(data))

	if newBurst {
		d.tBurst = tRead.Add(-d.rate.durationFor(len(d.buf)))
		d.burstPending = true
		d.state.Date = ""
		d.state.Time = ""
	}

	d.drainLines(tRead)
	d.checkWatchdog(tRead)
}

// drainLines splits every complete CR/LF-terminated line out of the
// accumulator, processes it, and leaves any trailing partial line in place.
func (d *Decoder) drainLines(tRead time.Time) {
	idx := 0
	for idx < len(d.buf) {
		j := indexAny(d.buf[idx:], '\r', '\n')
		if j < 0 {
			break
		}
		lineStart := idx
		line := d.buf[idx : idx+j]
		if len(line) > 0 {
			d.processLine(string(line), d.bufferBase+int64(lineStart), tRead)
		}
		idx += j + 1
	}
	d.bufferBase += int64(idx)
	d.buf = append(d.buf[:0], d.buf[idx:]...)
}

func indexAny(b []byte, chars ...byte) int {
	for i, c := range b {
		for _, want := range chars {
			if c == want {
				return i
			}
		}
	}
	return -1
}

// processLine decodes one framed line, starting at absolute stream offset k.
func (d *Decoder) processLine(line string, k int64, tRead time.Time) {
	if star := strings.IndexByte(line, '*'); star >= 0 {
		line = line[:star]
	}
	if len(line) == 0 || line[0] != '$' {
		return
	}
	body := line[1:]
	fields := strings.Split(body, ",")
	if len(fields) == 0 || len(fields[0]) < 5 {
		log.Debugf("gpsnmea: malformed sentence %q", line)
		return
	}
	talker, sentenceType := fields[0][:2], fields[0][2:]
	if !(talker == "GP" || talker == "GA" || talker == "GL") {
		return
	}

	offsetIntoStream := d.cumulative - k
	tDollar := tRead.Add(-d.rate.durationFor(int(offsetIntoStream)))

	var flags uint8
	if d.burstPending {
		flags |= FlagNewBurst
	}

	isNewFix := false
	switch sentenceType {
	case "RMC":
		isNewFix = d.decodeRMC(fields)
	case "GGA":
		isNewFix = d.decodeGGA(fields)
	case "GLL":
		isNewFix = d.decodeGLL(fields)
	case "TXT":
		d.info.push(truncate(line, 80))
	default:
		// recorded below, ignored for discipline
	}
	if isNewFix {
		flags |= FlagNewFix
		d.lastFixAt = tRead
	}

	d.log.push(NmeaSentence{Raw: truncate(line, 80), Flags: flags, Captured: tDollar})

	if d.cfg.ShowNMEA {
		log.Infof("gpsnmea: %s", line)
	}

	if isNewFix && d.burstPending {
		ref := tDollar
		if d.cfg.Burst {
			ref = d.tBurst
		}
		d.trigger(ref)
		d.burstPending = false
	}
}

func (d *Decoder) trigger(ref time.Time) {
	utc, err := d.utcInstant()
	if err != nil {
		log.Debugf("gpsnmea: %s cannot assemble UTC instant: %v", d.cfg.Device, err)
		return
	}
	if err := d.discipline.Discipline(utc, ref, d.cfg.Latency); err != nil {
		log.Errorf("gpsnmea: %s discipline failed: %v", d.cfg.Device, err)
	}
}

func (d *Decoder) utcInstant() (time.Time, error) {
	if len(d.state.Date) != 6 || len(d.state.Time) != 6 {
		return time.Time{}, fmt.Errorf("incomplete date/time")
	}
	layout := "020106150405"
	return time.Parse(layout, d.state.Date+d.state.Time)
}

func fieldAt(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func (d *Decoder) acceptFix(newTime, newDate, lat, ns, lon, ew string) bool {
	isNewFix := newTime != d.state.Time || newDate != d.state.Date
	d.state.Time = newTime
	d.state.Date = newDate
	d.state.Fix = true
	if isNewFix {
		d.state.FixAcquired = time.Now()
		if !d.cfg.Privacy {
			d.state.Lat, d.state.Lon = lat, lon
			if len(ns) > 0 {
				d.state.NS = ns[0]
			}
			if len(ew) > 0 {
				d.state.EW = ew[0]
			}
		}
	}
	return isNewFix
}

// modeOK accepts an empty mode indicator: pre-NMEA-2.3 RMC/GLL sentences
// don't carry one, and the spec's own worked example omits it.
func modeOK(mode string) bool {
	return mode == "" || mode == "A" || mode == "D"
}

func (d *Decoder) decodeRMC(fields []string) bool {
	status := fieldAt(fields, 2)
	if status != "A" || !modeOK(fieldAt(fields, 12)) {
		d.state.Fix = false
		return false
	}
	return d.acceptFix(fieldAt(fields, 1), fieldAt(fields, 9), fieldAt(fields, 3), fieldAt(fields, 4), fieldAt(fields, 5), fieldAt(fields, 6))
}

func (d *Decoder) decodeGGA(fields []string) bool {
	quality := fieldAt(fields, 6)
	sats := fieldAt(fields, 7)
	if quality < "1" || quality > "5" || !atLeastSatellites(sats, 3) {
		d.state.Fix = false
		return false
	}
	return d.acceptFix(fieldAt(fields, 1), d.state.Date, fieldAt(fields, 2), fieldAt(fields, 3), fieldAt(fields, 4), fieldAt(fields, 5))
}

func (d *Decoder) decodeGLL(fields []string) bool {
	status := fieldAt(fields, 6)
	if status != "A" || !modeOK(fieldAt(fields, 7)) {
		d.state.Fix = false
		return false
	}
	return d.acceptFix(fieldAt(fields, 5), d.state.Date, fieldAt(fields, 1), fieldAt(fields, 2), fieldAt(fields, 3), fieldAt(fields, 4))
}

func atLeastSatellites(field string, min int) bool {
	n := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n >= min
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// checkWatchdog resets decoder state if no fix-bearing sentence has arrived
// for watchdogTimeout past the startup grace period.
func (d *Decoder) checkWatchdog(now time.Time) bool {
	if now.Sub(d.createdAt) < watchdogGrace {
		return false
	}
	baseline := d.lastFixAt
	if baseline.IsZero() {
		baseline = d.createdAt
	}
	if now.Sub(baseline) < watchdogTimeout {
		return false
	}
	log.Debugf("gpsnmea: %s watchdog expired, resetting", d.cfg.Device)
	d.state = GpsState{Device: d.cfg.Device}
	d.buf = d.buf[:0]
	d.burstPending = false
	d.lastFixAt = time.Time{}
	return true
}

// Expired reports whether state.Fix should be considered stale per the
// GpsState invariant (fix implies date/time less than gpsExpires old).
func (d *Decoder) Expired(now time.Time) bool {
	return now.Sub(d.lastFixAt) >= gpsExpires
}

// Active reports hc_nmea_active(): a fresh fix within gpsExpires, the gate
// NtpEngine uses to decide between server and client mode.
func (d *Decoder) Active(now time.Time) bool {
	return d.state.Fix && !d.Expired(now)
}

// Tick runs the decoder's once-per-wall-second housekeeping (the watchdog)
// and reports whether it fired, so the caller knows to recycle the link.
func (d *Decoder) Tick(now time.Time) bool {
	return d.checkWatchdog(now)
}
