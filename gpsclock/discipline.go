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
Package gpsclock disciplines the host wall clock from (source, local
capture, latency) triples: a learning accumulator decides between an
immediate hard set and a gradual slew, rejecting single-sample jitter the
way a PLL rejects noise.
*/
package gpsclock

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/pascal-fb-martin/houseclock/clock"
)

// State mirrors the servo naming convention for a disciplining loop.
type State uint8

// Discipline states.
const (
	StateInit   State = 0
	StateJump   State = 1
	StateLocked State = 2
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	}
	return "UNSUPPORTED"
}

const (
	// hardSetThreshold is the |drift| at or above which a hard set is used
	// instead of a slew, including on the very first call.
	hardSetThreshold = 10 * time.Second
	// gpsLearningWindow is the number of samples accumulated before a
	// GPS-sourced (latency > 0) discipline cycle is allowed to act.
	gpsLearningWindow = 10
	// desyncMultiplier: a slew whose magnitude exceeds precision by this
	// factor clears the synchronized flag even though it still applies.
	desyncMultiplier = 50
	// metricsRingSize is the number of per-second slots kept.
	metricsRingSize = 360
	// samplingDecayThreshold halves the sampling-period accumulator once
	// the sample count reaches it, aging out old intervals.
	samplingDecayThreshold = 100000
)

// ClockMetric is one second's worth of discipline activity.
type ClockMetric struct {
	DriftMs     int64
	AdjustCount int32
}

// Status is the live, externally-observable state of the discipline loop.
type Status struct {
	Synchronized  bool
	PrecisionMs   int64
	Reference     time.Time
	DriftMs       int64
	AvgDriftMs    int64
	LearningCount int
	Sampling      float64 // seconds between discipline calls, estimated
	State         State
}

// Backend is the set of OS primitives Discipline calls to mutate wall time
// and read the current instant. Tests supply a fake; production code wires
// the real clock package.
type Backend interface {
	Now() time.Time
	Set(t time.Time) error
	Slew(offset time.Duration) error
}

type systemBackend struct{}

func (systemBackend) Now() time.Time { return time.Now() }

func (systemBackend) Set(t time.Time) error { return clock.Set(t) }

func (systemBackend) Slew(offset time.Duration) error { return clock.Slew(offset) }

// SystemBackend is the production Backend, wrapping golang.org/x/sys/unix
// via the clock package.
func SystemBackend() Backend { return systemBackend{} }

// SetDriftLogging controls whether each Discipline call logs its drift and
// avgDrift at Info level (-drift) instead of the default Debug level, for
// operators diagnosing a misbehaving source without attaching the status
// process.
func (d *Discipline) SetDriftLogging(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logDrift = enabled
}

// Discipline implements the discipline() operation from the clock
// disciplining component: a learning accumulator gating a hard-set/slew
// decision, plus the metrics and sampling-period bookkeeping observers need.
type Discipline struct {
	mu sync.Mutex

	backend Backend
	status  Status
	metrics [metricsRingSize]ClockMetric

	acc                *welford.Stats
	learningCycleStart time.Time

	firstCall       bool
	lastCallTime    time.Time
	lastMetricSec   int64
	samplingSum     float64
	samplingSamples int64

	logDrift bool // -drift: log every call's drift/avgDrift at Info instead of Debug
}

// New creates a Discipline with the given precision target and backend.
func New(precisionMs int64, backend Backend) *Discipline {
	if backend == nil {
		backend = SystemBackend()
	}
	return &Discipline{
		backend:   backend,
		acc:       welford.New(),
		firstCall: true,
		status: Status{
			PrecisionMs: precisionMs,
			State:       StateInit,
		},
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Discipline feeds one (source, local, latency) observation into the loop.
// sourceUTC is the GPS- or peer-derived UTC instant; localCapture is the
// local event-loop instant the observation was attributed to; latency
// compensates for a known, constant source-internal delay (zero for a
// network-sourced peer).
func (d *Discipline) Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.backend.Now()
	drift := sourceUTC.Sub(localCapture) + latency
	driftMs := drift.Milliseconds()

	d.zeroSkippedMetrics(now)
	sec := now.Unix()
	d.metrics[sec%metricsRingSize].DriftMs = driftMs
	d.status.DriftMs = driftMs
	d.lastMetricSec = sec

	var err error
	if d.firstCall || abs64(driftMs) >= hardSetThreshold.Milliseconds() {
		err = d.hardSet(sourceUTC, localCapture, latency, now, sec)
	} else {
		err = d.accumulate(sourceUTC, driftMs, latency > 0, now, sec)
	}

	if d.logDrift {
		log.Infof("gpsclock: drift=%dms avgDrift=%dms", driftMs, d.status.AvgDriftMs)
	} else {
		log.Debugf("gpsclock: drift=%dms avgDrift=%dms", driftMs, d.status.AvgDriftMs)
	}

	d.updateSampling(now)
	return err
}

func (d *Discipline) hardSet(sourceUTC, localCapture time.Time, latency time.Duration, now time.Time, sec int64) error {
	corrected := sourceUTC.Add(now.Sub(localCapture)).Add(latency)
	err := d.backend.Set(corrected)
	if err != nil {
		log.Errorf("gpsclock: hard set failed: %v", err)
	} else {
		d.status.Reference = corrected
		d.status.Synchronized = true
		d.status.State = StateJump
		d.metrics[sec%metricsRingSize].AdjustCount++
	}
	d.resetLearning(sourceUTC)
	d.firstCall = false
	return err
}

func (d *Discipline) accumulate(sourceUTC time.Time, driftMs int64, gpsSourced bool, now time.Time, sec int64) error {
	d.acc.Add(float64(driftMs))
	d.status.LearningCount = int(d.acc.Count())

	required := 1
	if gpsSourced {
		required = gpsLearningWindow
	}
	if int(d.acc.Count()) < required {
		return nil
	}

	avg := int64(d.acc.Mean())
	d.status.AvgDriftMs = avg

	if abs64(avg) < d.status.PrecisionMs {
		d.status.Synchronized = true
		d.status.State = StateLocked
		d.resetLearning(sourceUTC)
		return nil
	}

	err := d.backend.Slew(time.Duration(avg) * time.Millisecond)
	if err != nil {
		log.Errorf("gpsclock: slew failed: %v", err)
	} else {
		d.status.Reference = now
		d.metrics[sec%metricsRingSize].AdjustCount++
	}
	if abs64(avg) > desyncMultiplier*d.status.PrecisionMs {
		d.status.Synchronized = false
	}
	d.resetLearning(sourceUTC)
	return err
}

func (d *Discipline) resetLearning(cycleStart time.Time) {
	d.acc = welford.New()
	d.learningCycleStart = cycleStart
	d.status.LearningCount = 0
}

func (d *Discipline) zeroSkippedMetrics(now time.Time) {
	if d.lastMetricSec == 0 {
		return
	}
	sec := now.Unix()
	for s := d.lastMetricSec + 1; s < sec; s++ {
		d.metrics[s%metricsRingSize] = ClockMetric{}
	}
}

func (d *Discipline) updateSampling(now time.Time) {
	if d.lastCallTime.IsZero() {
		d.lastCallTime = now
		return
	}
	interval := now.Sub(d.lastCallTime).Seconds()
	d.samplingSum += interval
	d.samplingSamples++
	if d.samplingSamples >= samplingDecayThreshold {
		d.samplingSum /= 2
		d.samplingSamples /= 2
	}
	d.status.Sampling = d.samplingSum / float64(d.samplingSamples)
	d.lastCallTime = now
}

// Status returns a snapshot of the discipline loop's observable state.
func (d *Discipline) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Metric returns the ClockMetric recorded for the given wall second.
func (d *Discipline) Metric(sec int64) ClockMetric {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics[sec%metricsRingSize]
}

// Reference returns the instant of the last adjustment (set or slew).
func (d *Discipline) Reference() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Reference
}

// Dispersion returns |avgDrift|, reported to NTP clients as root dispersion.
func (d *Discipline) Dispersion() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(abs64(d.status.AvgDriftMs)) * time.Millisecond
}

// Synchronized reports whether the loop currently considers the clock
// locked, the gate NtpEngine uses to decide whether mode-3 requests get a
// reply at all.
func (d *Discipline) Synchronized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Synchronized
}
