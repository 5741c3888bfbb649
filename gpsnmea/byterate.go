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

package gpsnmea

import "time"

// initialRateScaled is the startup byte rate, 115 bytes/ms, carrying the
// 1000x precision factor the estimator accumulates in.
const initialRateScaled = 115 * 1000

// rateSaturationThreshold bounds the accumulator pair (T_bytes, T_ms); once
// either crosses it both are halved to age out older samples. The spec
// calls for aging but doesn't fix the literal threshold; this value keeps a
// comfortably long averaging window (tens of thousands of bytes) without
// risking overflow.
const rateSaturationThreshold = 100000

// byteRateGapCutoff is the inter-read gap below which a read contributes to
// the rate estimate. The boundary is strict: a gap of exactly 300ms is
// excluded.
const byteRateGapCutoff = 300 * time.Millisecond

// byteRateEstimator tracks a running bytes-per-millisecond rate from
// successive serial reads, used to translate a buffer offset into an
// estimated arrival instant.
type byteRateEstimator struct {
	tBytes int64
	tMs    int64
}

// observe folds one read of n bytes, separated from the previous read by
// gap, into the estimate. Gaps at or above byteRateGapCutoff are excluded
// (they span a burst boundary, not steady transmission).
func (e *byteRateEstimator) observe(n int, gap time.Duration) {
	if gap >= byteRateGapCutoff {
		return
	}
	ms := gap.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	e.tBytes += int64(n)
	e.tMs += ms
	if e.tBytes > rateSaturationThreshold || e.tMs > rateSaturationThreshold {
		e.tBytes /= 2
		e.tMs /= 2
	}
}

// rateScaled returns B, the current bytes/ms rate, scaled by 1000.
func (e *byteRateEstimator) rateScaled() int64 {
	if e.tMs == 0 {
		return initialRateScaled
	}
	scaled := e.tBytes * 1000 / e.tMs
	if scaled <= 0 {
		return initialRateScaled
	}
	return scaled
}

// durationFor estimates how long n bytes take to arrive at the current
// rate, i.e. n / B expressed as a time.Duration.
func (e *byteRateEstimator) durationFor(n int) time.Duration {
	ms := int64(n) * 1000 / e.rateScaled()
	return time.Duration(ms) * time.Millisecond
}
