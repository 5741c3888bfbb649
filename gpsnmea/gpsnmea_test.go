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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDiscipliner struct {
	calls []disciplineCall
}

type disciplineCall struct {
	sourceUTC    time.Time
	localCapture time.Time
	latency      time.Duration
}

func (f *fakeDiscipliner) Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error {
	f.calls = append(f.calls, disciplineCall{sourceUTC, localCapture, latency})
	return nil
}

// TestColdStartWithGPS mirrors scenario 1: a single RMC sentence arriving
// after 600ms of silence sets NEW_BURST and NEW_FIX and triggers discipline
// with the parsed UTC instant and the configured latency.
func TestColdStartWithGPS(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE", Latency: 70 * time.Millisecond}, fd)

	tRead := time.Unix(1000, 0)
	line := []byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*CC\r\n")
	d.Feed(line, tRead)

	require.Len(t, fd.calls, 1)
	call := fd.calls[0]
	require.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC), call.sourceUTC)
	require.Equal(t, 70*time.Millisecond, call.latency)
	require.True(t, d.State().Fix)

	sentences := d.Sentences()
	require.Len(t, sentences, 1)
	require.Equal(t, FlagNewFix|FlagNewBurst, sentences[0].Flags)
}

func TestGapExactly500MsIsNotANewBurst(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	first := []byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n")
	d.Feed(first, time.Unix(1000, 0))
	require.Len(t, fd.calls, 1)

	// Exactly 500ms later: still the same burst, so a second identical fix
	// (same date+time) is not NEW_FIX and nothing fires, but critically the
	// burst boundary itself must not reopen.
	second := []byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n")
	d.Feed(second, time.Unix(1000, 0).Add(500*time.Millisecond))
	require.Len(t, fd.calls, 1, "exact 500ms gap must not start a new burst")
}

func TestGapOver500MsStartsNewBurst(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	first := []byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n")
	d.Feed(first, time.Unix(1000, 0))
	require.Len(t, fd.calls, 1)

	second := []byte("$GPRMC,123520,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n")
	d.Feed(second, time.Unix(1000, 0).Add(501*time.Millisecond))
	require.Len(t, fd.calls, 2)
}

func TestNonGpsTalkerIsIgnored(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	d.Feed([]byte("$IIVTG,022.4,T,,M,022.4,N,,K,A*CC\r\n"), time.Unix(1000, 0))
	require.Empty(t, fd.calls)
	require.Empty(t, d.Sentences())
}

func TestLineNotStartingWithDollarIsIgnored(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	d.Feed([]byte("garbage\r\n"), time.Unix(1000, 0))
	require.Empty(t, d.Sentences())
}

func TestInvalidRmcClearsFix(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n"), time.Unix(1000, 0))
	require.True(t, d.State().Fix)

	d.Feed([]byte("$GPRMC,123520,V,,,,,,,230394,,,N*CC\r\n"), time.Unix(1001, 0))
	require.False(t, d.State().Fix)
}

func TestPrivacyModeSuppressesPosition(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE", Privacy: true}, fd)

	d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n"), time.Unix(1000, 0))
	require.True(t, d.State().Fix)
	require.Empty(t, d.State().Lat)
	require.Empty(t, d.State().Lon)
}

func TestPartialLineIsHeldUntilTerminator(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC"), time.Unix(1000, 0))
	require.Empty(t, fd.calls)
	d.Feed([]byte("\r\n"), time.Unix(1000, 0).Add(10*time.Millisecond))
	require.Len(t, fd.calls, 1)
}

func TestTxtSentenceRecordedInInfoRing(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)

	d.Feed([]byte("$GPTXT,01,01,02,ANTENNA OPEN*CC\r\n"), time.Unix(1000, 0))
	lines := d.InfoLines()
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "ANTENNA OPEN")
}

func TestBurstModePrefersTBurstOverTDollar(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE", Burst: true}, fd)

	d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n"), time.Unix(1000, 0))
	require.Len(t, fd.calls, 1)
	require.Equal(t, d.tBurst, fd.calls[0].localCapture)
}

func TestWatchdogResetsAfterGraceAndTimeout(t *testing.T) {
	fd := &fakeDiscipliner{}
	d := NewDecoder(Config{Device: "/dev/ttyFAKE"}, fd)
	d.createdAt = time.Unix(0, 0)

	d.Feed([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A*CC\r\n"), time.Unix(0, 0))
	require.True(t, d.State().Fix)

	// Past grace and past the 5s timeout since the last fix: a no-op feed
	// (a single CRLF) should trip the watchdog and reset state.
	d.Feed([]byte("\r\n"), time.Unix(11, 0))
	require.False(t, d.State().Fix)
}
