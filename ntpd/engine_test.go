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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

type fakeClock struct {
	synced      bool
	reference   time.Time
	dispersion  time.Duration
	disciplines []disciplineCall
}

type disciplineCall struct {
	sourceUTC    time.Time
	localCapture time.Time
	latency      time.Duration
}

func (f *fakeClock) Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error {
	f.disciplines = append(f.disciplines, disciplineCall{sourceUTC, localCapture, latency})
	return nil
}
func (f *fakeClock) Reference() time.Time      { return f.reference }
func (f *fakeClock) Dispersion() time.Duration { return f.dispersion }
func (f *fakeClock) Synchronized() bool        { return f.synced }

func testConfig() Config {
	cfg := Config{BroadcastPeriod: 300 * time.Second}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func mode5Packet(stratum uint8, transmit time.Time) *ntp.Packet {
	p := &ntp.Packet{Stratum: stratum}
	p.SetSettings(ntp.LeapNone, 4, ntp.ModeBroadcast)
	p.TxTimeSec, p.TxTimeFrac = ntp.Time(transmit)
	return p
}

// TestBroadcastElection mirrors scenario 3.
func TestBroadcastElection(t *testing.T) {
	clock := &fakeClock{synced: false}
	e := NewEngine(testConfig(), clock, func() bool { return false })

	base := time.Unix(10_000, 0)
	e.HandleBroadcast("10.0.0.2:123", mode5Packet(3, base), base)
	e.HandleBroadcast("10.0.0.3:123", mode5Packet(2, base), base)
	e.HandleBroadcast("10.0.0.2:123", mode5Packet(3, base.Add(time.Second)), base.Add(time.Second))

	live := 0
	for _, s := range e.Pool() {
		if !s.empty() {
			live++
		}
	}
	require.Equal(t, 2, live)

	src, ok := e.Source()
	require.True(t, ok)
	require.Equal(t, "10.0.0.3", src.Name)
	require.Equal(t, 3, e.Stratum())
	require.Equal(t, ModeClient, e.Mode())
}

// TestSourceReclamation mirrors scenario 4: after electing 10.0.0.3,
// silence past 3*300+1 seconds reclaims it on the next periodic tick.
func TestSourceReclamation(t *testing.T) {
	clock := &fakeClock{synced: false}
	e := NewEngine(testConfig(), clock, func() bool { return false })

	base := time.Unix(20_000, 0)
	e.HandleBroadcast("10.0.0.2:123", mode5Packet(3, base), base)
	e.HandleBroadcast("10.0.0.3:123", mode5Packet(2, base), base)
	_, ok := e.Source()
	require.True(t, ok)

	later := base.Add(901 * time.Second)
	e.Periodic(later)

	_, ok = e.Source()
	require.False(t, ok)
	require.Equal(t, 0, e.Stratum())
	require.Equal(t, ModeClient, e.Mode())

	reply, sent := e.HandleRequest(&ntp.Packet{}, "192.0.2.1:5000", later)
	require.False(t, sent)
	require.Nil(t, reply)
}

// TestClientReply mirrors scenario 5.
func TestClientReply(t *testing.T) {
	clock := &fakeClock{synced: true, reference: time.Unix(30_000, 0), dispersion: 2 * time.Millisecond}
	e := NewEngine(testConfig(), clock, func() bool { return true })
	e.updateState()
	require.Equal(t, ModeServer, e.Mode())
	require.Equal(t, 1, e.Stratum())

	req := &ntp.Packet{TxTimeSec: 0xE1234567, TxTimeFrac: 0x89ABCDEF}
	req.SetSettings(ntp.LeapNone, 4, ntp.ModeClient)

	tRead := time.Unix(30_100, 0)
	reply, sent := e.HandleRequest(req, "192.0.2.9:123", tRead)
	require.True(t, sent)
	require.Equal(t, uint8(0x24), reply.Settings)
	require.Equal(t, uint32(0xE1234567), reply.OrigTimeSec)
	require.Equal(t, uint32(0x89ABCDEF), reply.OrigTimeFrac)
	require.Equal(t, uint8(1), reply.Stratum)
	require.Equal(t, "GPS", ntp.DecodeRefIDString(reply.ReferenceID))

	wantRxSec, wantRxFrac := ntp.Time(tRead)
	require.Equal(t, wantRxSec, reply.RxTimeSec)
	require.Equal(t, wantRxFrac, reply.RxTimeFrac)
}

func TestRequestDroppedWhenNotSynchronized(t *testing.T) {
	clock := &fakeClock{synced: false}
	e := NewEngine(testConfig(), clock, func() bool { return true })
	e.updateState()

	reply, sent := e.HandleRequest(&ntp.Packet{}, "192.0.2.1:123", time.Unix(1, 0))
	require.False(t, sent)
	require.Nil(t, reply)
}

func TestCalibrationOffset(t *testing.T) {
	clock := &fakeClock{}
	e := NewEngine(testConfig(), clock, func() bool { return false })

	resp := &ntp.Packet{}
	serverReceive := time.UnixMilli(1_000_050)
	serverTransmit := time.UnixMilli(1_000_060)
	resp.RxTimeSec, resp.RxTimeFrac = ntp.Time(serverReceive)
	resp.TxTimeSec, resp.TxTimeFrac = ntp.Time(serverTransmit)

	clientSend := time.UnixMilli(1_000_000)
	clientRecv := time.UnixMilli(1_000_100)
	offset := e.HandleCalibrationReply(resp, clientSend, clientRecv)
	require.InDelta(t, 5*time.Millisecond, offset, float64(time.Millisecond))
}

func TestTrafficBucketTimestampIsAligned(t *testing.T) {
	tr := newTrafficAccounting()
	tr.rollover(time.Unix(1000, 0))
	tr.recordReceived()
	tr.recordReply()
	tr.rollover(time.Unix(1011, 0))

	b := tr.Buckets()[100]
	require.Equal(t, int64(0), b.BucketStart%10)
	require.GreaterOrEqual(t, b.Received, b.ClientReplies+b.BroadcastsSent)
}
