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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pascal-fb-martin/houseclock/ntpd"

	ntp "github.com/pascal-fb-martin/houseclock/ntp/protocol"
)

type fakeClock struct {
	synced bool
}

func (f *fakeClock) Discipline(sourceUTC, localCapture time.Time, latency time.Duration) error {
	return nil
}
func (f *fakeClock) Reference() time.Time      { return time.Unix(1000, 0) }
func (f *fakeClock) Dispersion() time.Duration { return 0 }
func (f *fakeClock) Synchronized() bool        { return f.synced }

func newTestEngine(synced bool) *ntpd.Engine {
	cfg := ntpd.Config{BroadcastPeriod: 300 * time.Second}
	_ = cfg.Validate()
	return ntpd.NewEngine(cfg, &fakeClock{synced: synced}, func() bool { return synced })
}

func TestDispatchClientRequestReturnsReply(t *testing.T) {
	e := newTestEngine(true)

	req := &ntp.Packet{}
	req.SetSettings(ntp.LeapNone, 4, ntp.ModeClient)
	raw, err := req.Bytes()
	require.NoError(t, err)

	reply := dispatchPacket(e, raw, "192.0.2.1:123", time.Unix(2000, 0), "", time.Time{})
	require.NotNil(t, reply)
	require.Equal(t, uint8(ntp.ModeServer), reply.Mode())
}

func TestDispatchClientRequestDroppedWhenNotSynchronized(t *testing.T) {
	e := newTestEngine(false)

	req := &ntp.Packet{}
	req.SetSettings(ntp.LeapNone, 4, ntp.ModeClient)
	raw, err := req.Bytes()
	require.NoError(t, err)

	reply := dispatchPacket(e, raw, "192.0.2.1:123", time.Unix(2000, 0), "", time.Time{})
	require.Nil(t, reply)
}

func TestDispatchMalformedPacketIsDropped(t *testing.T) {
	e := newTestEngine(true)
	reply := dispatchPacket(e, []byte{1, 2, 3}, "192.0.2.1:123", time.Unix(2000, 0), "", time.Time{})
	require.Nil(t, reply)
}

func TestDispatchInvalidModeIsDropped(t *testing.T) {
	e := newTestEngine(true)
	req := &ntp.Packet{}
	req.SetSettings(ntp.LeapNone, 4, 1) // symmetric-active, never accepted
	raw, err := req.Bytes()
	require.NoError(t, err)

	reply := dispatchPacket(e, raw, "192.0.2.1:123", time.Unix(2000, 0), "", time.Time{})
	require.Nil(t, reply)
}

func TestDispatchCalibrationReplyFromWrongHostIsIgnored(t *testing.T) {
	e := newTestEngine(false)
	resp := &ntp.Packet{}
	resp.SetSettings(ntp.LeapNone, 4, ntp.ModeServer)
	raw, err := resp.Bytes()
	require.NoError(t, err)

	reply := dispatchPacket(e, raw, "192.0.2.9:123", time.Unix(2000, 0), "192.0.2.1:123", time.Unix(1999, 0))
	require.Nil(t, reply)
}

func TestDispatchBroadcastNeverRepliesDirectly(t *testing.T) {
	e := newTestEngine(false)
	peer := &ntp.Packet{Stratum: 2}
	peer.SetSettings(ntp.LeapNone, 4, ntp.ModeBroadcast)
	peer.TxTimeSec, peer.TxTimeFrac = ntp.Time(time.Unix(1999, 0))
	raw, err := peer.Bytes()
	require.NoError(t, err)

	reply := dispatchPacket(e, raw, "192.0.2.2:123", time.Unix(2000, 0), "", time.Time{})
	require.Nil(t, reply)

	src, ok := e.Source()
	require.True(t, ok)
	require.Equal(t, "192.0.2.2", src.Name)
}
