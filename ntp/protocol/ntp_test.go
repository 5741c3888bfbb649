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

package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	// Unix
	usec  = int64(1585147599)
	unsec = int64(631495778)
	// NTP
	nsec  = uint32(3794136399)
	nfrac = uint32(2712253714)

	// Network Delays
	forwardDelay = 10 * time.Millisecond
	returnDelay  = 20 * time.Millisecond

	// avgNetworkDelay
	avgNetworkDelay = 15 * time.Millisecond

	// Packet request. From ntpdate run
	ntpRequest = &Packet{
		Settings:       227,
		Stratum:        0,
		Poll:           3,
		Precision:      -6,
		RootDelay:      65536,
		RootDispersion: 65536,
		ReferenceID:    0,
		RefTimeSec:     0,
		RefTimeFrac:    0,
		OrigTimeSec:    0,
		OrigTimeFrac:   0,
		RxTimeSec:      0,
		RxTimeFrac:     0,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2718216404,
	}

	// Same request as above in bytes
	ntpRequestBytes = []byte{227, 0, 3, 250, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212}

	// Packet response
	ntpResponse = &Packet{
		Settings:       36,
		Stratum:        1,
		Poll:           3,
		Precision:      -32,
		RootDelay:      0,
		RootDispersion: 10,
		ReferenceID:    1178738720,
		RefTimeSec:     3794209800,
		RefTimeFrac:    0,
		OrigTimeSec:    3794210679,
		OrigTimeFrac:   2718216404,
		RxTimeSec:      3794210679,
		RxTimeFrac:     2718375472,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2719753478,
	}
	// Same response as above in bytes
	ntpResponseBytes = []byte{36, 1, 3, 224, 0, 0, 0, 0, 0, 0, 0, 10, 70, 66, 32, 32, 226, 39, 12, 8, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212, 226, 39, 15, 119, 162, 7, 30, 48, 226, 39, 15, 119, 162, 28, 37, 6}

	ntpBadRequest = &Packet{Settings: 0}
)

// Testing conversion so if Packet structure changes we notice
func TestRequestConversion(t *testing.T) {
	b, err := ntpRequest.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, b)
}

// Testing conversion so if Packet structure changes we notice
func TestResponseConersion(t *testing.T) {
	b, err := ntpResponse.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, b)
}

func TestBytesToPacket(t *testing.T) {
	packet, err := BytesToPacket(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, packet)
}

func TestBytesToPacketError(t *testing.T) {
	b := []byte{}
	packet, err := BytesToPacket(b)
	require.NotNil(t, err)
	require.Equal(t, &Packet{}, packet)
}

func TestMarshalUnmarshalBinary(t *testing.T) {
	b, err := ntpResponse.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, b)

	got := &Packet{}
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, ntpResponse, got)
}

func TestRequestSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpRequestBytes))
}

func TestResponseSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpResponseBytes))
}

func TestValidSettingsFormat(t *testing.T) {
	require.True(t, ntpRequest.ValidSettingsFormat())
	require.Equal(t, ModeClient, ntpRequest.Mode())
}

func TestInvalidSettingsFormat(t *testing.T) {
	require.False(t, ntpBadRequest.ValidSettingsFormat())
}

func TestNewSettingsRoundTrip(t *testing.T) {
	p := &Packet{}
	p.SetSettings(LeapNone, 4, ModeBroadcast)
	require.Equal(t, LeapNone, p.LeapIndicator())
	require.Equal(t, uint8(4), p.Version())
	require.Equal(t, ModeBroadcast, p.Mode())
	require.True(t, p.ValidSettingsFormat())
}

func TestRefIDStringRoundTrip(t *testing.T) {
	refid := EncodeRefIDString("GPS")
	require.Equal(t, "GPS", DecodeRefIDString(refid))
}

func TestRefIDIPRoundTrip(t *testing.T) {
	ip := net.ParseIP("192.168.1.1").To4()
	refid := EncodeRefIDIP(ip)
	require.True(t, ip.Equal(DecodeRefIDIP(refid)))
}

func TestDispersionRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, time.Millisecond, 500 * time.Millisecond, 3*time.Second + 250*time.Millisecond} {
		encoded := EncodeDispersion(d)
		decoded := DecodeDispersion(encoded)
		// the low 16 bits only carry ~1/65536s of resolution
		require.InDelta(t, d.Seconds(), decoded.Seconds(), 1.0/65536.0)
	}
}

func TestTime(t *testing.T) {
	testtime := time.Unix(usec, unsec)
	sec, frac := Time(testtime)

	require.Equal(t, nsec, sec)
	require.Equal(t, nfrac, frac)
}

func TestUnix(t *testing.T) {
	testtime := Unix(nsec, nfrac)

	require.Equal(t, usec, testtime.Unix())
	// +1ns is a rounding issue
	require.Equal(t, unsec, int64(testtime.Nanosecond())+1)
}

func TestTimeUnixRoundTrip(t *testing.T) {
	sec, frac := Time(time.Unix(usec, 0))
	back := Unix(sec, frac)
	require.Equal(t, usec, back.Unix())
}

func TestAbs(t *testing.T) {
	require.Equal(t, abs(1), int64(1))
	require.Equal(t, abs(-1), int64(1))
}

func TestAvgNetworkDelay(t *testing.T) {
	// Time on server is = of time on client
	clientTransmitTime := time.Now()
	// Network delay client -> server 10ms
	serverReceiveTime := clientTransmitTime.Add(forwardDelay)
	// OS delay server 10us
	serverTransmitTime := serverReceiveTime.Add(10 * time.Microsecond)
	// Network delay client -> server 20ms
	clientReceiveTime := serverTransmitTime.Add(returnDelay)

	actualAvgNetworkDelay := AvgNetworkDelay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime)
	require.Equal(t, avgNetworkDelay, actualAvgNetworkDelay)
}

func TestAvgNetworkDelayPositive(t *testing.T) {
	// Assuming time on client is > of time on server
	clientToServer := 50 * time.Millisecond

	clientTransmitTime := time.Now()
	serverReceiveTime := clientTransmitTime.Add(forwardDelay)
	serverTransmitTime := serverReceiveTime.Add(10 * time.Microsecond)
	clientReceiveTime := serverTransmitTime.Add(returnDelay)

	actualAvgNetworkDelay := AvgNetworkDelay(clientTransmitTime.Add(clientToServer), serverReceiveTime, serverTransmitTime, clientReceiveTime.Add(clientToServer))
	require.Equal(t, avgNetworkDelay, actualAvgNetworkDelay)
}

func TestAvgNetworkDelayNegative(t *testing.T) {
	// Assuming time on client is < of time on server
	clientToServer := -50 * time.Millisecond

	clientTransmitTime := time.Now()
	serverReceiveTime := clientTransmitTime.Add(forwardDelay)
	serverTransmitTime := serverReceiveTime.Add(10 * time.Microsecond)
	clientReceiveTime := serverTransmitTime.Add(returnDelay)

	actualAvgNetworkDelay := AvgNetworkDelay(clientTransmitTime.Add(clientToServer), serverReceiveTime, serverTransmitTime, clientReceiveTime.Add(clientToServer))
	require.Equal(t, avgNetworkDelay, actualAvgNetworkDelay)
}

// TestCalculateOffsetFiveMillis walks through the calibration exchange used
// as the worked example for the client/server offset formula: a 10ms
// one-way delay plus a 5ms true clock offset between client and server.
func TestCalculateOffsetFiveMillis(t *testing.T) {
	clientTransmit := time.Unix(0, 0)
	serverReceive := clientTransmit.Add(15 * time.Millisecond)
	serverTransmit := serverReceive
	clientReceive := clientTransmit.Add(20 * time.Millisecond)

	actualOffset := CalculateOffset(clientTransmit, serverReceive, serverTransmit, clientReceive)
	require.Equal(t, 5*time.Millisecond, actualOffset)
}

func TestReadNTPPacket(t *testing.T) {
	// listen to incoming udp packets
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	// Send a client request
	cconn, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer cconn.Close()
	_, err = cconn.Write(ntpRequestBytes)
	require.NoError(t, err)

	request, returnaddr, err := ReadNTPPacket(conn)
	require.Equal(t, ntpRequest, request, "We should have the same request arriving on the server")
	require.Equal(t, cconn.LocalAddr().String(), returnaddr.String())
	require.NoError(t, err)
}

func Benchmark_PacketToBytesConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = ntpResponse.Bytes()
	}
}

func Benchmark_BytesToPacketConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = BytesToPacket(ntpResponseBytes)
	}
}

func Benchmark_ServerWithoutKernelTimestamps(b *testing.B) {
	// Server
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("localhost"), Port: 0})
	require.Nil(b, err)
	defer conn.Close()

	// Client
	addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	require.Nil(b, err)
	cconn, err := net.DialUDP("udp", nil, addr)
	require.Nil(b, err)
	defer cconn.Close()

	for i := 0; i < b.N; i++ {
		_, _ = cconn.Write(ntpRequestBytes)
		_, _, _ = ReadNTPPacket(conn)
	}
}
