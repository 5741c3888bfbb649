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
	"bytes"
	"encoding/binary"
	"net"
	"time"
)

// PacketSizeBytes sets the size of NTP packet
const PacketSizeBytes = 48

// Packet is an NTPv4 packet
/*
http://seriot.ch/ntp.php
https://tools.ietf.org/html/rfc958
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
4 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Delay                            |
8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Dispersion                       |
12+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Reference ID                         |
16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                     Reference Timestamp (64)                  +
  |                                                               |
24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Origin Timestamp (64)                    +
  |                                                               |
32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Receive Timestamp (64)                   +
  |                                                               |
40+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Transmit Timestamp (64)                  +
  |                                                               |
48+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

 0 1 2 3 4 5 6 7
+-+-+-+-+-+-+-+-+
|LI | VN  |Mode |
+-+-+-+-+-+-+-+-+
 0 0 0 1 1 0 1 1

Setting = LI | VN | Mode. Client request example:
00 011 011 (or 0x1B)
|  |   +-- client mode (3)
|  + ----- version (3)
+ -------- leap indicator, 0 no warning
*/
type Packet struct {
	Settings       uint8  // leap indicator, version number and mode
	Stratum        uint8  // stratum
	Poll           int8   // poll. Power of 2
	Precision      int8   // precision. Power of 2
	RootDelay      uint32 // total delay to the reference clock, 16.16 fixed point seconds
	RootDispersion uint32 // total dispersion to the reference clock, 16.16 fixed point seconds
	ReferenceID    uint32 // identifier of server or a reference clock
	RefTimeSec     uint32 // last time local clock was updated sec
	RefTimeFrac    uint32 // last time local clock was updated frac
	OrigTimeSec    uint32 // client time sec
	OrigTimeFrac   uint32 // client time frac
	RxTimeSec      uint32 // receive time sec
	RxTimeFrac     uint32 // receive time frac
	TxTimeSec      uint32 // transmit time sec
	TxTimeFrac     uint32 // transmit time frac
}

// Leap indicator values.
const (
	LeapNone      uint8 = 0
	LeapAddSecond uint8 = 1
	LeapDelSecond uint8 = 2
	LeapNotInSync uint8 = 3
)

// Mode values this engine issues or accepts. Symmetric modes (1, 2) and
// private mode (7) are never generated and rejected on receipt.
const (
	ModeClient    uint8 = 3
	ModeServer    uint8 = 4
	ModeBroadcast uint8 = 5
	ModeControl   uint8 = 6
)

const (
	vnFirst = 1
	vnLast  = 4
)

// NewSettings packs a leap indicator, version and mode into the wire's first
// byte.
func NewSettings(li, vn, mode uint8) uint8 {
	return li<<6 | (vn&0x07)<<3 | (mode & 0x07)
}

// LeapIndicator extracts LI from the settings byte.
func (p *Packet) LeapIndicator() uint8 {
	return p.Settings >> 6
}

// Version extracts VN from the settings byte.
func (p *Packet) Version() uint8 {
	return (p.Settings >> 3) & 0x07
}

// Mode extracts the mode field from the settings byte.
func (p *Packet) Mode() uint8 {
	return p.Settings & 0x07
}

// SetSettings packs a leap indicator, version and mode into the settings byte.
func (p *Packet) SetSettings(li, vn, mode uint8) {
	p.Settings = NewSettings(li, vn, mode)
}

// ValidSettingsFormat verifies that the LI | VN | Mode byte is one this
// engine is willing to process: LI must be 0..3, VN must be 1..4, and mode
// must be one of client, server, broadcast or control.
func (p *Packet) ValidSettingsFormat() bool {
	v := p.Version()
	if v < vnFirst || v > vnLast {
		return false
	}
	switch p.Mode() {
	case ModeClient, ModeServer, ModeBroadcast, ModeControl:
		return true
	default:
		return false
	}
}

// EncodeRefIDString packs up to 4 ASCII characters (e.g. "GPS\x00") into a
// reference ID, used when Stratum == 1.
func EncodeRefIDString(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return binary.BigEndian.Uint32(b[:])
}

// DecodeRefIDString unpacks a stratum-1 reference ID back into its ASCII
// identifier, trimming trailing NUL padding.
func DecodeRefIDString(refid uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], refid)
	return string(bytes.TrimRight(b[:], "\x00"))
}

// EncodeRefIDIP packs an IPv4 address into a reference ID, used when
// Stratum > 1 to identify the upstream time source.
func EncodeRefIDIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

// DecodeRefIDIP unpacks a reference ID into its IPv4 address.
func DecodeRefIDIP(refid uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, refid)
	return net.IP(b)
}

// EncodeShortFormat packs a duration into the 16.16 fixed-point "short
// format" seconds value NTP uses for RootDelay and RootDispersion: whole
// seconds in the high 16 bits, and the sub-second remainder, computed in
// milliseconds and rescaled to 16 bits, in the low 16 bits.
func EncodeShortFormat(d time.Duration) uint32 {
	if d < 0 {
		d = 0
	}
	secs := uint32(d / time.Second)
	remainderMs := float64(d%time.Second) / float64(time.Millisecond)
	frac := uint32(remainderMs / 1000.0 * 65536.0)
	return secs<<16 | (frac & 0xFFFF)
}

// DecodeShortFormat is the inverse of EncodeShortFormat.
func DecodeShortFormat(v uint32) time.Duration {
	secs := time.Duration(v>>16) * time.Second
	frac := float64(v&0xFFFF) / 65536.0
	return secs + time.Duration(frac*float64(time.Second))
}

// EncodeDispersion is EncodeShortFormat under the name used by the root
// dispersion field, per the fixed-point encoding decided for RootDispersion.
func EncodeDispersion(d time.Duration) uint32 { return EncodeShortFormat(d) }

// DecodeDispersion is the inverse of EncodeDispersion.
func DecodeDispersion(v uint32) time.Duration { return DecodeShortFormat(v) }

// Bytes converts Packet to []bytes
func (p *Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.BigEndian, p)
	return buf.Bytes(), err
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	return p.Bytes()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(data []byte) error {
	packet, err := BytesToPacket(data)
	if err != nil {
		return err
	}
	*p = *packet
	return nil
}

// BytesToPacket converts []bytes to Packet
func BytesToPacket(ntpPacketBytes []byte) (*Packet, error) {
	packet := &Packet{}
	reader := bytes.NewReader(ntpPacketBytes)
	err := binary.Read(reader, binary.BigEndian, packet)
	return packet, err
}

// ReadNTPPacket reads one incoming NTP packet off conn. The local receive
// instant is the caller's responsibility to record (typically straight off
// the multiplexer's wakeup, per the single-writer event loop), not pulled
// from a kernel control-message timestamp.
func ReadNTPPacket(conn *net.UDPConn) (ntp *Packet, remAddr net.Addr, err error) {
	buf := make([]byte, PacketSizeBytes)
	_, remAddr, err = conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	ntp, err = BytesToPacket(buf)

	return ntp, remAddr, err
}
