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
Package shmrecord defines the fixed-layout, pointer-free record types the
Time process publishes into shmstore tables and the Status process reads
back. Every field the live in-process types (gpsnmea.GpsState,
gpsclock.Status, ntpd's pool/traffic/client snapshots) carry as a Go string,
slice, or time.Time is flattened here into byte arrays and UnixNano
integers: a Go string header is a pointer into this process's heap, and the
whole point of the arena is that a second process maps the same physical
pages and reinterprets them directly via unsafe.Pointer, so nothing with a
pointer inside it may ever cross that boundary.
*/
package shmrecord

import "bytes"

// Table names, fixed at compile time per the arena's schema-never-changes
// contract.
const (
	TableGps        = "gps"
	TableClock      = "clock"
	TableNtpStatus  = "ntp_status"
	TableNtpPool    = "ntp_pool"
	TableNtpClients = "ntp_clients"
	TableNtpTraffic = "ntp_traffic"
	TableNmeaLog    = "nmea_log"
	TableNmeaInfo   = "nmea_info"
)

// Table record counts, matching the ring sizes in spec.md §3's data model.
const (
	PoolSlots    = 4
	ClientSlots  = 128
	TrafficSlots = 128
	NmeaLogSlots = 32
	NmeaInfoSlots = 16
)

// PutString copies s into dst, truncating if necessary, leaving any
// remaining bytes zeroed (NUL-padded, the C-string convention the arena's
// table-name packing already uses).
func PutString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// GetString trims the NUL padding PutString leaves behind.
func GetString(src []byte) string {
	return string(bytes.TrimRight(src, "\x00"))
}

// GpsRecord mirrors gpsnmea.GpsState.
type GpsRecord struct {
	Fix                 uint8
	NS                  uint8
	EW                  uint8
	_                   [5]byte
	Date                [8]byte
	Time                [8]byte
	Lat                 [16]byte
	Lon                 [16]byte
	Device              [32]byte
	FixAcquiredUnixNano int64
}

// ClockRecord mirrors gpsclock.Status.
type ClockRecord struct {
	Synchronized      uint8
	State             uint8
	_                 [6]byte
	PrecisionMs       int64
	ReferenceUnixNano int64
	DriftMs           int64
	AvgDriftMs        int64
	LearningCount     int32
	_                 [4]byte
	SamplingSeconds   float64
}

// NtpStatusRecord mirrors NtpEngine's headline mode/stratum/source fields.
type NtpStatusRecord struct {
	Mode        uint8
	_           [3]byte
	SourceIndex int32
	Stratum     int32
}

// NtpPoolRecord mirrors one ntpd.NtpServerSlot.
type NtpPoolRecord struct {
	Addr                 [24]byte
	Name                 [24]byte
	Stratum              uint8
	Logged               uint8
	_                    [6]byte
	LastReceiveUnixNano  int64
	PeerTransmitUnixNano int64
}

// NtpClientRecord mirrors one ntpd.NtpClientSlot.
type NtpClientRecord struct {
	Addr                 [24]byte
	Logged               uint8
	_                    [7]byte
	PeerTransmitUnixNano int64
	LocalReceiveUnixNano int64
}

// NtpTrafficRecord mirrors one ntpd.NtpTraffic bucket.
type NtpTrafficRecord struct {
	Received       uint32
	ClientReplies  uint32
	BroadcastsSent uint32
	_              [4]byte
	BucketStart    int64
}

// NmeaLogRecord mirrors one gpsnmea.NmeaSentence.
type NmeaLogRecord struct {
	Raw             [80]byte
	Flags           uint8
	_               [7]byte
	CapturedUnixNano int64
}

// NmeaInfoRecord mirrors one gpsnmea TXT line.
type NmeaInfoRecord struct {
	Text [80]byte
}
