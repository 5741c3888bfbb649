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
Package statsview implements the Status process's half of the split
described in spec.md §5: a read-only, unlocked reader over the SharedStore
arena the Time process publishes to. It never writes through a table
handle, tolerates torn reads (every field it surfaces is re-read on the
next poll), and renders a snapshot as JSON over HTTP, the in-scope minimal
stand-in for the out-of-scope HTTP/JSON status surface spec.md §1 treats as
a separate low-priority collaborator.
*/
package statsview

import (
	"time"

	"github.com/pascal-fb-martin/houseclock/shmrecord"
	"github.com/pascal-fb-martin/houseclock/shmstore"
)

// Reader holds typed, read-only handles onto every table the Time process
// publishes. Opening fails if a table is missing or its record size
// doesn't match the shmrecord type this process was built against, which
// is the closest thing to the schema-versioning check spec.md §9 asks for
// given the arena's "schema fixed at compile time" design.
type Reader struct {
	arena *shmstore.Arena

	gps      *shmstore.TableHandle[shmrecord.GpsRecord]
	clock    *shmstore.TableHandle[shmrecord.ClockRecord]
	status   *shmstore.TableHandle[shmrecord.NtpStatusRecord]
	pool     *shmstore.TableHandle[shmrecord.NtpPoolRecord]
	clients  *shmstore.TableHandle[shmrecord.NtpClientRecord]
	traffic  *shmstore.TableHandle[shmrecord.NtpTrafficRecord]
	nmeaLog  *shmstore.TableHandle[shmrecord.NmeaLogRecord]
	nmeaInfo *shmstore.TableHandle[shmrecord.NmeaInfoRecord]
}

// Open attaches read-only to the Time process's arena and resolves every
// table handle. dbMiB must match the Time process's -db setting: the arena
// size isn't itself published anywhere (by the time this side could read
// it, it would need the very table it's trying to find).
func Open(dbMiB int) (*Reader, error) {
	arena, err := shmstore.Open(dbMiB * 1024 * 1024)
	if err != nil {
		return nil, err
	}
	return OpenWithArena(arena)
}

// OpenWithArena builds a Reader over an already-attached arena, letting
// tests supply one keyed away from the production ShmKey.
func OpenWithArena(arena *shmstore.Arena) (*Reader, error) {
	r := &Reader{arena: arena}
	var err error
	if r.gps, err = shmstore.OpenTable[shmrecord.GpsRecord](arena, shmrecord.TableGps); err != nil {
		return nil, err
	}
	if r.clock, err = shmstore.OpenTable[shmrecord.ClockRecord](arena, shmrecord.TableClock); err != nil {
		return nil, err
	}
	if r.status, err = shmstore.OpenTable[shmrecord.NtpStatusRecord](arena, shmrecord.TableNtpStatus); err != nil {
		return nil, err
	}
	if r.pool, err = shmstore.OpenTable[shmrecord.NtpPoolRecord](arena, shmrecord.TableNtpPool); err != nil {
		return nil, err
	}
	if r.clients, err = shmstore.OpenTable[shmrecord.NtpClientRecord](arena, shmrecord.TableNtpClients); err != nil {
		return nil, err
	}
	if r.traffic, err = shmstore.OpenTable[shmrecord.NtpTrafficRecord](arena, shmrecord.TableNtpTraffic); err != nil {
		return nil, err
	}
	if r.nmeaLog, err = shmstore.OpenTable[shmrecord.NmeaLogRecord](arena, shmrecord.TableNmeaLog); err != nil {
		return nil, err
	}
	if r.nmeaInfo, err = shmstore.OpenTable[shmrecord.NmeaInfoRecord](arena, shmrecord.TableNmeaInfo); err != nil {
		return nil, err
	}
	return r, nil
}

// Gps is the rendered view of the gps table's single record.
type Gps struct {
	Fix         bool      `json:"fix"`
	Date        string    `json:"date,omitempty"`
	Time        string    `json:"time,omitempty"`
	Lat         string    `json:"lat,omitempty"`
	Lon         string    `json:"lon,omitempty"`
	NS          string    `json:"ns,omitempty"`
	EW          string    `json:"ew,omitempty"`
	Device      string    `json:"device"`
	FixAcquired time.Time `json:"fixacquired"`
}

// Clock is the rendered view of the clock table's single record.
type Clock struct {
	Synchronized  bool      `json:"synchronized"`
	State         string    `json:"state"`
	PrecisionMs   int64     `json:"precisionms"`
	Reference     time.Time `json:"reference"`
	DriftMs       int64     `json:"driftms"`
	AvgDriftMs    int64     `json:"avgdriftms"`
	LearningCount int32     `json:"learningcount"`
	Sampling      float64   `json:"samplingseconds"`
}

// NtpStatus is the rendered view of the ntp_status table's single record.
type NtpStatus struct {
	Mode        string `json:"mode"`
	SourceIndex int32  `json:"sourceindex"`
	Stratum     int32  `json:"stratum"`
}

// NtpPool is one rendered ntp_pool slot; empty slots are omitted by Snapshot.
type NtpPool struct {
	Addr         string    `json:"addr"`
	Name         string    `json:"name"`
	Stratum      uint8     `json:"stratum"`
	Logged       bool      `json:"logged"`
	LastReceive  time.Time `json:"lastreceive"`
	PeerTransmit time.Time `json:"peertransmit"`
}

// NtpClient is one rendered ntp_clients slot; empty slots are omitted.
type NtpClient struct {
	Addr         string    `json:"addr"`
	Logged       bool      `json:"logged"`
	PeerTransmit time.Time `json:"peertransmit"`
	LocalReceive time.Time `json:"localreceive"`
}

// NtpTraffic is one rendered ntp_traffic bucket; empty buckets are omitted.
type NtpTraffic struct {
	Received       uint32    `json:"received"`
	ClientReplies  uint32    `json:"clientreplies"`
	BroadcastsSent uint32    `json:"broadcastssent"`
	BucketStart    time.Time `json:"bucketstart"`
}

// NmeaLine is one rendered nmea_log slot; empty slots are omitted.
type NmeaLine struct {
	Raw      string    `json:"raw"`
	NewFix   bool      `json:"newfix"`
	NewBurst bool      `json:"newburst"`
	Captured time.Time `json:"captured"`
}

// Snapshot is one point-in-time rendering of the entire arena, the unit
// statsview's HTTP handler serializes to JSON on every request.
type Snapshot struct {
	Gps       Gps          `json:"gps"`
	Clock     Clock        `json:"clock"`
	Ntp       NtpStatus    `json:"ntp"`
	Pool      []NtpPool    `json:"pool"`
	Clients   []NtpClient  `json:"clients"`
	Traffic   []NtpTraffic `json:"traffic"`
	NmeaLog   []NmeaLine   `json:"nmealog"`
	NmeaInfo  []string     `json:"nmeainfo"`
}

func unixNanoOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func stateName(state uint8) string {
	switch state {
	case 1:
		return "JUMP"
	case 2:
		return "LOCKED"
	default:
		return "INIT"
	}
}

// Snapshot reads every table once and returns a rendered, self-contained
// snapshot. Each field is read independently (no cross-field locking is
// possible or needed, per spec.md §5's torn-read tolerance), so the result
// may mix state from two adjacent Time-process ticks; every consumer
// refreshes on its own next poll, which is the contract that makes this
// acceptable.
func (r *Reader) Snapshot() (Snapshot, error) {
	var snap Snapshot

	gps, err := r.gps.Get(0)
	if err != nil {
		return snap, err
	}
	snap.Gps = Gps{
		Fix:         gps.Fix != 0,
		Date:        shmrecord.GetString(gps.Date[:]),
		Time:        shmrecord.GetString(gps.Time[:]),
		Lat:         shmrecord.GetString(gps.Lat[:]),
		Lon:         shmrecord.GetString(gps.Lon[:]),
		NS:          string(rune(gps.NS)),
		EW:          string(rune(gps.EW)),
		Device:      shmrecord.GetString(gps.Device[:]),
		FixAcquired: unixNanoOrZero(gps.FixAcquiredUnixNano),
	}
	if gps.NS == 0 {
		snap.Gps.NS = ""
	}
	if gps.EW == 0 {
		snap.Gps.EW = ""
	}

	clk, err := r.clock.Get(0)
	if err != nil {
		return snap, err
	}
	snap.Clock = Clock{
		Synchronized:  clk.Synchronized != 0,
		State:         stateName(clk.State),
		PrecisionMs:   clk.PrecisionMs,
		Reference:     unixNanoOrZero(clk.ReferenceUnixNano),
		DriftMs:       clk.DriftMs,
		AvgDriftMs:    clk.AvgDriftMs,
		LearningCount: clk.LearningCount,
		Sampling:      clk.SamplingSeconds,
	}

	status, err := r.status.Get(0)
	if err != nil {
		return snap, err
	}
	snap.Ntp = NtpStatus{
		Mode:        string(rune(status.Mode)),
		SourceIndex: status.SourceIndex,
		Stratum:     status.Stratum,
	}

	for i := 0; i < r.pool.Count(); i++ {
		p, err := r.pool.Get(i)
		if err != nil {
			return snap, err
		}
		if p.LastReceiveUnixNano == 0 {
			continue
		}
		snap.Pool = append(snap.Pool, NtpPool{
			Addr:         shmrecord.GetString(p.Addr[:]),
			Name:         shmrecord.GetString(p.Name[:]),
			Stratum:      p.Stratum,
			Logged:       p.Logged != 0,
			LastReceive:  unixNanoOrZero(p.LastReceiveUnixNano),
			PeerTransmit: unixNanoOrZero(p.PeerTransmitUnixNano),
		})
	}

	for i := 0; i < r.clients.Count(); i++ {
		c, err := r.clients.Get(i)
		if err != nil {
			return snap, err
		}
		if c.LocalReceiveUnixNano == 0 {
			continue
		}
		snap.Clients = append(snap.Clients, NtpClient{
			Addr:         shmrecord.GetString(c.Addr[:]),
			Logged:       c.Logged != 0,
			PeerTransmit: unixNanoOrZero(c.PeerTransmitUnixNano),
			LocalReceive: unixNanoOrZero(c.LocalReceiveUnixNano),
		})
	}

	for i := 0; i < r.traffic.Count(); i++ {
		t, err := r.traffic.Get(i)
		if err != nil {
			return snap, err
		}
		if t.BucketStart == 0 {
			continue
		}
		snap.Traffic = append(snap.Traffic, NtpTraffic{
			Received:       t.Received,
			ClientReplies:  t.ClientReplies,
			BroadcastsSent: t.BroadcastsSent,
			BucketStart:    time.Unix(t.BucketStart, 0).UTC(),
		})
	}

	for i := 0; i < r.nmeaLog.Count(); i++ {
		n, err := r.nmeaLog.Get(i)
		if err != nil {
			return snap, err
		}
		if n.CapturedUnixNano == 0 {
			continue
		}
		snap.NmeaLog = append(snap.NmeaLog, NmeaLine{
			Raw:      shmrecord.GetString(n.Raw[:]),
			NewFix:   n.Flags&0x1 != 0,
			NewBurst: n.Flags&0x2 != 0,
			Captured: unixNanoOrZero(n.CapturedUnixNano),
		})
	}

	for i := 0; i < r.nmeaInfo.Count(); i++ {
		n, err := r.nmeaInfo.Get(i)
		if err != nil {
			return snap, err
		}
		text := shmrecord.GetString(n.Text[:])
		if text == "" {
			continue
		}
		snap.NmeaInfo = append(snap.NmeaInfo, text)
	}

	return snap, nil
}
