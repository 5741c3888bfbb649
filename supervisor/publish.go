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
	"fmt"

	"github.com/pascal-fb-martin/houseclock/gpsclock"
	"github.com/pascal-fb-martin/houseclock/gpsnmea"
	"github.com/pascal-fb-martin/houseclock/ntpd"
	"github.com/pascal-fb-martin/houseclock/shmrecord"
	"github.com/pascal-fb-martin/houseclock/shmstore"
)

// publisher owns the typed table handles SharedStore exposes to the Status
// process and converts each tick's live state into their fixed-layout
// record types.
type publisher struct {
	discipline *gpsclock.Discipline

	gps      *shmstore.TableHandle[shmrecord.GpsRecord]
	clock    *shmstore.TableHandle[shmrecord.ClockRecord]
	status   *shmstore.TableHandle[shmrecord.NtpStatusRecord]
	pool     *shmstore.TableHandle[shmrecord.NtpPoolRecord]
	clients  *shmstore.TableHandle[shmrecord.NtpClientRecord]
	traffic  *shmstore.TableHandle[shmrecord.NtpTrafficRecord]
	nmeaLog  *shmstore.TableHandle[shmrecord.NmeaLogRecord]
	nmeaInfo *shmstore.TableHandle[shmrecord.NmeaInfoRecord]
}

func newPublisher(arena *shmstore.Arena, discipline *gpsclock.Discipline) (*publisher, error) {
	p := &publisher{discipline: discipline}
	var err error
	if p.gps, err = shmstore.CreateTable[shmrecord.GpsRecord](arena, shmrecord.TableGps, 1); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableGps, err)
	}
	if p.clock, err = shmstore.CreateTable[shmrecord.ClockRecord](arena, shmrecord.TableClock, 1); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableClock, err)
	}
	if p.status, err = shmstore.CreateTable[shmrecord.NtpStatusRecord](arena, shmrecord.TableNtpStatus, 1); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNtpStatus, err)
	}
	if p.pool, err = shmstore.CreateTable[shmrecord.NtpPoolRecord](arena, shmrecord.TableNtpPool, shmrecord.PoolSlots); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNtpPool, err)
	}
	if p.clients, err = shmstore.CreateTable[shmrecord.NtpClientRecord](arena, shmrecord.TableNtpClients, shmrecord.ClientSlots); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNtpClients, err)
	}
	if p.traffic, err = shmstore.CreateTable[shmrecord.NtpTrafficRecord](arena, shmrecord.TableNtpTraffic, shmrecord.TrafficSlots); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNtpTraffic, err)
	}
	if p.nmeaLog, err = shmstore.CreateTable[shmrecord.NmeaLogRecord](arena, shmrecord.TableNmeaLog, shmrecord.NmeaLogSlots); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNmeaLog, err)
	}
	if p.nmeaInfo, err = shmstore.CreateTable[shmrecord.NmeaInfoRecord](arena, shmrecord.TableNmeaInfo, shmrecord.NmeaInfoSlots); err != nil {
		return nil, fmt.Errorf("supervisor: creating %s table: %w", shmrecord.TableNmeaInfo, err)
	}
	return p, nil
}

// publish writes one snapshot of every table. Errors are not expected once
// the tables exist (index is always in range for fixed ring sizes) and are
// ignored rather than plumbed through a housekeeping path that has nowhere
// useful to report them.
func (p *publisher) publish(decoder *gpsnmea.Decoder, engine *ntpd.Engine) {
	p.publishGps(decoder.State())
	p.publishClock(p.discipline.Status())
	p.publishNtpStatus(engine)
	p.publishPool(engine.Pool())
	p.publishClients(engine.Clients())
	p.publishTraffic(engine.Traffic())
	p.publishNmeaLog(decoder.Sentences())
	p.publishNmeaInfo(decoder.InfoLines())
}

func (p *publisher) publishGps(s gpsnmea.GpsState) {
	var r shmrecord.GpsRecord
	if s.Fix {
		r.Fix = 1
	}
	r.NS, r.EW = s.NS, s.EW
	shmrecord.PutString(r.Date[:], s.Date)
	shmrecord.PutString(r.Time[:], s.Time)
	shmrecord.PutString(r.Lat[:], s.Lat)
	shmrecord.PutString(r.Lon[:], s.Lon)
	shmrecord.PutString(r.Device[:], s.Device)
	if !s.FixAcquired.IsZero() {
		r.FixAcquiredUnixNano = s.FixAcquired.UnixNano()
	}
	_ = p.gps.Set(0, r)
}

func (p *publisher) publishClock(s gpsclock.Status) {
	var r shmrecord.ClockRecord
	if s.Synchronized {
		r.Synchronized = 1
	}
	r.State = uint8(s.State)
	r.PrecisionMs = s.PrecisionMs
	if !s.Reference.IsZero() {
		r.ReferenceUnixNano = s.Reference.UnixNano()
	}
	r.DriftMs = s.DriftMs
	r.AvgDriftMs = s.AvgDriftMs
	r.LearningCount = int32(s.LearningCount)
	r.SamplingSeconds = s.Sampling
	_ = p.clock.Set(0, r)
}

func (p *publisher) publishNtpStatus(engine *ntpd.Engine) {
	r := shmrecord.NtpStatusRecord{
		Mode:        engine.Mode(),
		SourceIndex: int32(engine.SourceIndex()),
		Stratum:     int32(engine.Stratum()),
	}
	_ = p.status.Set(0, r)
}

func (p *publisher) publishPool(slots [ntpd.PoolSize]ntpd.NtpServerSlot) {
	for i, s := range slots {
		var r shmrecord.NtpPoolRecord
		shmrecord.PutString(r.Addr[:], s.Addr)
		shmrecord.PutString(r.Name[:], s.Name)
		r.Stratum = s.Stratum
		if s.Logged {
			r.Logged = 1
		}
		if !s.LastReceive.IsZero() {
			r.LastReceiveUnixNano = s.LastReceive.UnixNano()
		}
		if !s.PeerTransmit.IsZero() {
			r.PeerTransmitUnixNano = s.PeerTransmit.UnixNano()
		}
		_ = p.pool.Set(i, r)
	}
}

func (p *publisher) publishClients(slots [ntpd.ClientRingSize]ntpd.NtpClientSlot) {
	for i, s := range slots {
		var r shmrecord.NtpClientRecord
		shmrecord.PutString(r.Addr[:], s.Addr)
		if s.Logged {
			r.Logged = 1
		}
		if !s.PeerTransmit.IsZero() {
			r.PeerTransmitUnixNano = s.PeerTransmit.UnixNano()
		}
		if !s.LocalReceive.IsZero() {
			r.LocalReceiveUnixNano = s.LocalReceive.UnixNano()
		}
		_ = p.clients.Set(i, r)
	}
}

func (p *publisher) publishTraffic(buckets [ntpd.TrafficBucketCount]ntpd.NtpTraffic) {
	for i, b := range buckets {
		r := shmrecord.NtpTrafficRecord{
			Received:       b.Received,
			ClientReplies:  b.ClientReplies,
			BroadcastsSent: b.BroadcastsSent,
			BucketStart:    b.BucketStart,
		}
		_ = p.traffic.Set(i, r)
	}
}

func (p *publisher) publishNmeaLog(sentences []gpsnmea.NmeaSentence) {
	for i := 0; i < shmrecord.NmeaLogSlots; i++ {
		var r shmrecord.NmeaLogRecord
		if i < len(sentences) {
			s := sentences[i]
			shmrecord.PutString(r.Raw[:], s.Raw)
			r.Flags = s.Flags
			if !s.Captured.IsZero() {
				r.CapturedUnixNano = s.Captured.UnixNano()
			}
		}
		_ = p.nmeaLog.Set(i, r)
	}
}

func (p *publisher) publishNmeaInfo(lines []string) {
	for i := 0; i < shmrecord.NmeaInfoSlots; i++ {
		var r shmrecord.NmeaInfoRecord
		if i < len(lines) {
			shmrecord.PutString(r.Text[:], lines[i])
		}
		_ = p.nmeaInfo.Set(i, r)
	}
}
