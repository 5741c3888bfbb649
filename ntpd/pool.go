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
	"net"
	"time"
)

// PoolSize is the number of broadcasting peers tracked at once.
const PoolSize = 4

// NtpServerSlot is one known broadcasting peer.
type NtpServerSlot struct {
	Addr         string // wire address, host:port
	Name         string // host, port stripped
	Stratum      uint8
	LastReceive  time.Time
	PeerTransmit time.Time
	Logged       bool
}

func (s *NtpServerSlot) empty() bool { return s.LastReceive.IsZero() }

// pool is the 4-slot peer table plus the currently elected source.
type pool struct {
	slots  [PoolSize]NtpServerSlot
	source int // index into slots, -1 if none
}

func newPool() *pool {
	return &pool{source: -1}
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// accept applies one incoming mode-5 broadcast to the pool, following §4.4's
// peer pool and election steps, and returns whether the newcomer is now (or
// remains) the elected source.
func (p *pool) accept(addr string, stratum uint8, receivedAt, peerTransmit time.Time, broadcastPeriod time.Duration) bool {
	idx := p.locate(addr, stratum, receivedAt, broadcastPeriod)
	if idx < 0 {
		return false
	}

	p.slots[idx] = NtpServerSlot{
		Addr:         addr,
		Name:         stripPort(addr),
		Stratum:      stratum,
		LastReceive:  receivedAt,
		PeerTransmit: peerTransmit,
		Logged:       p.slots[idx].Logged,
	}

	p.elect(idx)
	return p.source == idx
}

// locate finds the slot this address belongs in: itself if already known,
// else an empty slot, else a stale slot (last-receive older than 3x the
// broadcast period), else the slot with the worst stratum strictly worse
// than the newcomer's. Returns -1 if none qualify.
func (p *pool) locate(addr string, stratum uint8, now time.Time, broadcastPeriod time.Duration) int {
	for i := range p.slots {
		if p.slots[i].Addr == addr {
			return i
		}
	}
	for i := range p.slots {
		if p.slots[i].empty() {
			return i
		}
	}
	staleCutoff := 3 * broadcastPeriod
	for i := range p.slots {
		if now.Sub(p.slots[i].LastReceive) > staleCutoff {
			return i
		}
	}
	worst := -1
	for i := range p.slots {
		if p.slots[i].Stratum > stratum {
			if worst < 0 || p.slots[i].Stratum > p.slots[worst].Stratum {
				worst = i
			}
		}
	}
	return worst
}

// elect re-runs source election after slot idx changed.
func (p *pool) elect(idx int) {
	if p.source < 0 {
		p.source = p.bestLive()
		return
	}
	if idx == p.source {
		return
	}
	if p.slots[idx].Stratum < p.slots[p.source].Stratum {
		p.source = idx
	}
}

// bestLive returns the live slot with the lowest stratum, or -1.
func (p *pool) bestLive() int {
	best := -1
	for i := range p.slots {
		if p.slots[i].empty() {
			continue
		}
		if best < 0 || p.slots[i].Stratum < p.slots[best].Stratum {
			best = i
		}
	}
	return best
}

// reclaim evicts any slot stale beyond 3x the broadcast period, re-running
// election if the elected source was reclaimed.
func (p *pool) reclaim(now time.Time, broadcastPeriod time.Duration) {
	staleCutoff := 3 * broadcastPeriod
	reclaimedSource := false
	for i := range p.slots {
		if p.slots[i].empty() {
			continue
		}
		if now.Sub(p.slots[i].LastReceive) > staleCutoff {
			if i == p.source {
				reclaimedSource = true
			}
			p.slots[i] = NtpServerSlot{}
		}
	}
	if reclaimedSource {
		p.source = p.bestLive()
	}
}

// Source returns the elected slot and whether one is currently elected.
func (p *pool) Source() (NtpServerSlot, bool) {
	if p.source < 0 {
		return NtpServerSlot{}, false
	}
	return p.slots[p.source], true
}

// Slots returns a snapshot of all four slots.
func (p *pool) Slots() [PoolSize]NtpServerSlot { return p.slots }
