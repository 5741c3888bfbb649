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

import "time"

const (
	// TrafficBucketCount is the number of 10-second accounting buckets kept.
	TrafficBucketCount = 128
	trafficBucketWidth = 10 // seconds
	// ClientRingSize is the number of rolling mode-3 client entries kept.
	ClientRingSize = 128
)

// NtpTraffic is one 10-second accounting bucket.
type NtpTraffic struct {
	Received       uint32
	ClientReplies  uint32
	BroadcastsSent uint32
	BucketStart    int64
}

// NtpClientSlot is one entry in the rolling log of mode-3 clients.
type NtpClientSlot struct {
	Addr         string
	PeerTransmit time.Time
	LocalReceive time.Time
	Logged       bool
}

// trafficAccounting owns the live counters and the 128-bucket history ring.
type trafficAccounting struct {
	buckets [TrafficBucketCount]NtpTraffic

	liveBucket int64
	received   uint32
	replies    uint32
	broadcasts uint32

	clients    [ClientRingSize]NtpClientSlot
	clientNext int
}

func newTrafficAccounting() *trafficAccounting {
	return &trafficAccounting{liveBucket: -1}
}

func bucketIndex(now time.Time) int64 {
	return now.Unix() / trafficBucketWidth
}

// rollover is called once per wall second; it copies the live counters into
// their bucket and resets them whenever the bucket changes.
func (t *trafficAccounting) rollover(now time.Time) {
	b := bucketIndex(now)
	if t.liveBucket < 0 {
		t.liveBucket = b
		return
	}
	if b == t.liveBucket {
		return
	}
	idx := t.liveBucket % TrafficBucketCount
	t.buckets[idx] = NtpTraffic{
		Received:       t.received,
		ClientReplies:  t.replies,
		BroadcastsSent: t.broadcasts,
		BucketStart:    t.liveBucket * trafficBucketWidth,
	}
	t.received, t.replies, t.broadcasts = 0, 0, 0
	t.liveBucket = b
}

func (t *trafficAccounting) recordReceived()  { t.received++ }
func (t *trafficAccounting) recordReply()     { t.replies++ }
func (t *trafficAccounting) recordBroadcast() { t.broadcasts++ }

// recordClient appends an entry to the 128-slot client ring.
func (t *trafficAccounting) recordClient(addr string, peerTransmit, localReceive time.Time) {
	t.clients[t.clientNext] = NtpClientSlot{
		Addr:         addr,
		PeerTransmit: peerTransmit,
		LocalReceive: localReceive,
		Logged:       false,
	}
	t.clientNext = (t.clientNext + 1) % ClientRingSize
}

// Buckets returns a snapshot of the 128-bucket traffic history.
func (t *trafficAccounting) Buckets() [TrafficBucketCount]NtpTraffic { return t.buckets }

// Clients returns a snapshot of the client ring.
func (t *trafficAccounting) Clients() [ClientRingSize]NtpClientSlot { return t.clients }
