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
Package protocol implements the NTPv4 wire header and the handful of
timestamp/offset conversions the engine needs: a transparent translation
between 48 bytes on the wire and a struct that is simple to work with.
*/
package protocol

import "time"

// NanosecondsToUnix is the difference between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01), expressed in nanoseconds.
const NanosecondsToUnix = int64(2208988800000000000)

// Time converts a time.Time to NTP seconds-since-1900 plus a 32-bit
// fractional part.
func Time(t time.Time) (seconds uint32, fraction uint32) {
	nsec := t.UnixNano() + NanosecondsToUnix
	sec := nsec / time.Second.Nanoseconds()
	return uint32(sec), uint32((nsec - sec*time.Second.Nanoseconds()) << 32 / time.Second.Nanoseconds())
}

// Unix converts NTP seconds-since-1900 plus fraction back into a time.Time.
func Unix(seconds, fraction uint32) time.Time {
	secs := int64(seconds) - NanosecondsToUnix/time.Second.Nanoseconds()
	nanos := (int64(fraction) * time.Second.Nanoseconds()) >> 32
	return time.Unix(secs, nanos)
}

// abs returns the absolute value of x.
func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// AvgNetworkDelay uses the formula from RFC 958 to estimate the average
// one-way network delay across one full client/server timestamp exchange.
func AvgNetworkDelay(clientTransmit, serverReceive, serverTransmit, clientReceive time.Time) time.Duration {
	forward := serverReceive.Sub(clientTransmit)
	back := clientReceive.Sub(serverTransmit)
	return time.Duration(abs(int64(forward+back))) / 2
}

// CalculateOffset computes the classical NTP offset between a client and a
// server from the four timestamps of one request/response exchange:
//
//	offset = ((T2 - T1) + (T3 - T4)) / 2
//
// where T1 is the client's transmit time, T2 the server's receive time, T3
// the server's transmit time, and T4 the client's receive time.
func CalculateOffset(clientTransmit, serverReceive, serverTransmit, clientReceive time.Time) time.Duration {
	return (serverReceive.Sub(clientTransmit) + serverTransmit.Sub(clientReceive)) / 2
}
