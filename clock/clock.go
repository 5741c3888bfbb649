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
Package clock wraps the two syscalls ClockDiscipline uses to mutate wall
time: a hard set (settimeofday) and a gradual slew (clock_adjtime with
ADJ_OFFSET). Nothing outside this package and gpsclock is allowed to touch
wall time, per the concurrency model's single-writer rule.
*/
package clock

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// clock_adjtime modes, from linux/timex.h. Only the ones this package issues.
const (
	adjOffset    uint32 = 0x0001 // gradual PLL time offset
	adjSetOffset uint32 = 0x0100 // add 'time' to current time immediately
	adjNano      uint32 = 0x2000 // offset/time fields carry nanoseconds, not microseconds
)

// Adjtime issues the CLOCK_ADJTIME syscall against the given clock ID.
// man(2) clock_adjtime.
func Adjtime(clockid int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockid), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

// Set hard-sets the wall clock to t. Used by ClockDiscipline on the first
// discipline call, or whenever observed drift is too large to slew.
func Set(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}

// Slew nudges the wall clock gradually by offset via the PLL (ADJ_OFFSET).
// A positive offset moves the clock forward. Used by ClockDiscipline once
// the learning accumulator has converged on a correction.
func Slew(offset time.Duration) error {
	tx := &unix.Timex{}
	tx.Modes = adjOffset | adjNano
	tx.Offset = int64(offset)
	state, err := Adjtime(unix.CLOCK_REALTIME, tx)
	if err != nil {
		return fmt.Errorf("clock_adjtime slew: %w", err)
	}
	if state == unix.TIME_ERROR {
		return fmt.Errorf("clock_adjtime reported TIME_ERROR after slew")
	}
	return nil
}

// Step applies offset to the wall clock as an immediate absolute correction
// (ADJ_SETOFFSET) rather than a gradually-applied one.
func Step(offset time.Duration) error {
	sign := time.Duration(1)
	if offset < 0 {
		sign = -1
		offset = -offset
	}
	tx := &unix.Timex{}
	tx.Modes = adjSetOffset | adjNano
	tx.Time.Sec = int64(sign) * int64(offset/time.Second)
	tx.Time.Usec = int64(sign) * int64(offset%time.Second)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += int64(time.Second)
	}
	_, err := Adjtime(unix.CLOCK_REALTIME, tx)
	return err
}
