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
Package serial opens the GPS device as a raw, non-blocking byte source:
8N1 framing, no controlling-terminal semantics, immediate-return reads, and
a 5-second reattachment backoff so an unplug/replug doesn't take the Time
process down with it.
*/
package serial

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// reattachBackoff is how long Listen waits between open attempts once one
// has failed.
const reattachBackoff = 5 * time.Second

// readTimeout is the poll period passed to SetReadTimeout so Read returns
// promptly with whatever bytes are available instead of blocking.
const readTimeout = 50 * time.Millisecond

// ErrNotOpen is returned by Read when Listen has not yet succeeded.
var ErrNotOpen = errors.New("serial: device not open")

// validBaudRates is the rate table Listen resolves a requested baud rate
// against; a rate outside this set falls back to 4800.
var validBaudRates = map[int]bool{
	0: true, 50: true, 75: true, 110: true, 134: true, 150: true, 200: true,
	300: true, 600: true, 1200: true, 1800: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	230400: true, 460800: true, 921600: true,
}

const fallbackBaud = 4800

// openFunc is serial.Open, indirected so tests can stub device access.
var openFunc = serial.Open

func resolveBaud(requested int) int {
	if validBaudRates[requested] {
		return requested
	}
	return fallbackBaud
}

// Link is a non-blocking handle onto a serial GPS device.
type Link struct {
	mu          sync.Mutex
	device      string
	baud        int
	port        serial.Port
	lastAttempt time.Time
}

// New returns a Link for device at baud (0 means "OS default", resolved to
// 4800 when the requested rate isn't one of the standard POSIX rates).
func New(device string, baud int) *Link {
	return &Link{device: device, baud: resolveBaud(baud)}
}

// Listen attempts to (re)open the device if it isn't already open,
// respecting the 5-second reattachment backoff after a failed attempt.
// It returns nil both when the device is already open and when the open
// attempt succeeds, and an error when the open fails or the backoff since
// the previous attempt has not yet elapsed; callers should follow with
// Ready() to check.
func (l *Link) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return nil
	}
	if !l.lastAttempt.IsZero() && time.Since(l.lastAttempt) < reattachBackoff {
		return errors.New("serial: reattach backoff in progress")
	}
	l.lastAttempt = time.Now()

	mode := &serial.Mode{
		BaudRate: l.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openFunc(l.device, mode)
	if err != nil {
		log.Debugf("serial: open %s failed, will retry in %s: %v", l.device, reattachBackoff, err)
		return err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return err
	}
	l.port = port
	log.Infof("serial: opened %s at %d baud", l.device, l.baud)
	return nil
}

// Ready reports whether the device is currently open.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Read returns whatever bytes are immediately available, 0..len(buf). A
// non-nil error means the device went away; the caller should expect the
// next Listen() to retry after the backoff.
func (l *Link) Read(buf []byte) (int, error) {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()

	if port == nil {
		return 0, ErrNotOpen
	}
	n, err := port.Read(buf)
	if err != nil {
		l.Close()
		return n, err
	}
	return n, nil
}

// Close closes the device, clearing Ready() until the next successful
// Listen().
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
}
