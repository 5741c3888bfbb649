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

package serial

import (
	"errors"
	"testing"

	gobugst "go.bug.st/serial"

	"github.com/stretchr/testify/require"
)

func TestResolveBaud(t *testing.T) {
	require.Equal(t, 9600, resolveBaud(9600))
	require.Equal(t, 115200, resolveBaud(115200))
	require.Equal(t, fallbackBaud, resolveBaud(31250)) // not in the standard table
}

func TestListenBackoffLimitsRetries(t *testing.T) {
	calls := 0
	defer func() { openFunc = gobugst.Open }()
	openFunc = func(device string, mode *gobugst.Mode) (gobugst.Port, error) {
		calls++
		return nil, errors.New("no such device")
	}

	l := New("/dev/ttyFAKE", 9600)
	require.Error(t, l.Listen())
	require.Error(t, l.Listen()) // within backoff window, must not retry yet
	require.Equal(t, 1, calls)
	require.False(t, l.Ready())
}

func TestReadBeforeOpenReturnsErrNotOpen(t *testing.T) {
	l := New("/dev/ttyFAKE", 0)
	buf := make([]byte, 16)
	_, err := l.Read(buf)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New("/dev/ttyFAKE", 0)
	l.Close()
	l.Close()
	require.False(t, l.Ready())
}
