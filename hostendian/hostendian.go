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
Package hostendian detects the native byte order of the machine this
process runs on.

shmstore lays out its arena as raw host-endian bytes (the Status process
reads it with an ordinary memory-mapped pointer cast, not a wire decoder),
so the writer and reader both need to agree on Order without relying on
the build target alone to tell them.
*/
package hostendian

import (
	"encoding/binary"
	"unsafe"
)

// Order of the bytes
var Order binary.ByteOrder = binary.LittleEndian

// IsBigEndian is a flag determining if value is in Big Endian
var IsBigEndian bool

func init() {
	var i uint16 = 0x0100
	ptr := unsafe.Pointer(&i)
	if *(*byte)(ptr) == 0x01 {
		// we are on the big endian machine
		IsBigEndian = true
		Order = binary.BigEndian
	}
}
