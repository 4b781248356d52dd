/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"encoding/binary"
	"errors"
	"math"
)

// Frame header layout (4 bytes, little-endian), shared by mailbox streams
// and virtqueue slots:
//
//	uint16 length  // payload bytes that follow, > 0
//	uint16 magic   // FrameMagic
const FrameHeaderSize = 4

// FrameMagic marks the start of every frame.
const FrameMagic uint16 = 0xA55A

// MaxFrameLength is the largest payload a header can describe.
const MaxFrameLength = math.MaxUint16

// FrameHeader precedes every payload in a channel.
type FrameHeader struct {
	Length uint16
	Magic  uint16
}

// Valid reports whether h could have been written by a well-behaved peer.
func (h FrameHeader) Valid() bool {
	return h.Magic == FrameMagic && h.Length > 0
}

func encodeFrameHeaderTo(dst *[FrameHeaderSize]byte, fh FrameHeader) {
	binary.LittleEndian.PutUint16(dst[0:2], fh.Length)
	binary.LittleEndian.PutUint16(dst[2:4], fh.Magic)
}

func decodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, errors.New("frame header too short")
	}
	return FrameHeader{
		Length: binary.LittleEndian.Uint16(b[0:2]),
		Magic:  binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// newFrameHeader returns the header for a payload of n bytes.
func newFrameHeader(n int) [FrameHeaderSize]byte {
	var hdr [FrameHeaderSize]byte
	encodeFrameHeaderTo(&hdr, FrameHeader{Length: uint16(n), Magic: FrameMagic})
	return hdr
}
