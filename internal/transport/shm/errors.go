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
	"errors"
)

var (
	// ErrNotReady is returned while the readiness handshake is incomplete.
	ErrNotReady = errors.New("shm: channel not ready")

	// ErrFull is returned when a frame does not fit in the free space of a
	// ring or when every slot of a queue is occupied.
	ErrFull = errors.New("shm: queue full")

	// ErrQueueFull is the mailbox name for ErrFull.
	ErrQueueFull = ErrFull

	// ErrEmpty means there is nothing to read. It is the normal idle result.
	ErrEmpty = errors.New("shm: no data")

	// ErrInvalidHeader is returned when a frame header carries the wrong
	// magic or an impossible length. The stream is desynchronized.
	ErrInvalidHeader = errors.New("shm: invalid frame header")

	// ErrMessageTooLarge is returned when a frame is larger than the
	// receive buffer. The frame has been discarded.
	ErrMessageTooLarge = errors.New("shm: message too large")

	ErrBadLength   = errors.New("shm: bad length")
	ErrBadIndex    = errors.New("shm: ring index out of range")
	ErrOutOfBounds = errors.New("shm: access outside region")
	ErrUnsupported = errors.New("shm: not supported on this platform")
)

// Reason returns a short label for err, for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrFull):
		return "full"
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ErrBadLength):
		return "bad_length"
	case errors.Is(err, ErrBadIndex):
		return "bad_index"
	default:
		return "other"
	}
}
