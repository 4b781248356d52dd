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

package dispatch

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

var (
	// ErrShortMessage is returned for frames smaller than their header or body.
	ErrShortMessage = errors.New("dispatch: message too short")

	// ErrUnknownMessage is returned for message IDs without a handler group.
	ErrUnknownMessage = errors.New("dispatch: unknown message id")

	// ErrPush is returned when a request could not be written to the link.
	// No response will follow.
	ErrPush = errors.New("dispatch: push failed")

	// ErrInvalidResponse is returned when a reply carries the expected tag but
	// the wrong message ID.
	ErrInvalidResponse = errors.New("dispatch: invalid response")

	// ErrTimeout is returned when no response arrived within the call timeout.
	ErrTimeout = errors.New("dispatch: call timed out")

	// ErrBusy is returned when another exchange held the link for the whole
	// call timeout.
	ErrBusy = errors.New("dispatch: link busy")
)

// Code maps an error to the status code carried in response headers.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, shm.ErrNotReady):
		return codes.Unavailable
	case errors.Is(err, shm.ErrFull):
		return codes.ResourceExhausted
	case errors.Is(err, shm.ErrEmpty):
		return codes.NotFound
	case errors.Is(err, shm.ErrInvalidHeader):
		return codes.DataLoss
	case errors.Is(err, shm.ErrMessageTooLarge), errors.Is(err, shm.ErrBadLength):
		return codes.OutOfRange
	case errors.Is(err, ErrShortMessage):
		return codes.InvalidArgument
	case errors.Is(err, ErrUnknownMessage):
		return codes.Unimplemented
	case errors.Is(err, ErrInvalidResponse):
		return codes.Internal
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrBusy):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Unknown
	}
}
