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
	"fmt"
	"testing"

	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
		{fmt.Errorf("send: %w", shm.ErrNotReady), codes.Unavailable},
		{shm.ErrQueueFull, codes.ResourceExhausted},
		{shm.ErrInvalidHeader, codes.DataLoss},
		{shm.ErrMessageTooLarge, codes.OutOfRange},
		{ErrShortMessage, codes.InvalidArgument},
		{ErrUnknownMessage, codes.Unimplemented},
		{ErrInvalidResponse, codes.Internal},
		{ErrTimeout, codes.DeadlineExceeded},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("anything else"), codes.Unknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(Code(tt.err)).To(Equal(tt.want))
		})
	}
}
