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
	"time"
)

// Link is one physical channel endpoint as seen by the dispatcher and by
// callers. *shm.Mailbox and *shm.VirtqueueEndpoint implement it.
type Link interface {
	Name() string

	// Send and Receive never block. Receive returns shm.ErrEmpty when
	// nothing is pending.
	Send(p []byte) error
	Receive(buf []byte) (int, error)
	DataAvailable() bool

	// UpdateStatus advances the readiness handshake; Reset asks the peer to
	// rebuild the channel.
	UpdateStatus()
	Reset()

	MaxMessageSize() int
	WaitForNotification(ctx context.Context, timeout time.Duration) (uint32, error)
}
