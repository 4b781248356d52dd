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
	"context"
	"time"
)

// handshaker is implemented by every channel endpoint.
type handshaker interface {
	UpdateStatus()
	Ready() bool
}

// handshakePollInterval is how often WaitReady re-runs the handshake.
const handshakePollInterval = time.Millisecond

// waitReady drives the handshake until both sides are Ready or ctx ends.
// Doorbells wake the peer, but a lost or coalesced notification must not
// stall the handshake, so the state is polled as well.
func waitReady(ctx context.Context, h handshaker) error {
	ticker := time.NewTicker(handshakePollInterval)
	defer ticker.Stop()

	for {
		h.UpdateStatus()
		if h.Ready() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
