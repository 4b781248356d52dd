/*
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
 */

// Package shm implements message channels between two execution domains
// that share memory but nothing else: no locks, no coherent caches and no
// notification other than a doorbell.
//
// A Region is the only way to reach shared memory. A Registry lays out a
// region as a table of channels and hands out endpoints. Two transports are
// provided. A Mailbox moves framed byte streams through a pair of
// RingBuffers. A set of Virtqueues moves one frame per fixed-size slot
// through per-instance submission and completion queues, with explicit
// cache eviction for non-coherent memory.
//
// Both transports establish readiness with the same handshake: each side
// publishes a Status byte, the master initializes the rings, and either side
// can request a reset. Channel operations never block; receive tasks wait on
// a Doorbell and then drain.
package shm
