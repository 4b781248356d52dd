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
	"sync/atomic"
)

// CacheLevel names the cache level an eviction must reach before the peer
// domain can observe the data.
type CacheLevel uint8

const (
	CacheL1 CacheLevel = iota + 1
	CacheL2
	CacheL3
)

// CacheOps are the platform primitives that make writes to shared memory
// visible to another domain. Fence orders prior loads and stores before later
// ones. Evict writes back and invalidates mem down to level.
type CacheOps interface {
	Fence()
	Evict(level CacheLevel, mem []byte)
}

// Coherent is the CacheOps for memory the hardware keeps coherent. Evict is a
// no-op and Fence is a sequentially consistent atomic operation.
var Coherent CacheOps = coherentCache{}

var fenceWord uint32

type coherentCache struct{}

func (coherentCache) Fence() {
	atomic.AddUint32(&fenceWord, 1)
}

func (coherentCache) Evict(CacheLevel, []byte) {}
