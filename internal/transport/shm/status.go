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
	"fmt"
)

// Role identifies which end of a channel an endpoint drives.
type Role uint8

const (
	Master Role = iota
	Slave
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Slave:
		return "slave"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Master {
		return Slave
	}
	return Master
}

// Status is one side's view of channel readiness. Values are stored as a
// single byte in shared memory and must not be renumbered.
type Status uint8

const (
	StatusNotReady Status = iota
	StatusWaiting
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotReady:
		return "NotReady"
	case StatusWaiting:
		return "Waiting"
	case StatusReady:
		return "Ready"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Status word layout (4 bytes):
//
//	0x00: master_status uint8
//	0x01: slave_status  uint8
//	0x02: reserved      uint16
const statusWordSize = 4

// statusPair reads and writes the two status bytes of a channel.
type statusPair struct {
	r   *Region
	off int
}

func (s statusPair) get(role Role) Status {
	return Status(s.r.Load8(s.off + int(role)))
}

func (s statusPair) set(role Role, st Status) {
	s.r.Store8(s.off+int(role), uint8(st))
}

func (s statusPair) reset() {
	s.set(Master, StatusNotReady)
	s.set(Slave, StatusNotReady)
}

func (s statusPair) ready() bool {
	return s.get(Master) == StatusReady && s.get(Slave) == StatusReady
}

type handshakeAction int

const (
	actionNone handshakeAction = iota
	// actionNotify means this side changed its status and the peer must be told.
	actionNotify
	// actionReinit means the peer asked for a reset. Only the master acts on it.
	actionReinit
)

// stepHandshake applies one round of the readiness state machine from the
// point of view of self.
//
// The master becomes Ready once it is Waiting and sees the slave Ready, and
// treats a Waiting slave as a reset request. The slave becomes Ready once it
// sees the master Waiting or Ready while it is neither itself.
func stepHandshake(self Role, s statusPair) (handshakeAction, Status) {
	master, slave := s.get(Master), s.get(Slave)
	switch self {
	case Master:
		if slave == StatusWaiting {
			return actionReinit, master
		}
		if slave == StatusReady && master == StatusWaiting {
			s.set(Master, StatusReady)
			return actionNotify, StatusReady
		}
		return actionNone, master
	default:
		masterUp := master == StatusReady || master == StatusWaiting
		slaveUp := slave == StatusReady || slave == StatusWaiting
		if masterUp && !slaveUp {
			s.set(Slave, StatusReady)
			return actionNotify, StatusReady
		}
		return actionNone, slave
	}
}
