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
	"testing"
)

func TestStepHandshake(t *testing.T) {
	tests := []struct {
		name          string
		self          Role
		master, slave Status
		wantAction    handshakeAction
		wantMaster    Status
		wantSlave     Status
	}{
		{"slave sees waiting master", Slave, StatusWaiting, StatusNotReady, actionNotify, StatusWaiting, StatusReady},
		{"slave sees absent master", Slave, StatusNotReady, StatusNotReady, actionNone, StatusNotReady, StatusNotReady},
		{"slave already ready", Slave, StatusReady, StatusReady, actionNone, StatusReady, StatusReady},
		{"master sees ready slave", Master, StatusWaiting, StatusReady, actionNotify, StatusReady, StatusReady},
		{"master waits for slave", Master, StatusWaiting, StatusNotReady, actionNone, StatusWaiting, StatusNotReady},
		{"master sees reset request", Master, StatusReady, StatusWaiting, actionReinit, StatusReady, StatusWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegion(8)
			if err != nil {
				t.Fatalf("NewRegion failed: %v", err)
			}
			s := statusPair{r: r, off: 4}
			s.set(Master, tt.master)
			s.set(Slave, tt.slave)

			action, _ := stepHandshake(tt.self, s)
			if action != tt.wantAction {
				t.Errorf("action = %v, want %v", action, tt.wantAction)
			}
			if got := s.get(Master); got != tt.wantMaster {
				t.Errorf("master = %v, want %v", got, tt.wantMaster)
			}
			if got := s.get(Slave); got != tt.wantSlave {
				t.Errorf("slave = %v, want %v", got, tt.wantSlave)
			}
		})
	}
}

func TestRoleAndStatusStrings(t *testing.T) {
	if Master.Peer() != Slave || Slave.Peer() != Master {
		t.Error("Peer() is not symmetric")
	}
	if got := Status(9).String(); got != "Status(9)" {
		t.Errorf("Status(9).String() = %q", got)
	}
}
