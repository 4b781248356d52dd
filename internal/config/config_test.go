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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onsi/gomega"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

func TestDefaultIsValid(t *testing.T) {
	g := gomega.NewWithT(t)

	c := Default()
	g.Expect(c.Validate()).To(gomega.Succeed())

	specs, err := c.Specs()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(specs).To(gomega.HaveLen(3))
	g.Expect(specs[1].Kind).To(gomega.Equal(shm.KindVirtqueue))
}

func TestParseOverridesDefaults(t *testing.T) {
	g := gomega.NewWithT(t)

	c, err := Parse([]byte(`
region:
  address: shm://bench?size=1048576
role: slave
channels:
- id: 7
  name: cmd
  kind: mailbox
  capacity: 64
  server: slave
dispatcher:
  idleTimeout: 20ms
log:
  level: debug
`))
	g.Expect(err).NotTo(gomega.HaveOccurred())

	g.Expect(c.Role).To(gomega.Equal("slave"))
	g.Expect(c.Channels).To(gomega.HaveLen(1))
	g.Expect(c.Channels[0]).To(gomega.Equal(Channel{ID: 7, Name: "cmd", Kind: "mailbox", Capacity: 64, Server: "slave"}))
	g.Expect(c.Dispatcher.IdleTimeout.Duration).To(gomega.Equal(20 * time.Millisecond))
	g.Expect(c.Dispatcher.CallTimeout.Duration).To(gomega.Equal(500 * time.Millisecond))
	g.Expect(c.Log.Level).To(gomega.Equal("debug"))

	addr, err := c.Address()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(addr).To(gomega.Equal(shm.Address{Name: "bench", Size: 1048576}))
}

func TestParseKeepsDefaultChannelsWhenOmitted(t *testing.T) {
	g := gomega.NewWithT(t)

	c, err := Parse([]byte("role: master\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(c.Channels).To(gomega.Equal(Default().Channels))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad role", "role: primary\n"},
		{"bad scheme", "region:\n  address: tcp://x\n"},
		{"bad kind", "channels:\n- {id: 1, name: a, kind: pipe, server: slave}\n"},
		{"bad server", "channels:\n- {id: 1, name: a, kind: mailbox, capacity: 64, server: both}\n"},
		{"duplicate id", "channels:\n- {id: 1, name: a, kind: mailbox, capacity: 64, server: slave}\n- {id: 1, name: b, kind: mailbox, capacity: 64, server: slave}\n"},
		{"tiny mailbox", "channels:\n- {id: 1, name: a, kind: mailbox, capacity: 4, server: slave}\n"},
		{"region too small", "region:\n  address: shm://x?size=64\n"},
		{"zero timeout", "dispatcher:\n  callTimeout: 0s\n"},
		{"bad duration", "dispatcher:\n  idleTimeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := gomega.NewWithT(t)
			_, err := Parse([]byte(tt.yaml))
			g.Expect(err).To(gomega.HaveOccurred())
		})
	}
}

func TestLoad(t *testing.T) {
	g := gomega.NewWithT(t)

	path := filepath.Join(t.TempDir(), "link.yaml")
	g.Expect(os.WriteFile(path, []byte("metrics:\n  address: 127.0.0.1:9090\n"), 0600)).To(gomega.Succeed())

	c, err := Load(path)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(c.Metrics.Address).To(gomega.Equal("127.0.0.1:9090"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	g.Expect(err).To(gomega.HaveOccurred())
}

func TestParseRole(t *testing.T) {
	g := gomega.NewWithT(t)

	r, err := ParseRole("slave")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(r).To(gomega.Equal(shm.Slave))
}
