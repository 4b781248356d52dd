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

// Package config loads the YAML description of a link: the shared region,
// its channels and which side serves each of them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

// Duration is a time.Duration written as a Go duration string ("100ms").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		var err error
		if d.Duration, err = time.ParseDuration(value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Config is the top level of a link configuration file.
type Config struct {
	Region     Region     `json:"region"`
	Role       string     `json:"role"`
	Channels   []Channel  `json:"channels"`
	Dispatcher Dispatcher `json:"dispatcher"`
	Log        Log        `json:"log"`
	Metrics    Metrics    `json:"metrics"`
	Asset      Asset      `json:"asset"`
	Minion     Minion     `json:"minion"`
}

type Region struct {
	// Address is shm://name with an optional ?size= override.
	Address string `json:"address"`
}

// Channel describes one mailbox or virtqueue set.
type Channel struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`

	Capacity int `json:"capacity,omitempty"`

	Queues           int  `json:"queues,omitempty"`
	Slots            int  `json:"slots,omitempty"`
	SlotSize         int  `json:"slotSize,omitempty"`
	SilentCompletion bool `json:"silentCompletion,omitempty"`

	// Server is the role whose dispatcher drains the channel. The other
	// role issues calls on it.
	Server string `json:"server"`
}

type Dispatcher struct {
	IdleTimeout  Duration `json:"idleTimeout"`
	CallTimeout  Duration `json:"callTimeout"`
	PollInterval Duration `json:"pollInterval"`
}

type Log struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type Metrics struct {
	// Address is the bind address of the /metrics endpoint; empty disables it.
	Address string `json:"address"`
}

type Asset struct {
	Manufacturer     string `json:"manufacturer"`
	PartNumber       string `json:"partNumber"`
	SerialNumber     string `json:"serialNumber"`
	FirmwareRevision string `json:"firmwareRevision"`
	MemorySizeMB     uint32 `json:"memorySizeMB"`
}

type Minion struct {
	ActiveShireMask  uint64 `json:"activeShireMask"`
	BootFrequencyMHz uint32 `json:"bootFrequencyMHz"`
}

// Default returns a configuration with one service-processor mailbox, one
// minion virtqueue set and one mailbox carrying minion events back to the
// master.
func Default() *Config {
	return &Config{
		Region: Region{Address: "shm://ipclink"},
		Role:   "master",
		Channels: []Channel{
			{ID: 1, Name: "sp", Kind: "mailbox", Capacity: 4096, Server: "slave"},
			{ID: 2, Name: "mm", Kind: "virtqueue", Queues: 2, Slots: 16, SlotSize: 256, Server: "slave"},
			{ID: 3, Name: "events", Kind: "mailbox", Capacity: 1024, Server: "master"},
		},
		Dispatcher: Dispatcher{
			IdleTimeout:  Duration{100 * time.Millisecond},
			CallTimeout:  Duration{500 * time.Millisecond},
			PollInterval: Duration{time.Millisecond},
		},
		Log: Log{Level: "info"},
		Asset: Asset{
			Manufacturer:     "Esperanto",
			PartNumber:       "ET-SOC1",
			SerialNumber:     "0000000000",
			FirmwareRevision: "0.0.0",
			MemorySizeMB:     16384,
		},
		Minion: Minion{
			ActiveShireMask:  0xFFFFFFFF,
			BootFrequencyMHz: 1000,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result. A
// channels list in b replaces the default channels.
func Parse(b []byte) (*Config, error) {
	c := Default()

	// Decoding into a non-empty slice would merge file entries into the
	// default channels.
	channels := c.Channels
	c.Channels = nil
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Channels == nil {
		c.Channels = channels
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration and the channel layout it implies.
func (c *Config) Validate() error {
	addr, err := shm.ParseAddress(c.Region.Address)
	if err != nil {
		return err
	}
	if _, err := ParseRole(c.Role); err != nil {
		return err
	}
	for _, ch := range c.Channels {
		if _, err := ParseRole(ch.Server); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, err)
		}
	}
	specs, err := c.Specs()
	if err != nil {
		return err
	}
	total, _, err := shm.CalculateLayout(specs)
	if err != nil {
		return err
	}
	if addr.Size != 0 && addr.Size < total {
		return fmt.Errorf("region size %d smaller than the %d bytes the channels need", addr.Size, total)
	}
	if c.Dispatcher.IdleTimeout.Duration <= 0 || c.Dispatcher.CallTimeout.Duration <= 0 || c.Dispatcher.PollInterval.Duration <= 0 {
		return fmt.Errorf("dispatcher timeouts must be positive")
	}
	return nil
}

// Address returns the parsed region address.
func (c *Config) Address() (shm.Address, error) {
	return shm.ParseAddress(c.Region.Address)
}

// Specs converts the channel list to registry channel specs.
func (c *Config) Specs() ([]shm.ChannelSpec, error) {
	specs := make([]shm.ChannelSpec, 0, len(c.Channels))
	for _, ch := range c.Channels {
		kind, err := ParseKind(ch.Kind)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch.ID, err)
		}
		specs = append(specs, shm.ChannelSpec{
			ID:               ch.ID,
			Name:             ch.Name,
			Kind:             kind,
			Capacity:         ch.Capacity,
			Queues:           ch.Queues,
			Slots:            ch.Slots,
			SlotSize:         ch.SlotSize,
			SilentCompletion: ch.SilentCompletion,
		})
	}
	return specs, nil
}

// ParseRole maps "master" and "slave" to shm roles.
func ParseRole(s string) (shm.Role, error) {
	switch s {
	case "master":
		return shm.Master, nil
	case "slave":
		return shm.Slave, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func ParseKind(s string) (shm.ChannelKind, error) {
	switch s {
	case "mailbox":
		return shm.KindMailbox, nil
	case "virtqueue":
		return shm.KindVirtqueue, nil
	}
	return 0, fmt.Errorf("unknown channel kind %q", s)
}
