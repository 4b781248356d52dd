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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Registry region layout:
//
//	0x00: magic         [8]byte  "ETIPCREG"
//	0x08: version       uint32
//	0x0C: channel count uint32
//	0x10: total size    uint64
//	0x18: session       [16]byte (uuid, new for every CreateRegistry)
//	0x28: reserved      [24]byte
//	0x40: channel table [count]entry
//	....: channel bodies, each 64-byte aligned
//
// Channel table entry (64 bytes):
//
//	0x00: id            uint32
//	0x04: kind          uint32
//	0x08: offset        uint64
//	0x10: size          uint64
//	0x18: capacity or queue count uint32
//	0x1C: slot count    uint32
//	0x20: slot size     uint32
//	0x24: flags         uint32
//	0x28: master doorbell uint32
//	0x2C: slave doorbell  uint32
//	0x30: name          [16]byte
const (
	RegistryMagic      = "ETIPCREG"
	RegistryVersion    = uint32(1)
	RegistryHeaderSize = 0x40
	MaxChannels        = 64

	regVersionOff = 0x08
	regCountOff   = 0x0C
	regSizeOff    = 0x10
	regSessionOff = 0x18

	entrySize        = 0x40
	entryIDOff       = 0x00
	entryKindOff     = 0x04
	entryOffsetOff   = 0x08
	entrySizeOff     = 0x10
	entryParam0Off   = 0x18
	entrySlotsOff    = 0x1C
	entrySlotSizeOff = 0x20
	entryFlagsOff    = 0x24
	entryBellOff     = 0x28
	entryNameOff     = 0x30
	entryNameLen     = 16

	flagSilentCompletion = 1 << 0

	channelAlign = 64
)

// ChannelKind selects the transport of a registry channel.
type ChannelKind uint32

const (
	KindMailbox ChannelKind = iota + 1
	KindVirtqueue
)

func (k ChannelKind) String() string {
	switch k {
	case KindMailbox:
		return "mailbox"
	case KindVirtqueue:
		return "virtqueue"
	default:
		return fmt.Sprintf("ChannelKind(%d)", uint32(k))
	}
}

// ChannelSpec describes one channel of a registry.
type ChannelSpec struct {
	ID   uint32
	Name string
	Kind ChannelKind

	// Capacity is the ring size of each mailbox direction.
	Capacity int

	Queues           int
	Slots            int
	SlotSize         int
	SilentCompletion bool
}

func (c ChannelSpec) size() (int, error) {
	switch c.Kind {
	case KindMailbox:
		if c.Capacity <= FrameHeaderSize+1 {
			return 0, fmt.Errorf("channel %d: mailbox capacity %d cannot hold a frame", c.ID, c.Capacity)
		}
		return alignUp(MailboxSize(c.Capacity), channelAlign), nil
	case KindVirtqueue:
		if c.Queues <= 0 || c.Queues > MaxVectors {
			return 0, fmt.Errorf("channel %d: queue count %d outside [1, %d]", c.ID, c.Queues, MaxVectors)
		}
		if c.Slots < 2 || c.SlotSize <= FrameHeaderSize {
			return 0, fmt.Errorf("channel %d: %d slots of %d bytes cannot hold a frame", c.ID, c.Slots, c.SlotSize)
		}
		return VirtqueueSetSize(c.Queues, c.Slots, c.SlotSize), nil
	default:
		return 0, fmt.Errorf("channel %d: unknown kind %v", c.ID, c.Kind)
	}
}

// CalculateLayout returns the region size needed for specs and the offset of
// each channel body.
func CalculateLayout(specs []ChannelSpec) (total int, offsets []int, err error) {
	if len(specs) == 0 {
		return 0, nil, fmt.Errorf("registry needs at least one channel")
	}
	if len(specs) > MaxChannels {
		return 0, nil, fmt.Errorf("registry holds at most %d channels, got %d", MaxChannels, len(specs))
	}

	seen := make(map[uint32]bool, len(specs))
	off := alignUp(RegistryHeaderSize+len(specs)*entrySize, channelAlign)
	for _, c := range specs {
		if seen[c.ID] {
			return 0, nil, fmt.Errorf("duplicate channel id %d", c.ID)
		}
		seen[c.ID] = true
		if len(c.Name) > entryNameLen {
			return 0, nil, fmt.Errorf("channel %d: name %q longer than %d bytes", c.ID, c.Name, entryNameLen)
		}
		size, err := c.size()
		if err != nil {
			return 0, nil, err
		}
		offsets = append(offsets, off)
		off += alignUp(size, channelAlign)
	}
	return off, offsets, nil
}

// EndpointOptions tune the endpoints a Registry hands out.
type EndpointOptions struct {
	Cache          CacheOps
	SingleProducer bool
	Logger         logr.Logger
}

type registryEntry struct {
	spec   ChannelSpec
	offset int
	size   int
}

type endpointKey struct {
	id   uint32
	role Role
}

// Registry owns the channels laid out in one shared region. Each channel
// endpoint is constructed once per role and then shared.
type Registry struct {
	region  *Region
	session uuid.UUID
	entries []registryEntry
	byID    map[uint32]int

	mu         sync.Mutex
	mailboxes  map[endpointKey]*Mailbox
	virtqueues map[endpointKey]*Virtqueues
}

// CreateRegistry writes a registry header and channel table for specs into
// r. The magic is written last so that a peer attaching concurrently never
// sees a half-written table.
func CreateRegistry(r *Region, specs []ChannelSpec) (*Registry, error) {
	total, offsets, err := CalculateLayout(specs)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}
	if total > r.Size() {
		return nil, fmt.Errorf("registry needs %d bytes, region has %d", total, r.Size())
	}

	r.Store64(0, 0)
	session := uuid.New()
	r.Store32(regVersionOff, RegistryVersion)
	r.Store32(regCountOff, uint32(len(specs)))
	r.Store64(regSizeOff, uint64(total))
	if _, err := r.WriteAt(session[:], regSessionOff); err != nil {
		return nil, err
	}

	g := newRegistry(r, session)
	for i, c := range specs {
		size, _ := c.size()
		e := registryEntry{spec: c, offset: offsets[i], size: size}
		if err := writeEntry(r, RegistryHeaderSize+i*entrySize, e); err != nil {
			return nil, err
		}
		g.add(e)
	}
	r.Store64(0, binary.LittleEndian.Uint64([]byte(RegistryMagic)))
	return g, nil
}

// AttachRegistry validates the registry written in r by the peer and
// returns a view of it.
func AttachRegistry(r *Region) (*Registry, error) {
	session, count, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	g := newRegistry(r, session)
	for i := 0; i < count; i++ {
		e, err := readEntry(r, RegistryHeaderSize+i*entrySize)
		if err != nil {
			return nil, fmt.Errorf("channel table entry %d: %w", i, err)
		}
		if _, dup := g.byID[e.spec.ID]; dup {
			return nil, fmt.Errorf("duplicate channel id %d", e.spec.ID)
		}
		g.add(e)
	}
	return g, nil
}

// ReadSession returns the session of the registry currently published in r.
func ReadSession(r *Region) (uuid.UUID, error) {
	session, _, err := readHeader(r)
	return session, err
}

func readHeader(r *Region) (uuid.UUID, int, error) {
	if r.Size() < RegistryHeaderSize {
		return uuid.Nil, 0, fmt.Errorf("region of %d bytes too small for a registry", r.Size())
	}
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], r.Load64(0))
	if string(magic[:]) != RegistryMagic {
		return uuid.Nil, 0, fmt.Errorf("invalid registry magic %q", magic[:])
	}
	if v := r.Load32(regVersionOff); v != RegistryVersion {
		return uuid.Nil, 0, fmt.Errorf("unsupported registry version %d", v)
	}
	count := int(r.Load32(regCountOff))
	if count == 0 || count > MaxChannels {
		return uuid.Nil, 0, fmt.Errorf("invalid channel count %d", count)
	}
	if total := r.Load64(regSizeOff); total > uint64(r.Size()) {
		return uuid.Nil, 0, fmt.Errorf("registry claims %d bytes, region has %d", total, r.Size())
	}
	var raw [16]byte
	if _, err := r.ReadAt(raw[:], regSessionOff); err != nil {
		return uuid.Nil, 0, err
	}
	session, err := uuid.FromBytes(raw[:])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid registry session: %w", err)
	}
	return session, count, nil
}

func newRegistry(r *Region, session uuid.UUID) *Registry {
	return &Registry{
		region:     r,
		session:    session,
		byID:       make(map[uint32]int),
		mailboxes:  make(map[endpointKey]*Mailbox),
		virtqueues: make(map[endpointKey]*Virtqueues),
	}
}

func (g *Registry) add(e registryEntry) {
	g.byID[e.spec.ID] = len(g.entries)
	g.entries = append(g.entries, e)
}

// Session identifies this incarnation of the registry. It changes whenever
// the region is laid out again.
func (g *Registry) Session() uuid.UUID { return g.session }

// Superseded reports whether the registry published in r belongs to another
// session than g, i.e. the peer laid the region out again. r is normally a
// fresh mapping of the region's name, since a recreated region is a new
// object that existing mappings do not see.
func (g *Registry) Superseded(r *Region) (bool, error) {
	session, err := ReadSession(r)
	if err != nil {
		return false, err
	}
	return session != g.session, nil
}

// Region returns the region the registry lives in.
func (g *Registry) Region() *Region { return g.region }

// Channels returns the channel specs in table order.
func (g *Registry) Channels() []ChannelSpec {
	specs := make([]ChannelSpec, len(g.entries))
	for i, e := range g.entries {
		specs[i] = e.spec
	}
	return specs
}

// Channel returns the layout entry of channel id.
func (g *Registry) Channel(id uint32) (ChannelSpec, bool) {
	i, ok := g.byID[id]
	if !ok {
		return ChannelSpec{}, false
	}
	return g.entries[i].spec, true
}

// Doorbell returns the doorbell that role waits on for channel id.
func (g *Registry) Doorbell(id uint32, role Role) (*SharedDoorbell, error) {
	i, ok := g.byID[id]
	if !ok {
		return nil, fmt.Errorf("no channel %d", id)
	}
	return NewSharedDoorbell(g.region, RegistryHeaderSize+i*entrySize+entryBellOff+4*int(role))
}

// Mailbox returns the role side of mailbox channel id.
func (g *Registry) Mailbox(id uint32, role Role, opts EndpointOptions) (*Mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := endpointKey{id: id, role: role}
	if m, ok := g.mailboxes[key]; ok {
		return m, nil
	}
	e, body, err := g.body(id, KindMailbox)
	if err != nil {
		return nil, err
	}
	bell, peer, err := g.doorbells(id, role)
	if err != nil {
		return nil, err
	}
	m, err := NewMailbox(body, e.spec.Capacity, MailboxOptions{
		ID:     id,
		Name:   e.spec.Name,
		Role:   role,
		Peer:   peer,
		Bell:   bell,
		Cache:  opts.Cache,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.mailboxes[key] = m
	return m, nil
}

// Virtqueues returns the role side of virtqueue channel id.
func (g *Registry) Virtqueues(id uint32, role Role, opts EndpointOptions) (*Virtqueues, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := endpointKey{id: id, role: role}
	if v, ok := g.virtqueues[key]; ok {
		return v, nil
	}
	e, body, err := g.body(id, KindVirtqueue)
	if err != nil {
		return nil, err
	}
	bell, peer, err := g.doorbells(id, role)
	if err != nil {
		return nil, err
	}
	v, err := NewVirtqueues(body, VirtqueueOptions{
		ID:               id,
		Name:             e.spec.Name,
		Role:             role,
		Queues:           e.spec.Queues,
		Slots:            e.spec.Slots,
		SlotSize:         e.spec.SlotSize,
		Peer:             peer,
		Bell:             bell,
		Cache:            opts.Cache,
		SilentCompletion: e.spec.SilentCompletion,
		SingleProducer:   opts.SingleProducer,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.virtqueues[key] = v
	return v, nil
}

func (g *Registry) body(id uint32, kind ChannelKind) (registryEntry, *Region, error) {
	i, ok := g.byID[id]
	if !ok {
		return registryEntry{}, nil, fmt.Errorf("no channel %d", id)
	}
	e := g.entries[i]
	if e.spec.Kind != kind {
		return registryEntry{}, nil, fmt.Errorf("channel %d is a %v, not a %v", id, e.spec.Kind, kind)
	}
	body, err := g.region.Sub(e.offset, e.size)
	if err != nil {
		return registryEntry{}, nil, fmt.Errorf("channel %d: %w", id, err)
	}
	return e, body, nil
}

func (g *Registry) doorbells(id uint32, role Role) (own, peer *SharedDoorbell, err error) {
	if own, err = g.Doorbell(id, role); err != nil {
		return nil, nil, err
	}
	if peer, err = g.Doorbell(id, role.Peer()); err != nil {
		return nil, nil, err
	}
	return own, peer, nil
}

func writeEntry(r *Region, off int, e registryEntry) error {
	c := e.spec
	r.Store32(off+entryIDOff, c.ID)
	r.Store32(off+entryKindOff, uint32(c.Kind))
	r.Store64(off+entryOffsetOff, uint64(e.offset))
	r.Store64(off+entrySizeOff, uint64(e.size))
	switch c.Kind {
	case KindMailbox:
		r.Store32(off+entryParam0Off, uint32(c.Capacity))
	case KindVirtqueue:
		r.Store32(off+entryParam0Off, uint32(c.Queues))
		r.Store32(off+entrySlotsOff, uint32(c.Slots))
		r.Store32(off+entrySlotSizeOff, uint32(c.SlotSize))
	}
	var flags uint32
	if c.SilentCompletion {
		flags |= flagSilentCompletion
	}
	r.Store32(off+entryFlagsOff, flags)
	r.Store32(off+entryBellOff, 0)
	r.Store32(off+entryBellOff+4, 0)

	var name [entryNameLen]byte
	copy(name[:], c.Name)
	_, err := r.WriteAt(name[:], int64(off+entryNameOff))
	return err
}

func readEntry(r *Region, off int) (registryEntry, error) {
	c := ChannelSpec{
		ID:   r.Load32(off + entryIDOff),
		Kind: ChannelKind(r.Load32(off + entryKindOff)),
	}
	switch c.Kind {
	case KindMailbox:
		c.Capacity = int(r.Load32(off + entryParam0Off))
	case KindVirtqueue:
		c.Queues = int(r.Load32(off + entryParam0Off))
		c.Slots = int(r.Load32(off + entrySlotsOff))
		c.SlotSize = int(r.Load32(off + entrySlotSizeOff))
		c.SilentCompletion = r.Load32(off+entryFlagsOff)&flagSilentCompletion != 0
	}

	var name [entryNameLen]byte
	if _, err := r.ReadAt(name[:], int64(off+entryNameOff)); err != nil {
		return registryEntry{}, err
	}
	for i, b := range name {
		if b == 0 {
			c.Name = string(name[:i])
			break
		}
		if i == len(name)-1 {
			c.Name = string(name[:])
		}
	}

	size, err := c.size()
	if err != nil {
		return registryEntry{}, err
	}
	e := registryEntry{
		spec:   c,
		offset: int(r.Load64(off + entryOffsetOff)),
		size:   int(r.Load64(off + entrySizeOff)),
	}
	if e.size < size {
		return registryEntry{}, fmt.Errorf("channel %d: %d bytes recorded, layout needs %d", c.ID, e.size, size)
	}
	if e.offset%channelAlign != 0 || e.offset < RegistryHeaderSize || e.offset+e.size > r.Size() {
		return registryEntry{}, fmt.Errorf("channel %d: body [%#x, +%d) outside region", c.ID, e.offset, e.size)
	}
	return e, nil
}
