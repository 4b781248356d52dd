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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/etsoc/ipclink/internal/metrics"
)

// Queue selects one of the two slotted queues of a virtqueue instance. The
// submission queue carries master-to-slave traffic, the completion queue
// slave-to-master.
type Queue uint8

const (
	SubmissionQueue Queue = iota
	CompletionQueue
)

func (q Queue) String() string {
	switch q {
	case SubmissionQueue:
		return "sq"
	case CompletionQueue:
		return "cq"
	default:
		return fmt.Sprintf("Queue(%d)", uint8(q))
	}
}

// Virtqueue instance layout (each instance starts 64-byte aligned):
//
//	0x00: status word (master_status, slave_status, reserved)
//	0x04: queue index  uint32
//	0x08: slot count   uint32
//	0x0C: slot size    uint32
//	0x10: sq head uint32, sq tail uint32, reserved uint64
//	0x20: cq head uint32, cq tail uint32, reserved uint64
//	0x30: reserved
//	0x40: sq slots [slot count][slot size]
//	....: cq slots [slot count][slot size]
//
// Each slot holds one FrameHeader and its payload; slots are never shared
// between messages.
const (
	vqStatusOff    = 0x00
	vqIndexOff     = 0x04
	vqSlotCountOff = 0x08
	vqSlotSizeOff  = 0x0C
	vqSQIndexOff   = 0x10
	vqCQIndexOff   = 0x20
	vqSlotsOff     = 0x40

	vqHeadOff = 0x00
	vqTailOff = 0x04

	vqAlign = 64
)

// VirtqueueInstanceSize returns the bytes one instance occupies.
func VirtqueueInstanceSize(slots, slotSize int) int {
	return alignUp(vqSlotsOff+2*slots*slotSize, vqAlign)
}

// VirtqueueSetSize returns the bytes a set of queues instances occupies.
func VirtqueueSetSize(queues, slots, slotSize int) int {
	return queues * VirtqueueInstanceSize(slots, slotSize)
}

// VirtqueueOptions configure one side of a set of virtqueue instances.
type VirtqueueOptions struct {
	ID   uint32
	Name string
	Role Role

	Queues   int
	Slots    int
	SlotSize int

	// Peer rings the other side's doorbell with the queue index as vector.
	Peer Notifier
	Bell Waiter

	Cache      CacheOps
	EvictLevel CacheLevel

	// SilentCompletion suppresses the doorbell for completion queue pushes.
	// The master polls those queues instead.
	SilentCompletion bool

	// SingleProducer removes the producer lock. Set it only when a single
	// goroutine pushes to each instance.
	SingleProducer bool

	Logger logr.Logger
}

// Virtqueues is one side of a set of independent slotted queue instances,
// addressed by queue index.
type Virtqueues struct {
	opts        VirtqueueOptions
	name        string
	payloadSize int
	instances   []*virtqueue
	log         logr.Logger
}

type virtqueue struct {
	index  uint32
	label  string
	region *Region
	status statusPair
	queues [2]slotQueue

	// ready caches status.ready() as of the last UpdateStatus or Init, so
	// push and pop avoid re-reading both status bytes from uncached memory.
	ready atomic.Bool

	producer sync.Mutex
	consumer sync.Mutex
}

type slotQueue struct {
	r        *Region
	idxOff   int
	data     []byte
	slots    uint32
	slotSize int
}

// NewVirtqueues attaches to opts.Queues instances laid out back to back in r.
// It does not modify shared memory; call InitAll or Init.
func NewVirtqueues(r *Region, opts VirtqueueOptions) (*Virtqueues, error) {
	if opts.Queues <= 0 || opts.Queues > MaxVectors {
		return nil, fmt.Errorf("virtqueue count %d outside [1, %d]", opts.Queues, MaxVectors)
	}
	if opts.Slots < 2 {
		return nil, fmt.Errorf("virtqueue needs at least 2 slots, got %d", opts.Slots)
	}
	if opts.SlotSize <= FrameHeaderSize {
		return nil, fmt.Errorf("virtqueue slot size %d cannot hold a frame", opts.SlotSize)
	}
	if opts.Role != Master && opts.Role != Slave {
		return nil, fmt.Errorf("invalid virtqueue role %v", opts.Role)
	}
	if need := VirtqueueSetSize(opts.Queues, opts.Slots, opts.SlotSize); r.Size() < need {
		return nil, fmt.Errorf("%d virtqueues need %d bytes, region has %d", opts.Queues, need, r.Size())
	}

	if opts.Name == "" {
		opts.Name = fmt.Sprintf("virtqueue%d", opts.ID)
	}
	if opts.Peer == nil {
		opts.Peer = NotifierFunc(func(uint32) {})
	}
	if opts.Cache == nil {
		opts.Cache = Coherent
	}
	if opts.EvictLevel == 0 {
		opts.EvictLevel = CacheL2
	}

	payload := opts.SlotSize - FrameHeaderSize
	if payload > MaxFrameLength {
		payload = MaxFrameLength
	}
	v := &Virtqueues{
		opts:        opts,
		name:        opts.Name,
		payloadSize: payload,
		log:         orDiscard(opts.Logger).WithName("virtqueue").WithValues("channel", opts.Name, "role", opts.Role.String()),
	}

	size := VirtqueueInstanceSize(opts.Slots, opts.SlotSize)
	ringBytes := opts.Slots * opts.SlotSize
	for i := 0; i < opts.Queues; i++ {
		ir, err := r.Sub(i*size, size)
		if err != nil {
			return nil, err
		}
		vq := &virtqueue{
			index:  uint32(i),
			label:  fmt.Sprintf("%s/%d", opts.Name, i),
			region: ir,
			status: statusPair{r: ir, off: vqStatusOff},
		}
		for j, idxOff := range []int{vqSQIndexOff, vqCQIndexOff} {
			data, err := ir.Bytes(vqSlotsOff+j*ringBytes, ringBytes)
			if err != nil {
				return nil, err
			}
			vq.queues[j] = slotQueue{
				r:        ir,
				idxOff:   idxOff,
				data:     data,
				slots:    uint32(opts.Slots),
				slotSize: opts.SlotSize,
			}
		}
		v.instances = append(v.instances, vq)
	}
	return v, nil
}

func (v *Virtqueues) Name() string { return v.name }

func (v *Virtqueues) Role() Role { return v.opts.Role }

// Len returns the number of instances.
func (v *Virtqueues) Len() int { return len(v.instances) }

// MaxMessageSize is the largest payload one slot carries.
func (v *Virtqueues) MaxMessageSize() int { return v.payloadSize }

// InitAll runs Init on every instance.
func (v *Virtqueues) InitAll() {
	for i := range v.instances {
		v.init(v.instances[i])
	}
}

// Init starts the handshake of instance q. The master clears both statuses
// and both queues and moves to Waiting; the slave marks itself NotReady.
func (v *Virtqueues) Init(q int) error {
	vq, err := v.instance(q)
	if err != nil {
		return err
	}
	v.init(vq)
	return nil
}

func (v *Virtqueues) init(vq *virtqueue) {
	if v.opts.Role == Slave {
		vq.status.set(Slave, StatusNotReady)
		vq.ready.Store(false)
		v.transition(vq, StatusNotReady)
		v.opts.Peer.Notify(vq.index)
		return
	}

	vq.producer.Lock()
	vq.consumer.Lock()
	vq.ready.Store(false)
	vq.status.reset()
	vq.region.Store32(vqIndexOff, vq.index)
	vq.region.Store32(vqSlotCountOff, uint32(v.opts.Slots))
	vq.region.Store32(vqSlotSizeOff, uint32(v.opts.SlotSize))
	for i := range vq.queues {
		vq.queues[i].init()
		v.evict(vq.queues[i].indexBytes())
	}
	vq.status.set(Master, StatusWaiting)
	v.evict(vq.statusBytes())
	v.opts.Cache.Fence()
	vq.consumer.Unlock()
	vq.producer.Unlock()

	v.transition(vq, StatusWaiting)
	v.opts.Peer.Notify(vq.index)
}

// UpdateStatusAll runs UpdateStatus on every instance.
func (v *Virtqueues) UpdateStatusAll() {
	for _, vq := range v.instances {
		v.updateStatus(vq)
	}
}

// UpdateStatus runs one round of the handshake on instance q and refreshes
// its cached readiness.
func (v *Virtqueues) UpdateStatus(q int) error {
	vq, err := v.instance(q)
	if err != nil {
		return err
	}
	v.updateStatus(vq)
	return nil
}

func (v *Virtqueues) updateStatus(vq *virtqueue) {
	v.evict(vq.statusBytes())
	action, st := stepHandshake(v.opts.Role, vq.status)
	switch action {
	case actionNotify:
		v.evict(vq.statusBytes())
		v.transition(vq, st)
		v.opts.Peer.Notify(vq.index)
	case actionReinit:
		if v.opts.Role == Master {
			v.log.Info("Peer requested reset, reinitializing", "queue", vq.index)
			v.init(vq)
		}
	}
	vq.ready.Store(vq.status.ready())
}

// RequestReset asks for instance q to be rebuilt.
func (v *Virtqueues) RequestReset(q int) error {
	vq, err := v.instance(q)
	if err != nil {
		return err
	}
	if v.opts.Role == Master {
		v.init(vq)
		return nil
	}
	vq.ready.Store(false)
	vq.status.set(Slave, StatusWaiting)
	v.evict(vq.statusBytes())
	v.transition(vq, StatusWaiting)
	v.opts.Peer.Notify(vq.index)
	return nil
}

// Ready returns the cached readiness of instance q.
func (v *Virtqueues) Ready(q int) bool {
	vq, err := v.instance(q)
	if err != nil {
		return false
	}
	return vq.ready.Load()
}

// Status returns both sides' status for instance q.
func (v *Virtqueues) Status(q int) (master, slave Status, err error) {
	vq, err := v.instance(q)
	if err != nil {
		return 0, 0, err
	}
	return vq.status.get(Master), vq.status.get(Slave), nil
}

// Push writes p into the next free slot of the selected queue of instance q
// and rings the peer with vector q.
func (v *Virtqueues) Push(q int, which Queue, p []byte) (err error) {
	vq, err := v.instance(q)
	if err != nil {
		return err
	}
	defer func() { v.record(vq, "push", err) }()

	if which > CompletionQueue {
		return fmt.Errorf("invalid queue %v", which)
	}
	if !vq.ready.Load() {
		return ErrNotReady
	}
	if len(p) == 0 || len(p) > v.payloadSize {
		return fmt.Errorf("%w: payload of %d bytes, slot holds %d", ErrBadLength, len(p), v.payloadSize)
	}

	if err := v.push(vq, &vq.queues[which], p); err != nil {
		return err
	}
	if which == CompletionQueue && v.opts.SilentCompletion {
		return nil
	}
	v.opts.Peer.Notify(vq.index)
	return nil
}

func (v *Virtqueues) push(vq *virtqueue, sq *slotQueue, p []byte) error {
	if !v.opts.SingleProducer {
		vq.producer.Lock()
		defer vq.producer.Unlock()
	}

	v.evict(sq.indexBytes())
	head, tail, err := sq.load()
	if err != nil {
		return err
	}
	next := (head + 1) % sq.slots
	if next == tail {
		return ErrFull
	}

	slot := sq.slot(head)
	hdr := newFrameHeader(len(p))
	copy(slot, hdr[:])
	copy(slot[FrameHeaderSize:], p)
	v.evict(slot[:FrameHeaderSize+len(p)])
	v.opts.Cache.Fence()

	sq.r.Store32(sq.idxOff+vqHeadOff, next)
	v.evict(sq.indexBytes())
	v.opts.Cache.Fence()
	return nil
}

// Pop reads the oldest slot of the selected queue of instance q into buf.
// The slot is released even when its frame is invalid or larger than buf,
// so one bad message cannot wedge the queue.
func (v *Virtqueues) Pop(q int, which Queue, buf []byte) (n int, err error) {
	vq, err := v.instance(q)
	if err != nil {
		return 0, err
	}
	defer func() { v.record(vq, "pop", err) }()

	if which > CompletionQueue {
		return 0, fmt.Errorf("invalid queue %v", which)
	}
	if !vq.ready.Load() {
		return 0, ErrNotReady
	}

	vq.consumer.Lock()
	defer vq.consumer.Unlock()

	cq := &vq.queues[which]
	v.evict(cq.indexBytes())
	head, tail, err := cq.load()
	if err != nil {
		return 0, err
	}
	if head == tail {
		return 0, ErrEmpty
	}
	v.opts.Cache.Fence()
	defer v.release(cq, tail)

	slot := cq.slot(tail)
	v.evict(slot[:FrameHeaderSize])
	fh, err := decodeFrameHeader(slot)
	if err != nil {
		return 0, err
	}
	length := int(fh.Length)
	if !fh.Valid() || length > v.payloadSize {
		v.log.Error(ErrInvalidHeader, "Dropping slot", "queue", vq.index, "direction", which.String(),
			"magic", fmt.Sprintf("%#04x", fh.Magic), "length", fh.Length)
		return 0, fmt.Errorf("%w: magic %#04x length %d", ErrInvalidHeader, fh.Magic, fh.Length)
	}
	if length > len(buf) {
		return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrMessageTooLarge, length, len(buf))
	}

	payload := slot[FrameHeaderSize : FrameHeaderSize+length]
	v.evict(payload)
	return copy(buf, payload), nil
}

func (v *Virtqueues) release(cq *slotQueue, tail uint32) {
	cq.r.Store32(cq.idxOff+vqTailOff, (tail+1)%cq.slots)
	v.evict(cq.indexBytes())
	v.opts.Cache.Fence()
}

// DataAvailable reports whether the selected queue of instance q holds a
// message.
func (v *Virtqueues) DataAvailable(q int, which Queue) bool {
	vq, err := v.instance(q)
	if err != nil || which > CompletionQueue {
		return false
	}
	sq := &vq.queues[which]
	v.evict(sq.indexBytes())
	head, tail, err := sq.load()
	return err == nil && head != tail
}

// WaitReady drives the handshake of instance q until it is usable.
func (v *Virtqueues) WaitReady(ctx context.Context, q int) error {
	ep, err := v.Endpoint(q)
	if err != nil {
		return err
	}
	return waitReady(ctx, ep)
}

// Endpoint returns instance q viewed as a bidirectional link: the master
// sends on the submission queue and receives on the completion queue, the
// slave the reverse.
func (v *Virtqueues) Endpoint(q int) (*VirtqueueEndpoint, error) {
	vq, err := v.instance(q)
	if err != nil {
		return nil, err
	}
	ep := &VirtqueueEndpoint{v: v, q: q, name: vq.label, tx: SubmissionQueue, rx: CompletionQueue}
	if v.opts.Role == Slave {
		ep.tx, ep.rx = CompletionQueue, SubmissionQueue
	}
	return ep, nil
}

func (v *Virtqueues) instance(q int) (*virtqueue, error) {
	if q < 0 || q >= len(v.instances) {
		return nil, fmt.Errorf("virtqueue %s has no queue %d", v.name, q)
	}
	return v.instances[q], nil
}

func (v *Virtqueues) evict(mem []byte) {
	v.opts.Cache.Evict(v.opts.EvictLevel, mem)
}

func (v *Virtqueues) transition(vq *virtqueue, st Status) {
	v.log.V(1).Info("Handshake", "queue", vq.index, "status", st)
	metrics.HandshakeTransitions.WithLabelValues(vq.label, v.opts.Role.String(), st.String()).Inc()
}

func (v *Virtqueues) record(vq *virtqueue, op string, err error) {
	switch {
	case err == nil:
		metrics.ChannelMessages.WithLabelValues(vq.label, op).Inc()
	case errors.Is(err, ErrEmpty), errors.Is(err, ErrNotReady):
	default:
		metrics.ChannelErrors.WithLabelValues(vq.label, op, Reason(err)).Inc()
	}
}

func (vq *virtqueue) statusBytes() []byte {
	b, _ := vq.region.Bytes(vqStatusOff, statusWordSize)
	return b
}

func (q *slotQueue) init() {
	q.r.Store32(q.idxOff+vqHeadOff, 0)
	q.r.Store32(q.idxOff+vqTailOff, 0)
}

func (q *slotQueue) load() (head, tail uint32, err error) {
	head = q.r.Load32(q.idxOff + vqHeadOff)
	tail = q.r.Load32(q.idxOff + vqTailOff)
	if head >= q.slots || tail >= q.slots {
		return 0, 0, fmt.Errorf("%w: head %d tail %d, %d slots", ErrBadIndex, head, tail, q.slots)
	}
	return head, tail, nil
}

func (q *slotQueue) slot(i uint32) []byte {
	off := int(i) * q.slotSize
	return q.data[off : off+q.slotSize : off+q.slotSize]
}

func (q *slotQueue) indexBytes() []byte {
	b, _ := q.r.Bytes(q.idxOff, 8)
	return b
}

// VirtqueueEndpoint adapts one virtqueue instance to the send/receive shape
// of a Mailbox.
type VirtqueueEndpoint struct {
	v    *Virtqueues
	q    int
	name string
	tx   Queue
	rx   Queue
}

func (e *VirtqueueEndpoint) Name() string { return e.name }

// Index returns the queue index, which is also its doorbell vector.
func (e *VirtqueueEndpoint) Index() int { return e.q }

func (e *VirtqueueEndpoint) Init() { e.v.Init(e.q) }

func (e *VirtqueueEndpoint) Send(p []byte) error { return e.v.Push(e.q, e.tx, p) }

func (e *VirtqueueEndpoint) Receive(buf []byte) (int, error) { return e.v.Pop(e.q, e.rx, buf) }

func (e *VirtqueueEndpoint) DataAvailable() bool { return e.v.DataAvailable(e.q, e.rx) }

func (e *VirtqueueEndpoint) UpdateStatus() { e.v.UpdateStatus(e.q) }

func (e *VirtqueueEndpoint) Ready() bool { return e.v.Ready(e.q) }

func (e *VirtqueueEndpoint) Reset() { e.v.RequestReset(e.q) }

func (e *VirtqueueEndpoint) MaxMessageSize() int { return e.v.MaxMessageSize() }

func (e *VirtqueueEndpoint) WaitReady(ctx context.Context) error { return waitReady(ctx, e) }

// WaitForNotification waits for this instance's doorbell vector.
func (e *VirtqueueEndpoint) WaitForNotification(ctx context.Context, timeout time.Duration) (uint32, error) {
	if e.v.opts.Bell == nil {
		return 0, errors.New("virtqueue has no doorbell")
	}
	return e.v.opts.Bell.WaitForNotification(ctx, 1<<uint(e.q), timeout)
}
