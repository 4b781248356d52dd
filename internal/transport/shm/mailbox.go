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
	"time"

	"github.com/go-logr/logr"

	"github.com/etsoc/ipclink/internal/metrics"
)

// Mailbox layout:
//
//	0x00: status word (master_status, slave_status, reserved)
//	0x04: ring capacity   uint32
//	0x08: reserved        uint64
//	0x10: master-to-slave ring
//	....: slave-to-master ring
const (
	mailboxStatusOff   = 0x00
	mailboxCapacityOff = 0x04
	mailboxHeaderSize  = 0x10
)

// MailboxSize returns the region bytes a mailbox with two rings of the given
// capacity occupies.
func MailboxSize(capacity int) int {
	return mailboxHeaderSize + 2*RingBufferSize(capacity)
}

// MailboxOptions configure one endpoint of a mailbox.
type MailboxOptions struct {
	ID   uint32
	Name string
	Role Role

	// Peer rings the other side's doorbell. Bell is this side's doorbell.
	Peer Notifier
	Bell Waiter

	// Vector is the doorbell line used for this mailbox.
	Vector uint32

	Cache  CacheOps
	Logger logr.Logger
}

// Mailbox is one endpoint of a framed byte-stream channel between a master
// and a slave. Each direction is a RingBuffer; every message is a
// FrameHeader followed by its payload.
type Mailbox struct {
	id     uint32
	name   string
	role   Role
	region *Region
	status statusPair
	m2s    *RingBuffer
	s2m    *RingBuffer
	tx     *RingBuffer
	rx     *RingBuffer
	peer   Notifier
	bell   Waiter
	vector uint32
	cache  CacheOps
	log    logr.Logger

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewMailbox attaches an endpoint to a mailbox laid out in r. It does not
// touch shared memory; call Init.
func NewMailbox(r *Region, capacity int, opts MailboxOptions) (*Mailbox, error) {
	if capacity <= FrameHeaderSize+1 {
		return nil, fmt.Errorf("mailbox capacity %d cannot hold a frame", capacity)
	}
	if need := MailboxSize(capacity); r.Size() < need {
		return nil, fmt.Errorf("mailbox of capacity %d needs %d bytes, region has %d", capacity, need, r.Size())
	}
	if opts.Role != Master && opts.Role != Slave {
		return nil, fmt.Errorf("invalid mailbox role %v", opts.Role)
	}

	ringSize := RingBufferSize(capacity)
	m2sRegion, err := r.Sub(mailboxHeaderSize, ringSize)
	if err != nil {
		return nil, err
	}
	s2mRegion, err := r.Sub(mailboxHeaderSize+ringSize, ringSize)
	if err != nil {
		return nil, err
	}
	m2s, err := NewRingBuffer(m2sRegion, capacity)
	if err != nil {
		return nil, err
	}
	s2m, err := NewRingBuffer(s2mRegion, capacity)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("mailbox%d", opts.ID)
	}
	m := &Mailbox{
		id:     opts.ID,
		name:   name,
		role:   opts.Role,
		region: r,
		status: statusPair{r: r, off: mailboxStatusOff},
		m2s:    m2s,
		s2m:    s2m,
		peer:   opts.Peer,
		bell:   opts.Bell,
		vector: opts.Vector,
		cache:  opts.Cache,
		log:    orDiscard(opts.Logger).WithName("mailbox").WithValues("channel", name, "role", opts.Role.String()),
	}
	if m.peer == nil {
		m.peer = NotifierFunc(func(uint32) {})
	}
	if m.cache == nil {
		m.cache = Coherent
	}
	if opts.Role == Master {
		m.tx, m.rx = m2s, s2m
	} else {
		m.tx, m.rx = s2m, m2s
	}
	return m, nil
}

// Name identifies the mailbox in logs and metrics.
func (m *Mailbox) Name() string { return m.name }

func (m *Mailbox) Role() Role { return m.role }

// Init starts the handshake. The master clears both statuses, resets both
// rings and moves to Waiting; the slave marks itself NotReady. Both sides
// then ring the peer.
func (m *Mailbox) Init() {
	if m.role == Master {
		m.reinit()
		return
	}
	m.status.set(Slave, StatusNotReady)
	m.transition(StatusNotReady)
	m.peer.Notify(m.vector)
}

func (m *Mailbox) reinit() {
	m.sendMu.Lock()
	m.recvMu.Lock()
	m.status.reset()
	m.region.Store32(mailboxCapacityOff, uint32(m.tx.Capacity()))
	m.m2s.Init()
	m.s2m.Init()
	m.status.set(Master, StatusWaiting)
	m.recvMu.Unlock()
	m.sendMu.Unlock()

	m.transition(StatusWaiting)
	m.cache.Fence()
	m.peer.Notify(m.vector)
}

// UpdateStatus runs one round of the handshake. Receive tasks call it on
// every wake before draining.
func (m *Mailbox) UpdateStatus() {
	action, st := stepHandshake(m.role, m.status)
	switch action {
	case actionNotify:
		m.transition(st)
		m.peer.Notify(m.vector)
	case actionReinit:
		if m.role == Master {
			m.log.Info("Peer requested reset, reinitializing")
			m.reinit()
		}
	}
}

// RequestReset asks for the channel to be rebuilt. The master reinitializes
// directly; the slave moves to Waiting and lets the master react.
func (m *Mailbox) RequestReset() {
	if m.role == Master {
		m.reinit()
		return
	}
	m.status.set(Slave, StatusWaiting)
	m.transition(StatusWaiting)
	m.peer.Notify(m.vector)
}

// Reset is RequestReset; it lets a Mailbox serve as a dispatcher link.
func (m *Mailbox) Reset() { m.RequestReset() }

// Ready reports whether both sides are Ready. It is derived from the shared
// status bytes on every call.
func (m *Mailbox) Ready() bool {
	return m.status.ready()
}

// Status returns both sides' status.
func (m *Mailbox) Status() (master, slave Status) {
	return m.status.get(Master), m.status.get(Slave)
}

// WaitReady drives the handshake until the channel is usable or ctx ends.
func (m *Mailbox) WaitReady(ctx context.Context) error {
	return waitReady(ctx, m)
}

// MaxMessageSize is the largest payload Send can ever accept.
func (m *Mailbox) MaxMessageSize() int {
	n := m.tx.Capacity() - 1 - FrameHeaderSize
	if n > MaxFrameLength {
		n = MaxFrameLength
	}
	return n
}

// Free returns the bytes available in the transmit ring, header included.
func (m *Mailbox) Free() int { return m.tx.Free() }

// Used returns the bytes pending in the receive ring.
func (m *Mailbox) Used() int { return m.rx.Used() }

// DataAvailable reports whether a frame is waiting to be received.
func (m *Mailbox) DataAvailable() bool {
	return m.rx.Used() >= FrameHeaderSize
}

// Send frames p and writes it to the transmit ring. It never blocks on the
// peer: a full ring fails with ErrQueueFull.
func (m *Mailbox) Send(p []byte) (err error) {
	defer func() { m.record("send", err) }()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if !m.Ready() {
		return ErrNotReady
	}
	if len(p) == 0 || len(p) > MaxFrameLength {
		return fmt.Errorf("%w: payload of %d bytes", ErrBadLength, len(p))
	}
	if len(p)+FrameHeaderSize > m.tx.Free() {
		return ErrQueueFull
	}

	hdr := newFrameHeader(len(p))
	if _, err := m.tx.Writev(hdr[:], p); err != nil {
		return err
	}
	m.cache.Fence()
	m.peer.Notify(m.vector)
	return nil
}

// Receive reads the next frame into buf and returns the payload length.
// ErrEmpty means no frame is pending. A frame larger than buf is drained and
// reported as ErrMessageTooLarge so the next frame stays aligned.
func (m *Mailbox) Receive(buf []byte) (n int, err error) {
	defer func() { m.record("receive", err) }()

	m.recvMu.Lock()
	defer m.recvMu.Unlock()

	if !m.Ready() {
		return 0, ErrNotReady
	}

	var raw [FrameHeaderSize]byte
	if _, err := m.rx.Read(raw[:], FrameHeaderSize); err != nil {
		return 0, err
	}
	fh, err := decodeFrameHeader(raw[:])
	if err != nil {
		return 0, err
	}
	if !fh.Valid() {
		m.log.Error(ErrInvalidHeader, "Dropping frame", "magic", fmt.Sprintf("%#04x", fh.Magic), "length", fh.Length)
		return 0, fmt.Errorf("%w: magic %#04x length %d", ErrInvalidHeader, fh.Magic, fh.Length)
	}

	m.cache.Fence()
	length := int(fh.Length)
	if length > len(buf) {
		if _, err := m.rx.Discard(length); err != nil {
			return 0, fmt.Errorf("%w: truncated frame of %d bytes: %v", ErrInvalidHeader, length, err)
		}
		return 0, fmt.Errorf("%w: %d bytes, buffer holds %d", ErrMessageTooLarge, length, len(buf))
	}
	if _, err := m.rx.Read(buf, length); err != nil {
		return 0, fmt.Errorf("%w: truncated frame of %d bytes: %v", ErrInvalidHeader, length, err)
	}
	return length, nil
}

// WaitForNotification blocks until the peer rings this side or timeout
// elapses.
func (m *Mailbox) WaitForNotification(ctx context.Context, timeout time.Duration) (uint32, error) {
	if m.bell == nil {
		return 0, errors.New("mailbox has no doorbell")
	}
	return m.bell.WaitForNotification(ctx, 1<<(m.vector%MaxVectors), timeout)
}

func (m *Mailbox) transition(st Status) {
	m.log.V(1).Info("Handshake", "status", st)
	metrics.HandshakeTransitions.WithLabelValues(m.name, m.role.String(), st.String()).Inc()
}

func orDiscard(l logr.Logger) logr.Logger {
	if l.GetSink() == nil {
		return logr.Discard()
	}
	return l
}

func (m *Mailbox) record(op string, err error) {
	switch {
	case err == nil:
		metrics.ChannelMessages.WithLabelValues(m.name, op).Inc()
	case errors.Is(err, ErrEmpty), errors.Is(err, ErrNotReady):
	default:
		metrics.ChannelErrors.WithLabelValues(m.name, op, Reason(err)).Inc()
	}
}
