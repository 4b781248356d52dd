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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/etsoc/ipclink/internal/metrics"
	"github.com/etsoc/ipclink/internal/transport/shm"
)

// CallerOptions configure a Caller.
type CallerOptions struct {
	// PollInterval is how often a waiting exchange checks the link.
	PollInterval time.Duration

	// Timeout applies when a call passes a zero timeout. It bounds the
	// lock wait, the push and the first response together; each later
	// Exchange.Next gets the full timeout again.
	Timeout time.Duration

	Logger logr.Logger
}

func DefaultCallerOptions() CallerOptions {
	return CallerOptions{
		PollInterval: time.Millisecond,
		Timeout:      500 * time.Millisecond,
	}
}

// Caller issues correlated requests on a link. One exchange is in flight
// at a time; concurrent callers queue for the link up to their timeout.
type Caller struct {
	link Link
	opts CallerOptions
	log  logr.Logger
	sem  *semaphore.Weighted
	tag  atomic.Uint32

	// buf is owned by the exchange holding sem.
	buf []byte
}

func NewCaller(link Link, opts CallerOptions) *Caller {
	def := DefaultCallerOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Caller{
		link: link,
		opts: opts,
		log:  log.WithName("caller").WithValues("link", link.Name()),
		sem:  semaphore.NewWeighted(1),
		buf:  make([]byte, link.MaxMessageSize()),
	}
}

// Call sends req as message id and decodes the single response into rsp.
// rsp may be nil, a *[]byte for the raw body, or a structex struct pointer.
// A response with a non-OK status is returned as a gRPC status error.
func (c *Caller) Call(ctx context.Context, id MsgID, req, rsp interface{}, timeout time.Duration) error {
	x, err := c.Begin(ctx, id, req, timeout)
	if err != nil {
		return err
	}
	defer x.Close()
	return x.Next(rsp)
}

// Begin sends req and holds the link until the returned Exchange is
// closed, so that several responses to one request can be read with Next.
func (c *Caller) Begin(ctx context.Context, id MsgID, req interface{}, timeout time.Duration) (*Exchange, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	start := time.Now()

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	err := c.sem.Acquire(lockCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = fmt.Errorf("%w: %s held longer than %v", ErrBusy, c.link.Name(), timeout)
		c.observe(id, start, err)
		return nil, err
	}

	c.link.UpdateStatus()
	c.discardStale()

	tag := uint16(c.tag.Add(1))
	frame, err := EncodeRequest(RequestHeader{TagID: tag, MsgID: uint16(id)}, req)
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}
	if err := c.link.Send(frame); err != nil {
		c.sem.Release(1)
		err = fmt.Errorf("%w: %v on %s: %v", ErrPush, id, c.link.Name(), err)
		c.observe(id, start, err)
		return nil, err
	}
	c.log.V(1).Info("Request sent", "msgID", id.String(), "tag", tag)

	return &Exchange{
		c:       c,
		ctx:     ctx,
		id:      id,
		tag:      tag,
		timeout:  timeout,
		start:    start,
		deadline: start.Add(timeout),
	}, nil
}

// Send pushes an event that expects no response.
func (c *Caller) Send(ctx context.Context, id MsgID, body interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.link.UpdateStatus()
	tag := uint16(c.tag.Add(1))
	frame, err := EncodeRequest(RequestHeader{TagID: tag, MsgID: uint16(id), Flags: FlagNoResponse}, body)
	if err != nil {
		return err
	}
	if err := c.link.Send(frame); err != nil {
		return fmt.Errorf("%w: %v on %s: %v", ErrPush, id, c.link.Name(), err)
	}
	return nil
}

// discardStale drops replies left over from exchanges that timed out.
func (c *Caller) discardStale() {
	for c.link.DataAvailable() {
		n, err := c.link.Receive(c.buf)
		if err != nil && !errors.Is(err, shm.ErrMessageTooLarge) {
			return
		}
		c.log.Info("Discarding stale response", "length", n)
		metrics.StaleResponses.WithLabelValues(c.link.Name()).Inc()
	}
}

func (c *Caller) observe(id MsgID, start time.Time, err error) {
	metrics.CallDuration.WithLabelValues(c.link.Name(), id.String(), Code(err).String()).
		Observe(time.Since(start).Seconds())
}

// Exchange is one request awaiting responses. It holds the link until
// Close.
type Exchange struct {
	c       *Caller
	ctx     context.Context
	id      MsgID
	tag     uint16
	timeout time.Duration
	start   time.Time
	once    sync.Once

	// deadline bounds the first Next; it is zero afterwards.
	deadline time.Time
}

// Tag returns the tag the request was sent with.
func (x *Exchange) Tag() uint16 { return x.tag }

// Next waits for the next response carrying the request's tag. The first
// Next ends when the timeout given to Begin runs out, counted from Begin;
// each later one waits up to the full timeout. Responses with another tag are late replies to earlier
// requests and are dropped.
func (x *Exchange) Next(rsp interface{}) error {
	err := x.next(rsp)
	x.c.observe(x.id, x.start, err)
	return err
}

func (x *Exchange) next(rsp interface{}) error {
	c := x.c
	deadline := x.deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(x.timeout)
	}
	x.deadline = time.Time{}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if c.link.DataAvailable() {
			n, err := c.link.Receive(c.buf)
			switch {
			case err == nil:
				if done, err := x.match(c.buf[:n], rsp); done {
					return err
				}
				continue
			case errors.Is(err, shm.ErrEmpty), errors.Is(err, shm.ErrNotReady):
			default:
				return err
			}
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %v on %s after %v", ErrTimeout, x.id, c.link.Name(), x.timeout)
		}
		select {
		case <-x.ctx.Done():
			return x.ctx.Err()
		case <-ticker.C:
		}
		c.link.UpdateStatus()
	}
}

func (x *Exchange) match(frame []byte, rsp interface{}) (bool, error) {
	hdr, body, err := DecodeResponse(frame)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if hdr.TagID != x.tag {
		x.c.log.Info("Dropping stale response", "tag", hdr.TagID, "want", x.tag, "msgID", MsgID(hdr.MsgID).String())
		metrics.StaleResponses.WithLabelValues(x.c.link.Name()).Inc()
		return false, nil
	}
	if MsgID(hdr.MsgID) != x.id {
		return true, fmt.Errorf("%w: sent %v, got %v", ErrInvalidResponse, x.id, MsgID(hdr.MsgID))
	}
	if code := codes.Code(hdr.Status); code != codes.OK {
		return true, status.Errorf(code, "%v failed on %s", x.id, x.c.link.Name())
	}
	return true, DecodeBody(body, rsp)
}

// Close releases the link. It is safe to call more than once.
func (x *Exchange) Close() {
	x.once.Do(func() { x.c.sem.Release(1) })
}
