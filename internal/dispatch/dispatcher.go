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

// Package dispatch routes framed commands arriving on shm links to handler
// groups and provides correlated request/response calls over a link.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/etsoc/ipclink/internal/metrics"
	"github.com/etsoc/ipclink/internal/transport/shm"
)

// Request is one inbound command.
type Request struct {
	Link     string
	Header   RequestHeader
	ID       MsgID
	Group    Group
	Body     []byte
	Received time.Time
}

// Decode decodes the request body into v.
func (r *Request) Decode(v interface{}) error {
	return DecodeBody(r.Body, v)
}

// Handler serves the messages of one group. The returned value is encoded
// as the response body; the error becomes the response status.
type Handler interface {
	ServeMessage(ctx context.Context, req *Request) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

func (f HandlerFunc) ServeMessage(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// Options configure a Dispatcher.
type Options struct {
	// IdleTimeout bounds each wait for a doorbell. The receive task
	// re-runs the handshake and drains after every wait, notified or not.
	IdleTimeout time.Duration

	Logger logr.Logger
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		IdleTimeout: 100 * time.Millisecond,
	}
}

// Dispatcher runs one receive task per link and routes each inbound
// message by ID to the handler registered for its group. Handlers are
// registered before the first task starts.
type Dispatcher struct {
	opts     Options
	log      logr.Logger
	handlers map[Group]Handler
	started  atomic.Bool
}

func New(opts Options) *Dispatcher {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Dispatcher{
		opts:     opts,
		log:      log.WithName("dispatcher"),
		handlers: make(map[Group]Handler),
	}
}

// Handle registers h for every message ID of group g.
func (d *Dispatcher) Handle(g Group, h Handler) {
	if d.started.Load() {
		panic(fmt.Sprintf("dispatch: Handle(%v) after receive tasks started", g))
	}
	d.handlers[g] = h
}

func (d *Dispatcher) HandleFunc(g Group, f func(ctx context.Context, req *Request) (interface{}, error)) {
	d.Handle(g, HandlerFunc(f))
}

// Run serves every link until ctx is done or a task fails.
func (d *Dispatcher) Run(ctx context.Context, links ...Link) error {
	d.started.Store(true)
	eg, ctx := errgroup.WithContext(ctx)
	for _, link := range links {
		link := link
		eg.Go(func() error {
			return d.Serve(ctx, link)
		})
	}
	return eg.Wait()
}

// Serve is the receive task of one link: wait for a doorbell, advance the
// handshake, drain every pending message, repeat. It returns nil when ctx
// is done.
func (d *Dispatcher) Serve(ctx context.Context, link Link) error {
	d.started.Store(true)
	t := &task{
		link: link,
		log:  d.log.WithValues("link", link.Name()),
		buf:  make([]byte, link.MaxMessageSize()),
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := link.WaitForNotification(ctx, d.opts.IdleTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Error(err, "Waiting for notification failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.IdleTimeout):
			}
		}
		link.UpdateStatus()
		d.drain(ctx, t)
	}
}

type task struct {
	link     Link
	log      logr.Logger
	buf      []byte
	notReady bool
}

func (d *Dispatcher) drain(ctx context.Context, t *task) {
	for ctx.Err() == nil {
		n, err := t.link.Receive(t.buf)
		switch {
		case err == nil:
			if t.notReady {
				t.log.Info("Link ready")
				t.notReady = false
			}
			d.dispatch(ctx, t, t.buf[:n])
		case errors.Is(err, shm.ErrEmpty):
			return
		case errors.Is(err, shm.ErrNotReady):
			if !t.notReady {
				t.log.Info("Link not ready, waiting for peer")
				t.notReady = true
			}
			return
		case errors.Is(err, shm.ErrMessageTooLarge):
			t.log.Error(err, "Dropped oversized message")
		case errors.Is(err, shm.ErrInvalidHeader):
			t.log.Error(err, "Link desynchronized, requesting reset")
			t.link.Reset()
			return
		default:
			t.log.Error(err, "Receive failed")
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, t *task, frame []byte) {
	hdr, body, err := DecodeRequest(frame)
	if err != nil {
		t.log.Info("Dropping short message", "length", len(frame), "content", fmt.Sprintf("% x", frame))
		metrics.UnknownMessages.WithLabelValues(t.link.Name()).Inc()
		return
	}

	id := MsgID(hdr.MsgID)
	group, _ := GroupOf(id)
	h, ok := d.handlers[group]
	if !ok {
		t.log.Info("Unknown message", "msgID", fmt.Sprintf("%#04x", hdr.MsgID), "tag", hdr.TagID,
			"length", len(frame), "content", fmt.Sprintf("% x", frame))
		metrics.UnknownMessages.WithLabelValues(t.link.Name()).Inc()
		return
	}
	metrics.DispatchedMessages.WithLabelValues(t.link.Name(), group.String()).Inc()

	req := &Request{
		Link:     t.link.Name(),
		Header:   hdr,
		ID:       id,
		Group:    group,
		Body:     append([]byte(nil), body...),
		Received: time.Now(),
	}
	t.log.V(1).Info("Dispatching", "msgID", id.String(), "tag", hdr.TagID, "group", group.String())

	rsp, err := h.ServeMessage(ctx, req)
	if hdr.Flags&FlagNoResponse != 0 {
		if err != nil {
			t.log.Error(err, "Event handler failed", "msgID", id.String())
		}
		return
	}
	if err != nil {
		t.log.Error(err, "Handler failed", "msgID", id.String(), "tag", hdr.TagID)
		rsp = nil
	}

	out, err := EncodeResponse(ResponseHeader{
		TagID:  hdr.TagID,
		MsgID:  hdr.MsgID,
		Status: uint32(Code(err)),
	}, rsp)
	if err != nil {
		t.log.Error(err, "Encoding response failed", "msgID", id.String())
		return
	}
	if err := t.link.Send(out); err != nil {
		t.log.Error(err, "Sending response failed", "msgID", id.String(), "tag", hdr.TagID)
	}
}
