/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"io"
	"sync"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var ErrStreamClosed = errors.New("stream closed")

// DefaultStreamQueueCap bounds each direction's queue. A full queue
// blocks the producer instead of growing.
var DefaultStreamQueueCap = 64

type frame struct {
	tag     fnrpc.FrameTag
	payload []byte
}

// Stream is the serving side of a streamed call: one send queue and one
// receive queue with explicit backpressure. The handler owns Send and
// Recv; both must not be used after the handler returns.
type Stream struct {
	id    string
	codec fnrpc.Codec

	outC chan frame
	inC  chan []byte

	closeCh     chan struct{}
	closeOnce   sync.Once
	closeInOnce sync.Once
	outMu       sync.RWMutex
	outClosed   atomic.Bool
	failure     atomic.Error
}

func newStream(codec fnrpc.Codec, queueCap int) *Stream {
	if queueCap <= 0 {
		queueCap = DefaultStreamQueueCap
	}
	return &Stream{
		id:      uuid.NewString(),
		codec:   codec,
		outC:    make(chan frame, queueCap),
		inC:     make(chan []byte, queueCap),
		closeCh: make(chan struct{}),
	}
}

func (t *Stream) Id() string {
	return t.id
}

// Send encodes one value and queues it for the peer. Blocks when the
// queue is full; fails once the underlying connection is gone.
func (t *Stream) Send(ctx context.Context, v any) error {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return errors.Errorf("stream %s encode, %v", t.id, err)
	}
	return t.queueFrame(ctx, frame{tag: fnrpc.FrameValue, payload: data})
}

// Recv decodes the next value the peer produced into v. Returns io.EOF
// on clean completion and a transport error on disconnect.
func (t *Stream) Recv(ctx context.Context, v any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case payload, ok := <-t.inC:
		if !ok {
			if err := t.failure.Load(); err != nil {
				return err
			}
			return io.EOF
		}
		return t.codec.Unmarshal(payload, v)
	}
}

func (t *Stream) queueFrame(ctx context.Context, f frame) error {
	t.outMu.RLock()
	defer t.outMu.RUnlock()
	if t.outClosed.Load() {
		return t.errOrClosed()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return t.errOrClosed()
	case t.outC <- f:
		return nil
	}
}

func (t *Stream) errOrClosed() error {
	if err := t.failure.Load(); err != nil {
		return err
	}
	return ErrStreamClosed
}

// fail records the first abnormal completion and releases every waiter.
func (t *Stream) fail(err error) {
	t.closeOnce.Do(func() {
		t.failure.Store(err)
		close(t.closeCh)
	})
}

// finish releases every waiter on clean completion without recording a
// failure. A read loop parked on a full input queue exits through this
// even when the peer keeps sending.
func (t *Stream) finish() {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
}

// closeIn ends the receive side; value producers are gone.
func (t *Stream) closeIn() {
	t.closeInOnce.Do(func() {
		close(t.inC)
	})
}

// closeOut ends the send side after the handler returned. The lock
// orders the close against any in-flight queueFrame.
func (t *Stream) closeOut() {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if t.outClosed.CAS(false, true) {
		close(t.outC)
	}
}
