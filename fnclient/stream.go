/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var DefaultStreamQueueCap = 64

// streamConn abstracts the duplex wire under a stream handle: websocket
// for browser-facing peers, framed TCP for server-to-server peers.
type streamConn interface {
	ReadFrame() (fnrpc.FrameTag, []byte, error)

	WriteFrame(tag fnrpc.FrameTag, payload []byte) error

	Close() error
}

// StreamHandle is the client end of a streamed call. Not restartable; a
// new call opens a new stream. Send and Recv queues are bounded, a full
// queue blocks the producer.
type StreamHandle[In, Out any] struct {
	name  string
	codec fnrpc.Codec
	conn  streamConn

	recvC chan Out
	sendC chan []byte

	closeCh    chan struct{}
	closeOnce  sync.Once
	sendMu     sync.RWMutex
	sendClosed atomic.Bool
	sendDone   chan struct{}
	failure    atomic.Error
}

func newStreamHandle[In, Out any](name string, codec fnrpc.Codec, conn streamConn, queueCap int) *StreamHandle[In, Out] {
	if queueCap <= 0 {
		queueCap = DefaultStreamQueueCap
	}
	t := &StreamHandle[In, Out]{
		name:     name,
		codec:    codec,
		conn:     conn,
		recvC:    make(chan Out, queueCap),
		sendC:    make(chan []byte, queueCap),
		closeCh:  make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// Recv yields the next value the server produced, io.EOF on clean
// completion, the typed application or framework error if the handler
// failed, and a transport error on disconnect.
func (t *StreamHandle[In, Out]) Recv(ctx context.Context) (Out, error) {
	var zero Out
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-t.recvC:
		if !ok {
			if err := t.failure.Load(); err != nil {
				return zero, err
			}
			return zero, io.EOF
		}
		return v, nil
	}
}

// Send feeds one value into the call's input stream.
func (t *StreamHandle[In, Out]) Send(ctx context.Context, v In) error {
	payload, err := t.codec.Marshal(v)
	if err != nil {
		return errors.Errorf("encode stream value of %s, %v", t.name, err)
	}
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.sendClosed.Load() {
		return ErrSendClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return t.errOrClosed()
	case t.sendC <- payload:
		return nil
	}
}

// CloseSend signals completion of the input stream without touching the
// receive side. The lock orders the close against any in-flight Send.
func (t *StreamHandle[In, Out]) CloseSend() error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if !t.sendClosed.CAS(false, true) {
		return ErrSendClosed
	}
	close(t.sendC)
	return nil
}

// Close abandons the stream entirely.
func (t *StreamHandle[In, Out]) Close() error {
	t.fail(ErrStreamClosed)
	err := t.conn.Close()
	<-t.sendDone
	return err
}

func (t *StreamHandle[In, Out]) errOrClosed() error {
	if err := t.failure.Load(); err != nil {
		return err
	}
	return ErrStreamClosed
}

func (t *StreamHandle[In, Out]) fail(err error) {
	t.closeOnce.Do(func() {
		t.failure.Store(err)
		close(t.closeCh)
	})
}

// finish releases the loops on clean completion without recording a
// failure, so Recv still drains queued values and ends with io.EOF.
func (t *StreamHandle[In, Out]) finish() {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
}

func (t *StreamHandle[In, Out]) readLoop() {
	defer close(t.recvC)
	for {
		tag, payload, err := t.conn.ReadFrame()
		if err != nil {
			t.fail(fnrpc.Transport("stream read", err))
			return
		}
		switch tag {

		case fnrpc.FrameValue:
			out, target := allocate[Out]()
			if err := t.codec.Unmarshal(payload, target); err != nil {
				t.fail(errors.Errorf("decode stream value of %s, %v", t.name, err))
				return
			}
			select {
			case t.recvC <- deref[Out](out, target):
			case <-t.closeCh:
				return
			}

		case fnrpc.FrameEnd:
			t.finish()
			return

		case fnrpc.FrameError:
			t.fail(t.decodeErrorFrame(payload))
			return
		}
	}
}

// decodeErrorFrame reconstructs the typed variant the server sent:
// application errors come back through the function's codec, framework
// errors through the fixed JSON envelope.
func (t *StreamHandle[In, Out]) decodeErrorFrame(payload []byte) error {
	appPayload, fw, err := fnrpc.DecodeErrorFrame(payload)
	if err != nil {
		return fnrpc.Transport("stream read", err)
	}
	if fw != nil {
		return fw
	}
	appErr := new(fnrpc.AppError)
	if err := t.codec.Unmarshal(appPayload, appErr); err != nil {
		return errors.Errorf("decode stream error of %s, %v", t.name, err)
	}
	return appErr
}

func (t *StreamHandle[In, Out]) writeLoop() {
	defer close(t.sendDone)
	for {
		select {
		case payload, ok := <-t.sendC:
			if !ok {
				// input stream completed cleanly
				if err := t.conn.WriteFrame(fnrpc.FrameEnd, nil); err != nil {
					t.fail(fnrpc.Transport("stream write", err))
				}
				return
			}
			if err := t.conn.WriteFrame(fnrpc.FrameValue, payload); err != nil {
				t.fail(fnrpc.Transport("stream write", err))
				return
			}
		case <-t.closeCh:
			return
		}
	}
}

// OpenStream dials the websocket endpoint of a streamed function and
// sends the encoded arguments as the opening frame.
func OpenStream[In, Out any](ctx context.Context, client *Client, pkg, name string, kind fnrpc.Kind, args any, queueCap ...int) (*StreamHandle[In, Out], error) {
	codec, err := fnrpc.ByKind(kind)
	if err != nil {
		return nil, err
	}

	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, errors.Errorf("encode arguments of %s, %v", name, err)
	}

	url := wsURL(client.baseURL) + fnrpc.DerivePath(pkg, name)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		drainBody(resp.Body)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fnrpc.Transport("dial "+name, err)
	}

	sc := &wsStreamConn{conn: conn}
	if err := sc.WriteFrame(fnrpc.FrameValue, payload); err != nil {
		conn.Close()
		return nil, fnrpc.Transport("open "+name, err)
	}

	qcap := 0
	if len(queueCap) > 0 {
		qcap = queueCap[0]
	}
	return newStreamHandle[In, Out](name, codec, sc, qcap), nil
}

func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

type wsStreamConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsStreamConn) ReadFrame() (fnrpc.FrameTag, []byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	return fnrpc.DecodeMessage(msg)
}

func (t *wsStreamConn) WriteFrame(tag fnrpc.FrameTag, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, fnrpc.EncodeMessage(tag, payload))
}

func (t *wsStreamConn) Close() error {
	return t.conn.Close()
}
