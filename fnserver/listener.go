/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"net"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/codeallergy/value"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var DefaultWriteTimeout = 30 * time.Second

// Listener serves streamed calls to server-to-server peers over the
// framed TCP wire. One connection carries one stream; a new call opens a
// new connection.
type Listener struct {
	registry     *Registry
	logger       *zap.Logger
	writeTimeout time.Duration
	queueCap     int
}

type ListenerOption func(*Listener)

func WithListenerLogger(logger *zap.Logger) ListenerOption {
	return func(t *Listener) {
		t.logger = logger
	}
}

func WithWriteTimeout(d time.Duration) ListenerOption {
	return func(t *Listener) {
		t.writeTimeout = d
	}
}

func NewListener(registry *Registry, opts ...ListenerOption) *Listener {
	t := &Listener{
		registry:     registry,
		logger:       zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		queueCap:     DefaultStreamQueueCap,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve accepts connections until the listener closes.
func (t *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.serveConn(conn)
	}
}

func (t *Listener) serveConn(nc net.Conn) {
	conn := fnrpc.NewMsgConn(nc, t.writeTimeout)
	defer conn.Close()

	req, err := conn.ReadMessage()
	if err != nil {
		t.logger.Debug("stream request read", zap.Error(err))
		return
	}
	if !fnrpc.ValidMagicAndVersion(req) {
		t.logger.Debug("stream request with bad magic")
		return
	}
	mt, ok := fnrpc.GetMessageType(req)
	if !ok || mt != fnrpc.StreamRequest {
		t.logger.Debug("unexpected first message", zap.Int64("type", int64(mt)))
		return
	}

	sid := fnrpc.GetStringField(req, fnrpc.StreamIdField)
	path := fnrpc.GetStringField(req, fnrpc.PathField)
	args := []byte(fnrpc.GetStringField(req, fnrpc.PayloadField))

	d, ok := t.registry.Resolve(path)
	if !ok {
		t.sendError(conn, sid, fnrpc.Frameworkf(fnrpc.ErrNotFound, "no function at %s", path))
		return
	}
	if d.Output != ShapeStreamed {
		t.sendError(conn, sid, fnrpc.Frameworkf(fnrpc.ErrBadRequest, "%s is not a streamed function", d.Name))
		return
	}

	st := newStream(mustCodec(d.Codec), t.queueCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a dropped connection has to release a suspended handler
	go func() {
		<-st.closeCh
		cancel()
	}()

	if err := conn.WriteMessage(fnrpc.NewStreamReady(sid)); err != nil {
		t.logger.Debug("stream ready write", zap.String("fn", d.Name), zap.Error(err))
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.connReadLoop(conn, st, cancel)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.connWriteLoop(conn, st, sid)
	}()

	err = invokeStream(ctx, t.logger, d, args, st)
	queueFinalFrame(ctx, t.logger, d, st, err)
	st.closeOut()
	<-writerDone

	// release a read loop parked on a full input queue, then one parked
	// on the connection
	st.finish()
	conn.Close()
	<-readDone
}

func (t *Listener) connReadLoop(conn fnrpc.MsgConn, st *Stream, cancel context.CancelFunc) {
	defer st.closeIn()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			st.fail(fnrpc.Transport("stream read", err))
			return
		}
		mt, ok := fnrpc.GetMessageType(msg)
		if !ok {
			st.fail(fnrpc.Transport("stream read", errors.New("message without type")))
			return
		}
		switch mt {
		case fnrpc.StreamValue:
			payload := []byte(fnrpc.GetStringField(msg, fnrpc.PayloadField))
			select {
			case st.inC <- payload:
			case <-st.closeCh:
				return
			}
		case fnrpc.StreamEnd:
			return
		case fnrpc.CancelStream:
			cancel()
			return
		default:
			st.fail(fnrpc.Transport("stream read", errors.Errorf("unexpected message type %d", int64(mt))))
			return
		}
	}
}

func (t *Listener) connWriteLoop(conn fnrpc.MsgConn, st *Stream, sid string) {
	for f := range st.outC {
		var msg = streamFrameMessage(sid, f)
		if err := conn.WriteMessage(msg); err != nil {
			st.fail(fnrpc.Transport("stream write", err))
			for range st.outC {
			}
			return
		}
	}
}

func streamFrameMessage(sid string, f frame) value.Map {
	switch f.tag {
	case fnrpc.FrameEnd:
		return fnrpc.NewStreamEnd(sid)
	case fnrpc.FrameError:
		return fnrpc.NewStreamError(sid, f.payload)
	default:
		return fnrpc.NewStreamValue(sid, f.payload)
	}
}

func (t *Listener) sendError(conn fnrpc.MsgConn, sid string, fw *fnrpc.FrameworkError) {
	envelope, err := fnrpc.EncodeErrorFrame(nil, fw)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(fnrpc.NewStreamError(sid, envelope)); err != nil {
		t.logger.Debug("stream error write", zap.Error(err))
	}
}
