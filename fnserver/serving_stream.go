/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// serveStream upgrades the request to a websocket and runs the streamed
// call's lifecycle: the first message carries the encoded arguments,
// every following message is one tagged frame, and the server closes
// with an end or error frame when the handler returns.
func (t *Dispatcher) serveStream(w http.ResponseWriter, r *http.Request, d *Descriptor) {

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("stream upgrade failed", zap.String("fn", d.Name), zap.Error(err))
		return
	}
	defer conn.Close()

	args, err := readArgsFrame(conn)
	if err != nil {
		t.logger.Warn("stream arguments", zap.String("fn", d.Name), zap.Error(err))
		writeErrorFrame(conn, nil, fnrpc.Frameworkf(fnrpc.ErrDecode, "stream arguments of %s: %v", d.Name, err))
		return
	}

	st := newStream(mustCodec(d.Codec), t.streamQueueCap)
	t.logger.Debug("stream open", zap.String("fn", d.Name), zap.String("stream", st.Id()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// hijacked connections do not cancel the request context on their
	// own; a failed stream has to release a suspended handler
	go func() {
		<-st.closeCh
		cancel()
	}()

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		t.readPump(conn, st)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writePump(conn, st)
	}()

	err = invokeStream(ctx, t.logger, d, args, st)

	queueFinalFrame(ctx, t.logger, d, st, err)
	st.closeOut()
	<-writerDone

	// release a read pump parked on a full input queue, then one parked
	// on the connection
	st.finish()
	conn.Close()
	pumps.Wait()
}

func invokeStream(ctx context.Context, logger *zap.Logger, d *Descriptor, args []byte, st *Stream) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("stream handler fault",
				zap.String("fn", d.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fnrpc.Frameworkf(fnrpc.ErrInternalFault, "internal fault in %s", d.Name)
		}
	}()
	return d.handleStream(ctx, args, st)
}

// queueFinalFrame turns the handler's outcome into the terminal frame:
// clean end, application error in the function's codec, or framework
// error.
func queueFinalFrame(ctx context.Context, logger *zap.Logger, d *Descriptor, st *Stream, err error) {
	if err == nil {
		_ = st.queueFrame(ctx, frame{tag: fnrpc.FrameEnd})
		return
	}

	var payload []byte
	var fw *fnrpc.FrameworkError
	if !errors.As(err, &fw) {
		appErr := asAppError(err)
		data, mErr := mustCodec(d.Codec).Marshal(appErr)
		if mErr != nil {
			fw = fnrpc.Frameworkf(fnrpc.ErrInternalFault, "encode error of %s: %v", d.Name, mErr)
		} else {
			payload = data
		}
	}

	envelope, eErr := fnrpc.EncodeErrorFrame(payload, fw)
	if eErr != nil {
		logger.Error("error frame", zap.String("fn", d.Name), zap.Error(eErr))
		return
	}
	_ = st.queueFrame(ctx, frame{tag: fnrpc.FrameError, payload: envelope})
}

func (t *Dispatcher) readPump(conn *websocket.Conn, st *Stream) {
	defer st.closeIn()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			st.fail(fnrpc.Transport("stream read", err))
			return
		}
		tag, payload, err := fnrpc.DecodeMessage(msg)
		if err != nil {
			st.fail(fnrpc.Transport("stream read", err))
			return
		}
		switch tag {
		case fnrpc.FrameValue:
			select {
			case st.inC <- payload:
			case <-st.closeCh:
				return
			}
		case fnrpc.FrameEnd:
			return
		case fnrpc.FrameError:
			st.fail(fnrpc.Transport("stream read", errors.New("peer aborted stream")))
			return
		}
	}
}

func (t *Dispatcher) writePump(conn *websocket.Conn, st *Stream) {
	for f := range st.outC {
		msg := fnrpc.EncodeMessage(f.tag, f.payload)
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			st.fail(fnrpc.Transport("stream write", err))
			for range st.outC {
			}
			return
		}
	}
	deadline := closeDeadline()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func closeDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}

func readArgsFrame(conn *websocket.Conn) ([]byte, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	tag, payload, err := fnrpc.DecodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if tag != fnrpc.FrameValue {
		return nil, errors.Errorf("expected argument frame, got tag %d", tag)
	}
	return payload, nil
}

func writeErrorFrame(conn *websocket.Conn, appPayload []byte, fw *fnrpc.FrameworkError) {
	envelope, err := fnrpc.EncodeErrorFrame(appPayload, fw)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, fnrpc.EncodeMessage(fnrpc.FrameError, envelope))
}
