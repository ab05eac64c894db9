/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

var DefaultStreamWriteTimeout = 30 * time.Second

// OpenTCPStream opens a streamed call over the framed TCP wire, the
// transport for server-to-server peers. One connection carries one
// stream.
func OpenTCPStream[In, Out any](ctx context.Context, address string, pkg, name string, kind fnrpc.Kind, args any, socks5 string) (*StreamHandle[In, Out], error) {
	codec, err := fnrpc.ByKind(kind)
	if err != nil {
		return nil, err
	}

	payload, err := codec.Marshal(args)
	if err != nil {
		return nil, errors.Errorf("encode arguments of %s, %v", name, err)
	}

	nc, err := dial(ctx, address, socks5)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fnrpc.Transport("dial "+name, err)
	}

	conn := fnrpc.NewMsgConn(nc, DefaultStreamWriteTimeout)
	sid := uuid.NewString()
	path := fnrpc.DerivePath(pkg, name)

	if err := conn.WriteMessage(fnrpc.NewStreamRequest(sid, path, payload)); err != nil {
		conn.Close()
		return nil, fnrpc.Transport("open "+name, err)
	}

	ready, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fnrpc.Transport("open "+name, err)
	}
	mt, ok := fnrpc.GetMessageType(ready)
	if !ok {
		conn.Close()
		return nil, fnrpc.Transport("open "+name, errors.New("message without type"))
	}
	if mt == fnrpc.StreamError {
		defer conn.Close()
		envelope := []byte(fnrpc.GetStringField(ready, fnrpc.ErrorField))
		_, fw, err := fnrpc.DecodeErrorFrame(envelope)
		if err != nil {
			return nil, fnrpc.Transport("open "+name, err)
		}
		if fw != nil {
			return nil, fw
		}
		return nil, errors.Wrap(ErrStreamNotReady, name)
	}
	if mt != fnrpc.StreamReady {
		conn.Close()
		return nil, errors.Wrapf(ErrStreamNotReady, "%s got message type %d", name, int64(mt))
	}

	sc := &tcpStreamConn{conn: conn, sid: sid}
	return newStreamHandle[In, Out](name, codec, sc, 0), nil
}

func dial(ctx context.Context, address, socks5 string) (net.Conn, error) {
	if socks5 != "" {
		d, err := proxy.SOCKS5("tcp", socks5, nil, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", address)
		}
		return d.Dial("tcp", address)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", address)
}

// tcpStreamConn maps framed value messages onto stream frames.
type tcpStreamConn struct {
	conn    fnrpc.MsgConn
	sid     string
	writeMu sync.Mutex
}

func (t *tcpStreamConn) ReadFrame() (fnrpc.FrameTag, []byte, error) {
	msg, err := t.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	mt, ok := fnrpc.GetMessageType(msg)
	if !ok {
		return 0, nil, errors.New("message without type")
	}
	switch mt {
	case fnrpc.StreamValue:
		return fnrpc.FrameValue, []byte(fnrpc.GetStringField(msg, fnrpc.PayloadField)), nil
	case fnrpc.StreamEnd:
		return fnrpc.FrameEnd, nil, nil
	case fnrpc.StreamError:
		return fnrpc.FrameError, []byte(fnrpc.GetStringField(msg, fnrpc.ErrorField)), nil
	default:
		return 0, nil, errors.Errorf("unexpected message type %d", int64(mt))
	}
}

func (t *tcpStreamConn) WriteFrame(tag fnrpc.FrameTag, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	switch tag {
	case fnrpc.FrameEnd:
		return t.conn.WriteMessage(fnrpc.NewStreamEnd(t.sid))
	case fnrpc.FrameError:
		return t.conn.WriteMessage(fnrpc.NewStreamError(t.sid, payload))
	default:
		return t.conn.WriteMessage(fnrpc.NewStreamValue(t.sid, payload))
	}
}

// Close tells the peer to cancel first so a suspended handler is
// released before the connection drops.
func (t *tcpStreamConn) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(fnrpc.NewCancelStream(t.sid))
	t.writeMu.Unlock()
	return t.conn.Close()
}
