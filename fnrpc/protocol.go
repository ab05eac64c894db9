/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/codeallergy/value"
	"github.com/pkg/errors"
	"github.com/smallnest/goframe"
)

// Framed-TCP wire for streamed calls between server-to-server peers.
// Every message is a packed value map inside a length-field frame.

var encoderConfig = goframe.EncoderConfig{
	ByteOrder:                       binary.BigEndian,
	LengthFieldLength:               4,
	LengthAdjustment:                0,
	LengthIncludesLengthFieldLength: false,
}

var decoderConfig = goframe.DecoderConfig{
	ByteOrder:           binary.BigEndian,
	LengthFieldOffset:   0,
	LengthFieldLength:   4,
	LengthAdjustment:    0,
	InitialBytesToStrip: 4,
}

type MessageType int64

const (
	StreamRequest MessageType = iota
	StreamReady
	StreamValue
	StreamEnd
	StreamError
	CancelStream
)

func (t MessageType) Long() value.Number {
	return value.Long(int64(t))
}

var Magic = "fnRPC"
var Version = 1.0

var (
	MessageTypeField = "t"
	MagicField       = "m"
	VersionField     = "v"
	StreamIdField    = "sid"
	PathField        = "p"
	PayloadField     = "val"
	ErrorField       = "err"
)

func NewStreamRequest(streamId string, path string, args []byte) value.Map {
	return value.EmptyMap().
		Put(MagicField, value.Utf8(Magic)).
		Put(VersionField, value.Double(Version)).
		Put(MessageTypeField, StreamRequest.Long()).
		Put(StreamIdField, value.Utf8(streamId)).
		Put(PathField, value.Utf8(path)).
		Put(PayloadField, value.Utf8(string(args)))
}

func NewStreamReady(streamId string) value.Map {
	return value.EmptyMap().
		Put(MessageTypeField, StreamReady.Long()).
		Put(StreamIdField, value.Utf8(streamId))
}

func NewStreamValue(streamId string, payload []byte) value.Map {
	return value.EmptyMap().
		Put(MessageTypeField, StreamValue.Long()).
		Put(StreamIdField, value.Utf8(streamId)).
		Put(PayloadField, value.Utf8(string(payload)))
}

func NewStreamEnd(streamId string) value.Map {
	return value.EmptyMap().
		Put(MessageTypeField, StreamEnd.Long()).
		Put(StreamIdField, value.Utf8(streamId))
}

func NewStreamError(streamId string, envelope []byte) value.Map {
	return value.EmptyMap().
		Put(MessageTypeField, StreamError.Long()).
		Put(StreamIdField, value.Utf8(streamId)).
		Put(ErrorField, value.Utf8(string(envelope)))
}

func NewCancelStream(streamId string) value.Map {
	return value.EmptyMap().
		Put(MessageTypeField, CancelStream.Long()).
		Put(StreamIdField, value.Utf8(streamId))
}

func ValidMagicAndVersion(req value.Map) bool {
	magic := req.GetString(MagicField)
	if magic == nil || magic.String() != Magic {
		return false
	}
	version := req.GetNumber(VersionField)
	if version == nil || version.Double() > Version {
		return false
	}
	return true
}

func GetMessageType(msg value.Map) (MessageType, bool) {
	mt := msg.GetNumber(MessageTypeField)
	if mt == nil {
		return 0, false
	}
	return MessageType(mt.Long()), true
}

func GetStringField(msg value.Map, field string) string {
	s := msg.GetString(field)
	if s == nil {
		return ""
	}
	return s.String()
}

type MsgConn interface {
	ReadMessage() (value.Map, error)

	WriteMessage(msg value.Map) error

	Close() error

	Conn() net.Conn
}

func NewMsgConn(conn net.Conn, writeTimeout time.Duration) MsgConn {
	framedConn := goframe.NewLengthFieldBasedFrameConn(encoderConfig, decoderConfig, conn)
	return &messageConnAdapter{conn: framedConn, writeTimeout: writeTimeout}
}

type messageConnAdapter struct {
	conn         goframe.FrameConn
	writeTimeout time.Duration
}

func (t *messageConnAdapter) ReadMessage() (value.Map, error) {
	frame, err := t.conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, err := value.Unpack(frame, true)
	if err != nil {
		return nil, errors.Errorf("msgpack unpack, %v", err)
	}
	if msg.Kind() != value.MAP {
		return nil, errors.New("expected msgpack table")
	}
	return msg.(value.Map), nil
}

func (t *messageConnAdapter) WriteMessage(msg value.Map) error {
	resp, err := value.Pack(msg)
	if err != nil {
		return errors.Errorf("msgpack pack, %v", err)
	}
	if err := t.conn.Conn().SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteFrame(resp)
}

func (t *messageConnAdapter) Close() error {
	return t.conn.Close()
}

func (t *messageConnAdapter) Conn() net.Conn {
	return t.conn.Conn()
}
