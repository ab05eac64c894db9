/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Stream frames carry one logical message each; chunk boundaries on the
// wire never merge or split them. Layout over byte streams is the same
// length-field framing as the TCP wire: 4-byte big-endian length, then a
// tag byte, then the codec payload. Over websocket the message boundary
// replaces the length prefix and only tag||payload is sent.

type FrameTag byte

const (
	FrameValue FrameTag = iota
	// FrameEnd signals completion; distinct from an empty value frame.
	FrameEnd
	FrameError
)

const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds max size")

// EncodeMessage builds the websocket form of a frame.
func EncodeMessage(tag FrameTag, payload []byte) []byte {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(tag)
	copy(msg[1:], payload)
	return msg
}

// DecodeMessage splits the websocket form of a frame.
func DecodeMessage(msg []byte) (FrameTag, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, errors.New("empty stream frame")
	}
	tag := FrameTag(msg[0])
	if tag > FrameError {
		return 0, nil, errors.Errorf("unknown stream frame tag %d", msg[0])
	}
	return tag, msg[1:], nil
}

// WriteFrame emits one length-prefixed frame onto a byte stream.
func WriteFrame(w io.Writer, tag FrameTag, payload []byte) error {
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var head [5]byte
	binary.BigEndian.PutUint32(head[:4], uint32(len(payload)+1))
	head[4] = byte(tag)
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// FrameReader decodes length-prefixed frames incrementally: a read yields
// exactly one complete frame however the underlying chunks arrive.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

func (t *FrameReader) ReadFrame() (FrameTag, []byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(t.r, head[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		return 0, nil, errors.New("empty stream frame")
	}
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(t.r, body); err != nil {
		return 0, nil, err
	}
	return DecodeMessage(body)
}

// errorEnvelope is the payload of a FrameError frame. Marker and kind
// follow the same convention as the error header on buffered responses.
type errorEnvelope struct {
	Marker  string    `json:"marker"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
}

// EncodeErrorFrame packs an application or framework error into a
// FrameError payload. Application payloads are bytes in the function's
// codec; framework errors carry kind and message directly.
func EncodeErrorFrame(appPayload []byte, fw *FrameworkError) ([]byte, error) {
	var env errorEnvelope
	if fw != nil {
		env.Marker = MarkerFramework
		env.Kind = fw.Kind
		env.Message = fw.Message
	} else {
		env.Marker = MarkerApplication
		env.Payload = appPayload
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Errorf("error frame marshal, %v", err)
	}
	return data, nil
}

// DecodeErrorFrame reverses EncodeErrorFrame. Exactly one of the returns
// is set: application payload bytes, or a framework error.
func DecodeErrorFrame(data []byte) ([]byte, *FrameworkError, error) {
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errors.Errorf("error frame unmarshal, %v", err)
	}
	switch env.Marker {
	case MarkerApplication:
		return env.Payload, nil, nil
	case MarkerFramework:
		return nil, &FrameworkError{Kind: env.Kind, Message: env.Message}, nil
	default:
		return nil, nil, errors.Errorf("unknown error frame marker %q", env.Marker)
	}
}
