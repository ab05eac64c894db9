/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"net/http"
	"reflect"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/pkg/errors"
)

// Shape of a function's input or output payload.
type Shape int

const (
	ShapeBuffered Shape = iota
	ShapeStreamed
	ShapeMultipart
)

// Handler is the erased entry point of a buffered function: it decodes
// its own input, invokes the declared function and encodes the result.
// A decode failure comes back as a *fnrpc.FrameworkError before the
// declared function ever runs.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

// StreamHandler is the erased entry point of a streamed function.
type StreamHandler func(ctx context.Context, args []byte, st *Stream) error

// Descriptor describes one remote-callable function. Immutable once
// handed to a builder; the registry owns it afterwards.
type Descriptor struct {
	Name   string
	Path   string
	Method string
	Codec  fnrpc.Kind
	Input  Shape
	Output Shape

	handle       Handler
	handleStream StreamHandler
}

func (t *Descriptor) validate() error {
	if t.Name == "" || t.Path == "" {
		return errors.New("descriptor without name or path")
	}
	if t.handle == nil && t.handleStream == nil {
		return errors.Errorf("descriptor %s without handler", t.Name)
	}
	if t.Method == http.MethodGet && t.Codec != fnrpc.KindURLQuery {
		return errors.Errorf("descriptor %s: GET requires the urlquery codec", t.Name)
	}
	if t.Input == ShapeMultipart && t.Codec != fnrpc.KindMultipart {
		return errors.Errorf("descriptor %s: multipart input requires the multipart codec", t.Name)
	}
	return nil
}

// NewFunction builds the descriptor of a buffered function. The path is
// derived from pkg and name and stays stable across builds. Method GET
// marks read intent and moves arguments into the query string; POST
// marks mutate intent and carries them in the body.
func NewFunction[In, Out any](pkg, name string, kind fnrpc.Kind, method string, fn func(ctx context.Context, in In) (Out, error)) *Descriptor {
	codec := mustCodec(kind)

	input := ShapeBuffered
	if kind == fnrpc.KindMultipart {
		input = ShapeMultipart
	}

	handle := func(ctx context.Context, args []byte) ([]byte, error) {
		in, target := allocate[In]()
		if err := codec.Unmarshal(args, target); err != nil {
			return nil, fnrpc.Frameworkf(fnrpc.ErrDecode, "decode input of %s: %v", name, err)
		}
		out, err := fn(ctx, deref[In](in, target))
		if err != nil {
			return nil, err
		}
		data, err := codec.Marshal(out)
		if err != nil {
			return nil, fnrpc.Frameworkf(fnrpc.ErrInternalFault, "encode output of %s: %v", name, err)
		}
		return data, nil
	}

	return &Descriptor{
		Name:   name,
		Path:   fnrpc.DerivePath(pkg, name),
		Method: method,
		Codec:  kind,
		Input:  input,
		Output: ShapeBuffered,
		handle: handle,
	}
}

// NewStreamFunction builds the descriptor of a function whose output is
// an unbounded sequence. Arguments arrive buffered; the handler emits
// values through the stream until it returns.
func NewStreamFunction[In any](pkg, name string, kind fnrpc.Kind, fn func(ctx context.Context, in In, st *Stream) error) *Descriptor {
	return newStreamDescriptor[In](pkg, name, kind, ShapeBuffered, fn)
}

// NewDuplexFunction is NewStreamFunction with a streamed input side: the
// client feeds values through the same channel the handler reads via
// Stream.Recv.
func NewDuplexFunction[In any](pkg, name string, kind fnrpc.Kind, fn func(ctx context.Context, in In, st *Stream) error) *Descriptor {
	return newStreamDescriptor[In](pkg, name, kind, ShapeStreamed, fn)
}

func newStreamDescriptor[In any](pkg, name string, kind fnrpc.Kind, input Shape, fn func(ctx context.Context, in In, st *Stream) error) *Descriptor {
	codec := mustCodec(kind)

	handleStream := func(ctx context.Context, args []byte, st *Stream) error {
		in, target := allocate[In]()
		if err := codec.Unmarshal(args, target); err != nil {
			return fnrpc.Frameworkf(fnrpc.ErrDecode, "decode input of %s: %v", name, err)
		}
		return fn(ctx, deref[In](in, target), st)
	}

	return &Descriptor{
		Name:         name,
		Path:         fnrpc.DerivePath(pkg, name),
		Method:       http.MethodPost,
		Codec:        kind,
		Input:        input,
		Output:       ShapeStreamed,
		handleStream: handleStream,
	}
}

func mustCodec(kind fnrpc.Kind) fnrpc.Codec {
	codec, err := fnrpc.ByKind(kind)
	if err != nil {
		panic(err)
	}
	return codec
}

// allocate prepares an unmarshal target for In. Pointer-typed inputs are
// allocated so codecs that require a concrete message, like proto, get
// one instead of a nil pointer.
func allocate[In any]() (In, any) {
	var in In
	t := reflect.TypeFor[In]()
	if t.Kind() == reflect.Ptr {
		in = reflect.New(t.Elem()).Interface().(In)
		return in, in
	}
	return in, &in
}

func deref[In any](in In, target any) In {
	if p, ok := target.(*In); ok {
		return *p
	}
	return in
}
