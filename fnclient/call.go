/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/pkg/errors"
)

// must be fast function
type PerformanceMonitor func(name string, elapsed time.Duration)

// Client holds what every caller shares: the base URL of the hosting
// server and the transport.
type Client struct {
	baseURL   string
	transport Transport
	monitor   PerformanceMonitor
}

type ClientOption func(*Client)

func WithTransport(tr Transport) ClientOption {
	return func(t *Client) {
		t.transport = tr
	}
}

func WithMonitor(m PerformanceMonitor) ClientOption {
	return func(t *Client) {
		t.monitor = m
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	t := &Client{
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.transport == nil {
		tr, err := NewHTTPTransport()
		if err != nil {
			return nil, err
		}
		t.transport = tr
	}
	return t, nil
}

// Caller is the typed stub of one buffered function. The binding to
// path, method and codec happens once, never per call.
type Caller[In, Out any] struct {
	client *Client
	name   string
	path   string
	method string
	codec  fnrpc.Codec
}

func NewCaller[In, Out any](client *Client, pkg, name string, kind fnrpc.Kind, method string) (*Caller[In, Out], error) {
	codec, err := fnrpc.ByKind(kind)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet && kind != fnrpc.KindURLQuery {
		return nil, errors.Errorf("caller %s: GET requires the urlquery codec", name)
	}
	return &Caller[In, Out]{
		client: client,
		name:   name,
		path:   fnrpc.DerivePath(pkg, name),
		method: method,
		codec:  codec,
	}, nil
}

// Call sends the typed arguments and decodes the typed result. The three
// failure surfaces stay distinct: *fnrpc.AppError for handler-reported
// failures, *fnrpc.FrameworkError for dispatch failures,
// *fnrpc.TransportError for connection failures; context errors pass
// through untouched. After cancellation is observed no decode runs and
// no stale result is delivered.
func (t *Caller[In, Out]) Call(ctx context.Context, in In) (Out, error) {
	var zero Out

	if t.client.monitor != nil {
		start := time.Now()
		defer func() {
			t.client.monitor(t.name, time.Since(start))
		}()
	}

	args, err := t.codec.Marshal(in)
	if err != nil {
		return zero, errors.Errorf("encode input of %s, %v", t.name, err)
	}

	req, err := t.newRequest(ctx, args)
	if err != nil {
		return zero, err
	}

	resp, err := t.client.transport.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, fnrpc.Transport("call "+t.name, err)
	}
	defer drainBody(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, fnrpc.Transport("read response of "+t.name, err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}

	switch resp.Header.Get(fnrpc.ErrorHeader) {

	case fnrpc.MarkerFramework:
		var fw fnrpc.FrameworkError
		if err := json.Unmarshal(data, &fw); err != nil {
			return zero, fnrpc.Transport("call "+t.name, errors.Errorf("malformed framework error, %v", err))
		}
		return zero, &fw

	case fnrpc.MarkerApplication:
		appErr := new(fnrpc.AppError)
		if err := t.codec.Unmarshal(data, appErr); err != nil {
			return zero, errors.Errorf("decode error of %s, %v", t.name, err)
		}
		return zero, appErr
	}

	if resp.StatusCode != http.StatusOK {
		return zero, fnrpc.Transport("call "+t.name,
			errors.Wrapf(ErrUnexpectedStatus, "status %d", resp.StatusCode))
	}

	out, target := allocate[Out]()
	if err := t.codec.Unmarshal(data, target); err != nil {
		return zero, errors.Errorf("decode output of %s, %v", t.name, err)
	}
	return deref[Out](out, target), nil
}

func (t *Caller[In, Out]) newRequest(ctx context.Context, args []byte) (*http.Request, error) {
	if t.method == http.MethodGet {
		url := t.client.baseURL + t.path + "?" + string(args)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Errorf("build request of %s, %v", t.name, err)
		}
		return req, nil
	}
	url := t.client.baseURL + t.path
	req, err := http.NewRequestWithContext(ctx, t.method, url, bytes.NewReader(args))
	if err != nil {
		return nil, errors.Errorf("build request of %s, %v", t.name, err)
	}
	req.Header.Set("Content-Type", t.codec.ContentType())
	return req, nil
}

// allocate prepares an unmarshal target, giving pointer-typed outputs a
// concrete allocation so codecs like proto have a message to fill.
func allocate[T any]() (T, any) {
	var v T
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Ptr {
		v = reflect.New(t.Elem()).Interface().(T)
		return v, v
	}
	return v, &v
}

func deref[T any](v T, target any) T {
	if p, ok := target.(*T); ok {
		return *p
	}
	return v
}
