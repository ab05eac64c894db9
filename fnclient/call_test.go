/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codeallergy/fn-rpc/fnclient"
	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/codeallergy/fn-rpc/fnserver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text"`
}

type lookupArgs struct {
	Name string `url:"name"`
}

type lookupResult struct {
	Name  string `url:"name"`
	Found bool   `url:"found"`
}

func newRegistry(t *testing.T) *fnserver.Registry {
	t.Helper()

	b := fnserver.NewBuilder()

	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodPost,
		func(ctx context.Context, in echoArgs) (echoArgs, error) {
			return in, nil
		})))

	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Lookup", fnrpc.KindURLQuery, http.MethodGet,
		func(ctx context.Context, in lookupArgs) (lookupResult, error) {
			return lookupResult{Name: in.Name, Found: in.Name == "alice"}, nil
		})))

	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Fail", fnrpc.KindJSON, http.MethodPost,
		func(ctx context.Context, in echoArgs) (echoArgs, error) {
			return echoArgs{}, &fnrpc.AppError{Code: "denied", Message: "not yours", Detail: map[string]string{"owner": "bob"}}
		})))

	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Hang", fnrpc.KindJSON, http.MethodPost,
		func(ctx context.Context, in echoArgs) (echoArgs, error) {
			<-ctx.Done()
			return echoArgs{}, ctx.Err()
		})))

	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Upload", fnrpc.KindMultipart, http.MethodPost,
		func(ctx context.Context, in *fnrpc.Form) (*fnrpc.Form, error) {
			out := fnrpc.NewForm()
			out.Fields.Set("received", in.Fields.Get("title"))
			for _, f := range in.Files["doc"] {
				out.Fields.Set("size", fmt.Sprintf("%d", len(f.Data)))
			}
			return out, nil
		})))

	r, err := b.Freeze()
	require.NoError(t, err)
	return r
}

func newInProcClient(t *testing.T) *fnclient.Client {
	t.Helper()
	d := fnserver.NewDispatcher(newRegistry(t))
	c, err := fnclient.NewClient("http://inproc",
		fnclient.WithTransport(&fnclient.InProcTransport{Handler: d}))
	require.NoError(t, err)
	return c
}

func newHTTPClient(t *testing.T) (*fnclient.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fnserver.NewDispatcher(newRegistry(t)))
	t.Cleanup(srv.Close)
	c, err := fnclient.NewClient(srv.URL)
	require.NoError(t, err)
	return c, srv
}

func TestCallTypedResult(t *testing.T) {

	c := newInProcClient(t)
	echo, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Echo", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	out, err := echo.Call(context.Background(), echoArgs{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", out.Text)
}

func TestCallGetQuery(t *testing.T) {

	c := newInProcClient(t)
	lookup, err := fnclient.NewCaller[lookupArgs, lookupResult](c, "app/api", "Lookup", fnrpc.KindURLQuery, http.MethodGet)
	require.NoError(t, err)

	out, err := lookup.Call(context.Background(), lookupArgs{Name: "alice"})
	require.NoError(t, err)
	require.True(t, out.Found)
}

func TestCallApplicationErrorIsTyped(t *testing.T) {

	c := newInProcClient(t)
	fail, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Fail", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	_, err = fail.Call(context.Background(), echoArgs{Text: "x"})
	require.Error(t, err)

	var appErr *fnrpc.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "denied", appErr.Code)
	require.Equal(t, "bob", appErr.Detail["owner"])

	var terr *fnrpc.TransportError
	require.False(t, errors.As(err, &terr))
}

func TestCallFrameworkErrorIsTyped(t *testing.T) {

	c := newInProcClient(t)
	missing, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Missing", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	_, err = missing.Call(context.Background(), echoArgs{})
	require.Error(t, err)

	var fw *fnrpc.FrameworkError
	require.True(t, errors.As(err, &fw))
	require.Equal(t, fnrpc.ErrNotFound, fw.Kind)
}

func TestCallTransportErrorIsDistinct(t *testing.T) {

	srv := httptest.NewServer(fnserver.NewDispatcher(newRegistry(t)))
	c, err := fnclient.NewClient(srv.URL)
	require.NoError(t, err)
	srv.Close()

	echo, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Echo", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	_, err = echo.Call(context.Background(), echoArgs{Text: "x"})
	require.Error(t, err)

	var terr *fnrpc.TransportError
	require.True(t, errors.As(err, &terr))

	var appErr *fnrpc.AppError
	require.False(t, errors.As(err, &appErr))
}

func TestCallCancellation(t *testing.T) {

	c, _ := newHTTPClient(t)
	hang, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Hang", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = hang.Call(ctx, echoArgs{Text: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallDeadline(t *testing.T) {

	c, _ := newHTTPClient(t)
	hang, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Hang", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = hang.Call(ctx, echoArgs{Text: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {

	c, _ := newHTTPClient(t)
	echo, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Echo", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	const n = 64
	results := make([]echoArgs, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = echo.Call(context.Background(), echoArgs{Text: fmt.Sprintf("call-%d", i)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("call-%d", i), results[i].Text)
	}
}

func TestCallMultipart(t *testing.T) {

	c := newInProcClient(t)
	upload, err := fnclient.NewCaller[*fnrpc.Form, *fnrpc.Form](c, "app/api", "Upload", fnrpc.KindMultipart, http.MethodPost)
	require.NoError(t, err)

	in := fnrpc.NewForm()
	in.Fields.Set("title", "q3 report")
	in.AddFile("doc", fnrpc.File{Name: "q3.bin", ContentType: "application/octet-stream", Data: []byte("12345")})

	out, err := upload.Call(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "q3 report", out.Fields.Get("received"))
	require.Equal(t, "5", out.Fields.Get("size"))
}

func TestMonitorObservesCalls(t *testing.T) {

	var mu sync.Mutex
	var seen []string

	d := fnserver.NewDispatcher(newRegistry(t))
	c, err := fnclient.NewClient("http://inproc",
		fnclient.WithTransport(&fnclient.InProcTransport{Handler: d}),
		fnclient.WithMonitor(func(name string, elapsed time.Duration) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
		}))
	require.NoError(t, err)

	echo, err := fnclient.NewCaller[echoArgs, echoArgs](c, "app/api", "Echo", fnrpc.KindJSON, http.MethodPost)
	require.NoError(t, err)

	_, err = echo.Call(context.Background(), echoArgs{Text: "x"})
	require.NoError(t, err)
	require.Equal(t, []string{"Echo"}, seen)
}
