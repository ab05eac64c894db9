/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/codeallergy/fn-rpc/fnclient"
	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/codeallergy/fn-rpc/fnserver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func startTCPListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := fnserver.NewListener(newStreamRegistry(t))
	go srv.Serve(ln)

	return ln.Addr().String()
}

func TestTCPStreamOrderedCompletion(t *testing.T) {

	addr := startTCPListener(t)
	ctx := context.Background()

	st, err := fnclient.OpenTCPStream[countValue, countValue](ctx, addr, "app/api", "Count", fnrpc.KindJSON, countArgs{Upto: 3}, "")
	require.NoError(t, err)
	defer st.Close()

	var got []int
	for {
		v, err := st.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v.N)
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestTCPStreamDuplexEcho(t *testing.T) {

	addr := startTCPListener(t)
	ctx := context.Background()

	st, err := fnclient.OpenTCPStream[countValue, countValue](ctx, addr, "app/api", "EchoStream", fnrpc.KindJSON, countArgs{}, "")
	require.NoError(t, err)
	defer st.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, st.Send(ctx, countValue{N: i}))
	}
	require.NoError(t, st.CloseSend())

	var got []int
	for {
		v, err := st.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v.N)
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestTCPStreamNotFound(t *testing.T) {

	addr := startTCPListener(t)
	ctx := context.Background()

	_, err := fnclient.OpenTCPStream[countValue, countValue](ctx, addr, "app/api", "Missing", fnrpc.KindJSON, countArgs{}, "")
	require.Error(t, err)

	var fw *fnrpc.FrameworkError
	require.True(t, errors.As(err, &fw))
	require.Equal(t, fnrpc.ErrNotFound, fw.Kind)
}

func TestTCPStreamCloseCancelsHandler(t *testing.T) {

	cancelled := make(chan struct{})

	b := fnserver.NewBuilder()
	require.NoError(t, b.Add(fnserver.NewStreamFunction("app/api", "Hold", fnrpc.KindJSON,
		func(ctx context.Context, in countArgs, st *fnserver.Stream) error {
			if err := st.Send(ctx, countValue{N: 1}); err != nil {
				return err
			}
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})))
	r, err := b.Freeze()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv := fnserver.NewListener(r)
	go srv.Serve(ln)

	ctx := context.Background()
	st, err := fnclient.OpenTCPStream[countValue, countValue](ctx, ln.Addr().String(), "app/api", "Hold", fnrpc.KindJSON, countArgs{}, "")
	require.NoError(t, err)

	v, err := st.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v.N)

	_ = st.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled after close")
	}
}

func TestTCPStreamApplicationError(t *testing.T) {

	addr := startTCPListener(t)
	ctx := context.Background()

	st, err := fnclient.OpenTCPStream[countValue, countValue](ctx, addr, "app/api", "CountFail", fnrpc.KindJSON, countArgs{}, "")
	require.NoError(t, err)
	defer st.Close()

	v, err := st.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v.N)

	_, err = st.Recv(ctx)
	require.Error(t, err)

	var appErr *fnrpc.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "exhausted", appErr.Code)
}
