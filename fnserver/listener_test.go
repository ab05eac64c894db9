/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/stretchr/testify/require"
)

func TestServeConnReturnsWithUnreadInput(t *testing.T) {

	b := NewBuilder()
	require.NoError(t, b.Add(NewDuplexFunction("app/api", "Drop", fnrpc.KindJSON,
		func(ctx context.Context, in note, st *Stream) error {
			return nil
		})))
	r, err := b.Freeze()
	require.NoError(t, err)

	srv := NewListener(r)
	srv.queueCap = 1

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveConn(server)
	}()

	conn := fnrpc.NewMsgConn(client, time.Second)
	codec, err := fnrpc.ByKind(fnrpc.KindJSON)
	require.NoError(t, err)
	args, err := codec.Marshal(note{Text: "x"})
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(fnrpc.NewStreamRequest("s1", fnrpc.DerivePath("app/api", "Drop"), args)))

	ready, err := conn.ReadMessage()
	require.NoError(t, err)
	mt, ok := fnrpc.GetMessageType(ready)
	require.True(t, ok)
	require.Equal(t, fnrpc.StreamReady, mt)

	// flood the input side past the queue capacity; the handler never
	// reads any of it
	go func() {
		for i := 0; i < 8; i++ {
			if err := conn.WriteMessage(fnrpc.NewStreamValue("s1", args)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt, ok := fnrpc.GetMessageType(msg); ok && mt == fnrpc.StreamEnd {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serving goroutine did not return")
	}
}
