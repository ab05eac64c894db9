/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/stretchr/testify/require"
)

type note struct {
	Text string `json:"text"`
}

func testStream(t *testing.T, queueCap int) *Stream {
	t.Helper()
	codec, err := fnrpc.ByKind(fnrpc.KindJSON)
	require.NoError(t, err)
	return newStream(codec, queueCap)
}

func TestStreamSendBackpressure(t *testing.T) {

	st := testStream(t, 1)

	// queue holds one frame; the second send must block until a
	// consumer drains, here until the context gives up
	require.NoError(t, st.Send(context.Background(), note{Text: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := st.Send(ctx, note{Text: "b"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	<-st.outC
	require.NoError(t, st.Send(context.Background(), note{Text: "b"}))
}

func TestStreamRecvCompletion(t *testing.T) {

	st := testStream(t, 4)

	payload, err := st.codec.Marshal(note{Text: "x"})
	require.NoError(t, err)
	st.inC <- payload
	st.closeIn()

	var v note
	require.NoError(t, st.Recv(context.Background(), &v))
	require.Equal(t, "x", v.Text)

	// completion is distinct from any value
	err = st.Recv(context.Background(), &v)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamFailureReleasesBothEnds(t *testing.T) {

	st := testStream(t, 1)
	require.NoError(t, st.Send(context.Background(), note{Text: "a"}))

	st.fail(fnrpc.Transport("stream read", io.ErrUnexpectedEOF))
	st.closeIn()

	err := st.Send(context.Background(), note{Text: "b"})
	var terr *fnrpc.TransportError
	require.ErrorAs(t, err, &terr)

	var v note
	err = st.Recv(context.Background(), &v)
	require.ErrorAs(t, err, &terr)
}

func TestStreamCloseOutIsIdempotent(t *testing.T) {

	st := testStream(t, 1)
	st.closeOut()
	st.closeOut()

	err := st.Send(context.Background(), note{Text: "a"})
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamFinishReleasesBlockedProducer(t *testing.T) {

	st := testStream(t, 1)
	st.inC <- []byte(`{}`)

	// a producer parked on the full input queue, the position of a read
	// loop whose handler returned without draining
	released := make(chan struct{})
	go func() {
		defer close(released)
		select {
		case st.inC <- []byte(`{}`):
		case <-st.closeCh:
		}
	}()

	st.finish()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after completion")
	}

	// clean completion records no failure
	require.NoError(t, st.failure.Load())
}

func TestStreamCloseOutConcurrentWithSend(t *testing.T) {

	st := testStream(t, 2)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range st.outC {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := st.Send(context.Background(), note{Text: "x"}); err != nil {
					return
				}
			}
		}()
	}

	st.closeOut()
	wg.Wait()
	<-drained

	require.ErrorIs(t, st.Send(context.Background(), note{Text: "x"}), ErrStreamClosed)
}

func TestStreamIdsAreUnique(t *testing.T) {

	a := testStream(t, 1)
	b := testStream(t, 1)
	require.NotEmpty(t, a.Id())
	require.NotEqual(t, a.Id(), b.Id())
}
