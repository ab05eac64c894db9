/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/codeallergy/fn-rpc/fnserver"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text"`
}

func echoFn(ctx context.Context, in echoArgs) (echoArgs, error) {
	return in, nil
}

func TestFreezeAndResolve(t *testing.T) {

	b := fnserver.NewBuilder()
	d := fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodPost, echoFn)
	require.NoError(t, b.Add(d))

	r, err := b.Freeze()
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	// resolve is a pure function of the path after freeze
	first, ok := r.Resolve(d.Path)
	require.True(t, ok)
	second, ok := r.Resolve(d.Path)
	require.True(t, ok)
	require.Same(t, first, second)
	require.Same(t, d, first)
}

func TestEmptyRegistryIsValid(t *testing.T) {

	r, err := fnserver.NewBuilder().Freeze()
	require.NoError(t, err)
	require.Equal(t, 0, r.Len())

	_, ok := r.Resolve("/fn/anything-0000000000000000")
	require.False(t, ok)
}

func TestCollisionFailsFreeze(t *testing.T) {

	b := fnserver.NewBuilder()
	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodPost, echoFn)))
	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodPost, echoFn)))

	_, err := b.Freeze()
	require.ErrorIs(t, err, fnserver.ErrRegistrationCollision)
	require.Contains(t, err.Error(), "Echo")
}

func TestFrozenBuilderRejectsChanges(t *testing.T) {

	b := fnserver.NewBuilder()
	_, err := b.Freeze()
	require.NoError(t, err)

	err = b.Add(fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodPost, echoFn))
	require.ErrorIs(t, err, fnserver.ErrBuilderFrozen)

	_, err = b.Freeze()
	require.ErrorIs(t, err, fnserver.ErrBuilderFrozen)
}

func TestGetRequiresURLQueryCodec(t *testing.T) {

	b := fnserver.NewBuilder()
	require.NoError(t, b.Add(fnserver.NewFunction("app/api", "Echo", fnrpc.KindJSON, http.MethodGet, echoFn)))

	_, err := b.Freeze()
	require.Error(t, err)
}
