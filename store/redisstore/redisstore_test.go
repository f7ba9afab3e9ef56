// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/redisstore"
	"github.com/Heerozh/HeTu-sub001/store/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, reg *schema.Registry) store.Backend {
		server := miniredis.RunT(t)
		backend, err := redisstore.Open(context.Background(), server.Addr(), "", 0, "hetu", reg)
		require.NoError(t, err)
		return backend
	})
}

func TestOpenFrom(t *testing.T) {
	server := miniredis.RunT(t)
	reg := testsuite.Registry(t)

	backend, err := redisstore.OpenFrom(context.Background(), "redis://"+server.Addr(), "hetu", reg)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	_, err = redisstore.OpenFrom(context.Background(), "://nope", "hetu", reg)
	require.Error(t, err)
}
