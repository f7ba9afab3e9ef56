// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/wire"
)

func TestMessageRoundTrip(t *testing.T) {
	data, err := wire.Encode(&wire.Call{ID: 3, System: "move_to", Args: []any{3.0, 4.0}})
	require.NoError(t, err)
	decoded, err := wire.Decode(data)
	require.NoError(t, err)
	call := decoded.(*wire.Call)
	require.Equal(t, uint32(3), call.ID)
	require.Equal(t, "move_to", call.System)
	require.Len(t, call.Args, 2)

	data, err = wire.Encode(&wire.Subscribe{
		ID: 9, Kind: wire.KindRange, Component: "Position", Index: "owner",
		Args: []any{int64(1), int64(20), 10, false},
	})
	require.NoError(t, err)
	decoded, err = wire.Decode(data)
	require.NoError(t, err)
	sub := decoded.(*wire.Subscribe)
	require.Equal(t, wire.KindRange, sub.Kind)
	require.Equal(t, "owner", sub.Index)

	data, err = wire.Encode(&wire.Delta{
		ID: 9, Op: "update", RowID: 12,
		Row: &wire.Row{ID: 12, Version: 2, Fields: map[string]any{"x": 3.0}},
	})
	require.NoError(t, err)
	decoded, err = wire.Decode(data)
	require.NoError(t, err)
	delta := decoded.(*wire.Delta)
	require.Equal(t, uint64(12), delta.RowID)
	require.NotNil(t, delta.Row)
	require.Equal(t, 3.0, delta.Row.Fields["x"])
	require.Equal(t, uint64(2), delta.Row.Version)

	// delete deltas carry no row
	data, err = wire.Encode(&wire.Delta{ID: 9, Op: "delete", RowID: 12})
	require.NoError(t, err)
	decoded, err = wire.Decode(data)
	require.NoError(t, err)
	require.Nil(t, decoded.(*wire.Delta).Row)

	data, err = wire.Encode(&wire.Snapshot{ID: 1, Rows: []wire.Row{
		{ID: 1, Version: 1, Fields: map[string]any{"owner": int64(1)}},
	}})
	require.NoError(t, err)
	decoded, err = wire.Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded.(*wire.Snapshot).Rows, 1)
}

func TestMessageMalformed(t *testing.T) {
	_, err := wire.Decode([]byte{0xc0}) // nil is not an array
	require.Error(t, err)

	data, err := wire.Encode(&wire.Unsubscribe{ID: 1})
	require.NoError(t, err)
	data[0] = 0x91 // truncate the array to one element
	_, err = wire.Decode(data[:2])
	require.Error(t, err)

	_, err = wire.Encode(struct{}{})
	require.Error(t, err)
}

func handshake(t *testing.T, offerCompress bool) (client, server *wire.Cipher) {
	t.Helper()
	hello, priv, err := wire.NewHello(offerCompress)
	require.NoError(t, err)

	// the hello crosses the wire in plaintext
	helloBytes, err := wire.EncodeHello(hello)
	require.NoError(t, err)
	received, err := wire.DecodeHello(helloBytes)
	require.NoError(t, err)

	welcome, server, err := wire.Accept(received)
	require.NoError(t, err)

	welcomeBytes, err := wire.EncodeWelcome(welcome)
	require.NoError(t, err)
	receivedWelcome, err := wire.DecodeWelcome(welcomeBytes)
	require.NoError(t, err)

	client, err = wire.Finish(hello, priv, receivedWelcome)
	require.NoError(t, err)
	return client, server
}

func TestHandshakeRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		client, server := handshake(t, compress)
		require.Equal(t, compress, client.Compressed())

		// both directions must carry frames byte-identically
		for i := 0; i < 3; i++ {
			msg := []byte("the quick brown fox 0000000000000000000000000000")
			frame, err := client.Seal(msg)
			require.NoError(t, err)
			require.NotEqual(t, msg, frame)
			plain, err := server.Open(frame)
			require.NoError(t, err)
			require.Equal(t, msg, plain)

			frame, err = server.Seal(msg)
			require.NoError(t, err)
			plain, err = client.Open(frame)
			require.NoError(t, err)
			require.Equal(t, msg, plain)
		}
	}
}

func TestHandshakeRejects(t *testing.T) {
	hello, _, err := wire.NewHello(false)
	require.NoError(t, err)

	bad := *hello
	bad.Proto = 9
	_, _, err = wire.Accept(&bad)
	require.Error(t, err)

	bad = *hello
	bad.Key = bad.Key[:5]
	_, _, err = wire.Accept(&bad)
	require.Error(t, err)

	bad = *hello
	bad.Ciphers = []string{"rot13"}
	_, _, err = wire.Accept(&bad)
	require.Error(t, err)
}

func TestFrameTampering(t *testing.T) {
	client, server := handshake(t, false)
	frame, err := client.Seal([]byte("payload"))
	require.NoError(t, err)
	frame[0] ^= 0xFF
	_, err = server.Open(frame)
	require.Error(t, err)
}

func TestFrameReplay(t *testing.T) {
	client, server := handshake(t, false)
	frame, err := client.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = server.Open(frame)
	require.NoError(t, err)

	// the same frame again fails the nonce counter
	_, err = server.Open(frame)
	require.Error(t, err)
}
