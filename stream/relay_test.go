package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamflow/types"
)

func TestChunkRelay_WriteRead(t *testing.T) {
	relay := NewChunkRelay(DefaultRelayConfig())
	defer relay.Close()
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("hello")))

	chunk, err := relay.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", chunk.Text)

	stats := relay.Stats()
	assert.Equal(t, int64(1), stats.Produced)
	assert.Equal(t, int64(1), stats.Consumed)
}

func TestChunkRelay_ReadChanDrainsAfterClose(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{BufferSize: 8})
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))
	require.NoError(t, relay.Write(ctx, types.TextChunk("b")))
	require.NoError(t, relay.Close())

	var got []string
	for chunk := range relay.ReadChan() {
		got = append(got, chunk.Text)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestChunkRelay_WriteAfterClose(t *testing.T) {
	relay := NewChunkRelay(DefaultRelayConfig())
	require.NoError(t, relay.Close())
	require.NoError(t, relay.Close(), "double close is safe")

	err := relay.Write(context.Background(), types.TextChunk("x"))
	assert.ErrorIs(t, err, ErrRelayClosed)
}

func TestChunkRelay_DropPolicyError(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{
		BufferSize:    2,
		HighWaterMark: 0.5,
		DropPolicy:    DropPolicyError,
	})
	defer relay.Close()
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))
	err := relay.Write(ctx, types.TextChunk("b"))
	assert.ErrorIs(t, err, ErrRelayFull)
	assert.True(t, relay.IsPaused())
}

func TestChunkRelay_DropPolicyOldest(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{
		BufferSize:    2,
		HighWaterMark: 0.5,
		DropPolicy:    DropPolicyOldest,
	})
	defer relay.Close()
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))
	require.NoError(t, relay.Write(ctx, types.TextChunk("b")))

	chunk, err := relay.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", chunk.Text, "oldest chunk dropped to make room")
	assert.Equal(t, int64(1), relay.Stats().Dropped)
}

func TestChunkRelay_DropPolicyNewest(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{
		BufferSize:    2,
		HighWaterMark: 0.5,
		DropPolicy:    DropPolicyNewest,
	})
	defer relay.Close()
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))
	require.NoError(t, relay.Write(ctx, types.TextChunk("b")))

	chunk, err := relay.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", chunk.Text, "newest chunk was discarded")
	assert.Equal(t, int64(1), relay.Stats().Dropped)
}

func TestChunkRelay_BlockPolicyUnblocksOnRead(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{
		BufferSize:    1,
		HighWaterMark: 0.5,
		DropPolicy:    DropPolicyBlock,
	})
	defer relay.Close()
	ctx := context.Background()

	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))

	done := make(chan error, 1)
	go func() {
		done <- relay.Write(ctx, types.TextChunk("b"))
	}()

	_, err := relay.Read(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write never completed")
	}
}

func TestChunkRelay_WriteRespectsContext(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{
		BufferSize:    1,
		HighWaterMark: 0.5,
		DropPolicy:    DropPolicyBlock,
	})
	defer relay.Close()

	require.NoError(t, relay.Write(context.Background(), types.TextChunk("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := relay.Write(ctx, types.TextChunk("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChunkRelay_BufferLevel(t *testing.T) {
	relay := NewChunkRelay(RelayConfig{BufferSize: 4})
	defer relay.Close()
	ctx := context.Background()

	assert.Zero(t, relay.BufferLevel())
	require.NoError(t, relay.Write(ctx, types.TextChunk("a")))
	require.NoError(t, relay.Write(ctx, types.TextChunk("b")))
	assert.InDelta(t, 0.5, relay.BufferLevel(), 0.001)
}
