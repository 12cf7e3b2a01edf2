package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/BaSui01/streamflow/types"
)

var (
	ErrRelayFull   = errors.New("relay buffer full, backpressure applied")
	ErrRelayClosed = errors.New("relay closed")
)

// DropPolicy defines what to do when the relay buffer is full.
type DropPolicy int

const (
	DropPolicyBlock  DropPolicy = iota // Block producer
	DropPolicyOldest                   // Drop oldest chunks
	DropPolicyNewest                   // Drop newest chunks
	DropPolicyError                    // Return error
)

// RelayConfig configures backpressure behavior.
type RelayConfig struct {
	BufferSize    int        `json:"buffer_size"`
	HighWaterMark float64    `json:"high_water_mark"` // 0.0-1.0
	LowWaterMark  float64    `json:"low_water_mark"`  // 0.0-1.0
	DropPolicy    DropPolicy `json:"drop_policy"`
}

// DefaultRelayConfig returns optimized defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BufferSize:    256,
		HighWaterMark: 0.8,
		LowWaterMark:  0.2,
		DropPolicy:    DropPolicyBlock,
	}
}

// ChunkRelay is a backpressure-aware chunk channel between the upstream
// producer and a downstream consumer (SSE or WebSocket writer).
type ChunkRelay struct {
	config RelayConfig
	buffer chan types.Chunk
	done   chan struct{}
	closed atomic.Bool

	// Metrics
	produced  atomic.Int64
	consumed  atomic.Int64
	dropped   atomic.Int64
	blocked   atomic.Int64
	lastWrite atomic.Int64
	lastRead  atomic.Int64

	paused atomic.Bool
}

// NewChunkRelay creates a new backpressure-aware relay. Zero or invalid
// buffer/watermark values fall back to DefaultRelayConfig.
func NewChunkRelay(config RelayConfig) *ChunkRelay {
	def := DefaultRelayConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.HighWaterMark <= 0 || config.HighWaterMark > 1 {
		config.HighWaterMark = def.HighWaterMark
	}
	if config.LowWaterMark <= 0 || config.LowWaterMark >= config.HighWaterMark {
		config.LowWaterMark = config.HighWaterMark / 4
	}
	return &ChunkRelay{
		config: config,
		buffer: make(chan types.Chunk, config.BufferSize),
		done:   make(chan struct{}),
	}
}

// Write sends a chunk to the relay with backpressure handling.
func (r *ChunkRelay) Write(ctx context.Context, chunk types.Chunk) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}

	r.lastWrite.Store(time.Now().UnixNano())

	level := float64(len(r.buffer)) / float64(r.config.BufferSize)

	if level >= r.config.HighWaterMark {
		r.paused.Store(true)
		r.blocked.Add(1)

		switch r.config.DropPolicy {
		case DropPolicyBlock:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.done:
				return ErrRelayClosed
			case r.buffer <- chunk:
				r.produced.Add(1)
				return nil
			}

		case DropPolicyOldest:
			// Drop the oldest chunk, then retry the send without blocking
			// so a concurrent refill cannot deadlock the producer.
			select {
			case <-r.buffer:
				r.dropped.Add(1)
			default:
			}
			select {
			case r.buffer <- chunk:
				r.produced.Add(1)
			default:
				r.dropped.Add(1)
			}
			return nil

		case DropPolicyNewest:
			r.dropped.Add(1)
			return nil

		case DropPolicyError:
			return ErrRelayFull
		}
	}

	if level <= r.config.LowWaterMark {
		r.paused.Store(false)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRelayClosed
	case r.buffer <- chunk:
		r.produced.Add(1)
		return nil
	}
}

// Read receives one chunk from the relay.
func (r *ChunkRelay) Read(ctx context.Context) (types.Chunk, error) {
	if r.closed.Load() && len(r.buffer) == 0 {
		return types.Chunk{}, ErrRelayClosed
	}

	r.lastRead.Store(time.Now().UnixNano())

	select {
	case <-ctx.Done():
		return types.Chunk{}, ctx.Err()
	case chunk, ok := <-r.buffer:
		if !ok {
			return types.Chunk{}, ErrRelayClosed
		}
		r.consumed.Add(1)
		return chunk, nil
	}
}

// ReadChan returns the underlying channel for range-style consumption.
func (r *ChunkRelay) ReadChan() <-chan types.Chunk {
	return r.buffer
}

// Close closes the relay. Buffered chunks remain readable.
func (r *ChunkRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.done)
	close(r.buffer)
	return nil
}

// IsPaused reports whether the relay is paused due to backpressure.
func (r *ChunkRelay) IsPaused() bool {
	return r.paused.Load()
}

// BufferLevel returns the current buffer utilization (0.0-1.0).
func (r *ChunkRelay) BufferLevel() float64 {
	return float64(len(r.buffer)) / float64(r.config.BufferSize)
}

// Stats returns a snapshot of relay statistics.
func (r *ChunkRelay) Stats() RelayStats {
	return RelayStats{
		Produced:   r.produced.Load(),
		Consumed:   r.consumed.Load(),
		Dropped:    r.dropped.Load(),
		Blocked:    r.blocked.Load(),
		BufferSize: len(r.buffer),
		BufferCap:  r.config.BufferSize,
		IsPaused:   r.paused.Load(),
		LastWrite:  time.Unix(0, r.lastWrite.Load()),
		LastRead:   time.Unix(0, r.lastRead.Load()),
	}
}

// RelayStats contains relay statistics.
type RelayStats struct {
	Produced   int64     `json:"produced"`
	Consumed   int64     `json:"consumed"`
	Dropped    int64     `json:"dropped"`
	Blocked    int64     `json:"blocked"`
	BufferSize int       `json:"buffer_size"`
	BufferCap  int       `json:"buffer_cap"`
	IsPaused   bool      `json:"is_paused"`
	LastWrite  time.Time `json:"last_write"`
	LastRead   time.Time `json:"last_read"`
}
