// Package streamflow provides a top-level convenience entry point for
// running stop-sequence-aware stream post-processing with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/streamflow"
//
//	p := streamflow.New(streamflow.WithStopSequences("\nObservation:"))
//	result, err := p.Run(ctx, chunks, emit)
//
// This is a thin wrapper around [stream.NewPipeline]; both produce identical
// results. Use this package when you prefer the shorter import path.
package streamflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/stream"
)

// Option configures the pipeline created by [New].
type Option func(*options)

type options struct {
	config   stream.PipelineConfig
	enforcer stream.Enforcer
	logger   *zap.Logger
}

// WithStopSequences sets the stop sequences the pipeline truncates at.
func WithStopSequences(sequences ...string) Option {
	return func(o *options) { o.config.StopSequences = sequences }
}

// WithCoalesceMin sets the minimum number of characters buffered before a
// fragment is released downstream. Zero keeps the built-in default.
func WithCoalesceMin(n int) Option {
	return func(o *options) { o.config.CoalesceMin = n }
}

// WithoutCoalesce disables fragment coalescing so every yield is forwarded
// as its own chunk.
func WithoutCoalesce() Option {
	return func(o *options) { o.config.DisableCoalesce = true }
}

// WithRelayConfig tunes the backpressure relay between the upstream
// producer and the pipeline stages. The zero value uses built-in defaults.
func WithRelayConfig(cfg stream.RelayConfig) Option {
	return func(o *options) { o.config.Relay = cfg }
}

// WithEnforcer replaces the truncation strategy. The default is literal
// earliest-occurrence matching.
func WithEnforcer(e stream.Enforcer) Option {
	return func(o *options) { o.enforcer = e }
}

// WithLogger attaches a zap logger to the pipeline.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a [stream.Pipeline] with the given options.
func New(opts ...Option) *stream.Pipeline {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return stream.NewPipeline(o.config, o.enforcer, o.logger)
}
