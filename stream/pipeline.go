package stream

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/types"
)

// StopReason explains why a pipeline run ended.
type StopReason string

const (
	StopReasonSequence StopReason = "stop_sequence" // A configured stop sequence matched
	StopReasonFinish   StopReason = "finish"        // Upstream signalled completion
	StopReasonError    StopReason = "error"         // Upstream emitted an error chunk
	StopReasonCanceled StopReason = "canceled"      // Context canceled
)

// PipelineConfig configures a streaming post-processing run.
type PipelineConfig struct {
	StopSequences   []string    `json:"stop_sequences"`
	CoalesceMin     int         `json:"coalesce_min"`     // Min runes per emitted fragment, 0 = default
	DisableCoalesce bool        `json:"disable_coalesce"` // Emit per yield instead of per phrase
	Relay           RelayConfig `json:"relay"`            // Backpressure between upstream and stages
}

// Result summarizes a completed pipeline run.
type Result struct {
	Text         string       `json:"text"`
	StopReason   StopReason   `json:"stop_reason"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *types.Usage `json:"usage,omitempty"`
	Chunks       int          `json:"chunks"`
	Err          *types.Error `json:"error,omitempty"`
}

// EmitFunc receives post-processed chunks ready for the client. Returning an
// error aborts the run (typically: client went away).
type EmitFunc func(ctx context.Context, chunk types.Chunk) error

// Pipeline wires the per-session stages together: a ChunkRelay decouples the
// upstream producer with bounded backpressure, a RuneAssembler repairs split
// UTF-8 sequences, a StopBuffer enforces stop sequences with tail hold-back,
// and a Coalescer merges token-sized deltas into readable fragments before
// emission.
type Pipeline struct {
	config PipelineConfig
	logger *zap.Logger

	assembler *RuneAssembler
	stopper   *StopBuffer
	coalescer *Coalescer

	emitted strings.Builder
	index   int
}

// NewPipeline creates a pipeline for one streaming session. The enforcer is
// passed through to the StopBuffer; nil selects LiteralEnforcer.
func NewPipeline(config PipelineConfig, enforcer Enforcer, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:    config,
		logger:    logger.With(zap.String("component", "stream_pipeline")),
		assembler: NewRuneAssembler(),
		stopper:   NewStopBuffer(config.StopSequences, enforcer),
		coalescer: NewCoalescer(config.CoalesceMin),
	}
}

// Run drains the upstream chunk channel through the stages, calling emit for
// every post-processed fragment. It returns when the channel closes, a stop
// sequence matches, an error chunk arrives, or the context is canceled.
func (p *Pipeline) Run(ctx context.Context, upstream <-chan types.Chunk, emit EmitFunc) (Result, error) {
	result := Result{StopReason: StopReasonFinish}

	// 上游经过背压中继再进入各阶段。提前返回（命中停止序列）时
	// cancel 让 pump 退出, pump 负责关闭中继。
	relay := NewChunkRelay(p.config.Relay)
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go p.pump(pumpCtx, upstream, relay)

	for {
		select {
		case <-ctx.Done():
			result.StopReason = StopReasonCanceled
			return result, ctx.Err()

		case chunk, ok := <-relay.ReadChan():
			if !ok {
				stats := relay.Stats()
				p.logger.Debug("relay drained",
					zap.Int64("produced", stats.Produced),
					zap.Int64("dropped", stats.Dropped))
				return p.finish(ctx, result, emit)
			}
			if chunk.Err != nil {
				result.StopReason = StopReasonError
				result.Err = chunk.Err
				return result, chunk.Err
			}
			if chunk.Usage != nil {
				result.Usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				result.FinishReason = chunk.FinishReason
			}

			stopped, err := p.process(ctx, chunk, emit)
			if err != nil {
				return result, err
			}
			if stopped {
				result.StopReason = StopReasonSequence
				return p.finish(ctx, result, emit)
			}
		}
	}
}

// pump copies upstream chunks into the relay under the configured
// backpressure policy and closes the relay when the upstream ends. Only the
// pump closes the relay, so a concurrent Write can never hit a closed
// channel.
func (p *Pipeline) pump(ctx context.Context, upstream <-chan types.Chunk, relay *ChunkRelay) {
	defer relay.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-upstream:
			if !ok {
				return
			}
			if err := relay.Write(ctx, chunk); err != nil {
				return
			}
		}
	}
}

// process pushes one upstream chunk through assembler and stop buffer,
// emitting whatever becomes safe to release. Returns true when a stop
// sequence matched.
func (p *Pipeline) process(ctx context.Context, chunk types.Chunk, emit EmitFunc) (bool, error) {
	complete := p.assembler.Write(chunk.Text)
	if complete == "" && chunk.Text != "" {
		return false, nil
	}
	chunk.SetText(complete)
	p.stopper.Append(chunk)

	if p.stopper.ShouldStop() {
		p.logger.Debug("stop sequence matched",
			zap.Int("emitted_chunks", p.index))
		return true, p.drain(ctx, emit)
	}
	if p.stopper.CanYield() {
		return false, p.drain(ctx, emit)
	}
	return false, nil
}

// drain yields the pending accumulation and pushes it through the coalescer
// to the emit callback.
func (p *Pipeline) drain(ctx context.Context, emit EmitFunc) error {
	yielded, ok := p.stopper.Yield(nil)
	if !ok {
		return nil
	}
	if p.config.DisableCoalesce {
		if yielded.Text == "" {
			return nil
		}
		return p.emit(ctx, emit, yielded.Text)
	}
	for _, fragment := range p.coalescer.Consume(yielded.Text) {
		if err := p.emit(ctx, emit, fragment); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes the assembler tail through the stop buffer one last time,
// then drains everything still pending.
func (p *Pipeline) finish(ctx context.Context, result Result, emit EmitFunc) (Result, error) {
	if !p.stopper.Stopped() {
		if tail := p.assembler.Flush(); tail != "" {
			p.stopper.Append(types.TextChunk(tail))
		}
		if p.stopper.ShouldStop() {
			result.StopReason = StopReasonSequence
		}
		if err := p.drain(ctx, emit); err != nil {
			return result, err
		}
	} else if err := p.drain(ctx, emit); err != nil {
		return result, err
	}

	for _, fragment := range p.coalescer.Finalize() {
		if err := p.emit(ctx, emit, fragment); err != nil {
			return result, err
		}
	}

	if result.StopReason == StopReasonSequence && result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	result.Text = p.emitted.String()
	result.Chunks = p.index
	return result, nil
}

func (p *Pipeline) emit(ctx context.Context, emit EmitFunc, text string) error {
	out := types.TextChunk(text)
	out.Index = p.index
	p.index++
	p.emitted.WriteString(text)
	if emit == nil {
		return nil
	}
	return emit(ctx, out)
}
