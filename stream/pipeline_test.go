package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/types"
)

func runPipeline(t *testing.T, config PipelineConfig, chunks []types.Chunk) (Result, []string, error) {
	t.Helper()

	upstream := make(chan types.Chunk, len(chunks))
	for _, c := range chunks {
		upstream <- c
	}
	close(upstream)

	var emitted []string
	p := NewPipeline(config, nil, zap.NewNop())
	result, err := p.Run(context.Background(), upstream, func(_ context.Context, c types.Chunk) error {
		emitted = append(emitted, c.Text)
		return nil
	})
	return result, emitted, err
}

func textChunks(texts ...string) []types.Chunk {
	out := make([]types.Chunk, 0, len(texts))
	for _, s := range texts {
		out = append(out, types.TextChunk(s))
	}
	return out
}

func TestPipeline_PassThrough(t *testing.T) {
	result, emitted, err := runPipeline(t,
		PipelineConfig{DisableCoalesce: true},
		textChunks("hello ", "world"))

	require.NoError(t, err)
	assert.Equal(t, StopReasonFinish, result.StopReason)
	assert.Equal(t, "hello world", result.Text)
	assert.Equal(t, "hello world", strings.Join(emitted, ""))
}

func TestPipeline_StopSequenceTruncates(t *testing.T) {
	result, emitted, err := runPipeline(t,
		PipelineConfig{StopSequences: []string{"STOP"}, DisableCoalesce: true},
		textChunks("one two ", "three STOP four", " five"))

	require.NoError(t, err)
	assert.Equal(t, StopReasonSequence, result.StopReason)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, "one two three ", result.Text)
	assert.Equal(t, "one two three ", strings.Join(emitted, ""))
}

func TestPipeline_StopSequenceAcrossChunks(t *testing.T) {
	result, _, err := runPipeline(t,
		PipelineConfig{StopSequences: []string{"\n\nHuman:"}, DisableCoalesce: true},
		textChunks("answer.", "\n", "\nHum", "an: next question"))

	require.NoError(t, err)
	assert.Equal(t, StopReasonSequence, result.StopReason)
	assert.Equal(t, "answer.", result.Text)
}

func TestPipeline_StopCompletesInFinalChunk(t *testing.T) {
	result, _, err := runPipeline(t,
		PipelineConfig{StopSequences: []string{"END"}, DisableCoalesce: true},
		textChunks("abcEN", "D"))

	require.NoError(t, err)
	assert.Equal(t, StopReasonSequence, result.StopReason)
	assert.Equal(t, "abc", result.Text)
}

func TestPipeline_SplitUTF8Reassembled(t *testing.T) {
	raw := []byte("你好世界")
	result, emitted, err := runPipeline(t,
		PipelineConfig{DisableCoalesce: true},
		textChunks(string(raw[:1]), string(raw[1:5]), string(raw[5:])))

	require.NoError(t, err)
	assert.Equal(t, "你好世界", result.Text)
	for _, e := range emitted {
		assert.True(t, strings.ContainsAny(e, "你好世界"))
	}
}

func TestPipeline_CoalescesSmallDeltas(t *testing.T) {
	deltas := strings.SplitAfter("the quick brown fox jumps over the lazy dog and keeps on running", " ")
	result, emitted, err := runPipeline(t,
		PipelineConfig{CoalesceMin: 16},
		textChunks(deltas...))

	require.NoError(t, err)
	assert.Equal(t, strings.Join(deltas, ""), result.Text)
	assert.Less(t, len(emitted), len(deltas), "fragments should be coalesced")
	assert.Equal(t, result.Chunks, len(emitted))
}

func TestPipeline_PropagatesUpstreamError(t *testing.T) {
	upstreamErr := types.NewError(types.ErrProviderUnavailable, "upstream gone")
	chunks := textChunks("partial")
	chunks = append(chunks, types.Chunk{Err: upstreamErr})

	result, _, err := runPipeline(t,
		PipelineConfig{DisableCoalesce: true}, chunks)

	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Equal(t, upstreamErr, result.Err)
	require.Error(t, err)
}

func TestPipeline_CollectsUsageAndFinishReason(t *testing.T) {
	final := types.TextChunk("")
	final.FinishReason = "length"
	final.Usage = &types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	result, _, err := runPipeline(t,
		PipelineConfig{DisableCoalesce: true},
		append(textChunks("truncated output"), final))

	require.NoError(t, err)
	assert.Equal(t, StopReasonFinish, result.StopReason)
	assert.Equal(t, "length", result.FinishReason)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestPipeline_ContextCancellation(t *testing.T) {
	upstream := make(chan types.Chunk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(PipelineConfig{}, nil, nil)
	result, err := p.Run(ctx, upstream, nil)

	assert.Equal(t, StopReasonCanceled, result.StopReason)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_EmitErrorAborts(t *testing.T) {
	upstream := make(chan types.Chunk, 2)
	upstream <- types.TextChunk("hello world this is long enough")
	close(upstream)

	wantErr := types.NewError(types.ErrStreamClosed, "client gone")
	p := NewPipeline(PipelineConfig{DisableCoalesce: true}, nil, nil)
	_, err := p.Run(context.Background(), upstream, func(context.Context, types.Chunk) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestPipeline_CustomEnforcer(t *testing.T) {
	upper := EnforcerFunc(func(text string, stops []string) string {
		if i := strings.Index(strings.ToUpper(text), "HALT"); i >= 0 {
			return text[:i]
		}
		return text
	})

	upstream := make(chan types.Chunk, 1)
	upstream <- types.TextChunk("before halt after")
	close(upstream)

	p := NewPipeline(PipelineConfig{StopSequences: []string{"HALT"}, DisableCoalesce: true}, upper, nil)
	result, err := p.Run(context.Background(), upstream, nil)

	require.NoError(t, err)
	assert.Equal(t, StopReasonSequence, result.StopReason)
	assert.Equal(t, "before ", result.Text)
}

func TestPipeline_RelayTinyBufferPreservesOrder(t *testing.T) {
	// 背压中继缓冲极小也不得打乱或丢失块
	result, emitted, err := runPipeline(t,
		PipelineConfig{
			DisableCoalesce: true,
			Relay:           RelayConfig{BufferSize: 1, HighWaterMark: 0.5},
		},
		textChunks("a", "b", "c", "d", "e", "f", "g", "h"))

	require.NoError(t, err)
	assert.Equal(t, StopReasonFinish, result.StopReason)
	assert.Equal(t, "abcdefgh", result.Text)
	assert.Equal(t, "abcdefgh", strings.Join(emitted, ""))
}

func TestPipeline_RelayStopReturnsWhileProducerStillSending(t *testing.T) {
	// 停止序列出现在早期时, Run 必须立即返回而不是等上游发完
	upstream := make(chan types.Chunk)
	done := make(chan struct{})
	go func() {
		defer close(upstream)
		upstream <- types.TextChunk("head STOP tail")
		for {
			select {
			case <-done:
				return
			case upstream <- types.TextChunk("noise"):
			}
		}
	}()

	p := NewPipeline(PipelineConfig{
		StopSequences:   []string{"STOP"},
		DisableCoalesce: true,
		Relay:           RelayConfig{BufferSize: 2},
	}, nil, zap.NewNop())

	result, err := p.Run(context.Background(), upstream, nil)
	close(done)

	require.NoError(t, err)
	assert.Equal(t, StopReasonSequence, result.StopReason)
	assert.Equal(t, "head ", result.Text)
}
