package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/api"
	"github.com/BaSui01/streamflow/config"
	"github.com/BaSui01/streamflow/internal/metrics"
	"github.com/BaSui01/streamflow/session"
	"github.com/BaSui01/streamflow/stream"
	"github.com/BaSui01/streamflow/types"
	"github.com/BaSui01/streamflow/upstream"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// UpstreamClient 上游客户端接口, 便于测试时替换
type UpstreamClient interface {
	Name() string
	Completion(ctx context.Context, req *upstream.ChatRequest) (*upstream.ChatResponse, error)
	Stream(ctx context.Context, req *upstream.ChatRequest) (<-chan types.Chunk, error)
}

// ChatHandler 聊天接口处理器。流式路径把上游 delta 送进后处理管线,
// 在服务端完成停止序列截断后再下发给客户端。
type ChatHandler struct {
	client   UpstreamClient
	sessions *session.Manager
	stopCfg  config.StopConfig
	pipeCfg  config.PipelineConfig
	enforcer stream.Enforcer
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(client UpstreamClient, sessions *session.Manager, stopCfg config.StopConfig, pipeCfg config.PipelineConfig, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		client:   client,
		sessions: sessions,
		stopCfg:  stopCfg,
		pipeCfg:  pipeCfg,
		logger:   logger,
	}
}

// SetEnforcer 替换停止序列截断策略, nil 使用字面匹配
func (h *ChatHandler) SetEnforcer(e stream.Enforcer) { h.enforcer = e }

// SetMetrics 注入指标采集器
func (h *ChatHandler) SetMetrics(c *metrics.Collector) { h.metrics = c }

// HandleCompletion 处理非流式聊天补全请求
// @Summary 聊天完成
// @Description 发送聊天完成请求, 输出在服务端按停止序列截断
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "上游错误"
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateChatRequest(&req, h.stopCfg); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	stops := effectiveStops(&req, h.stopCfg)
	upReq := h.convertToUpstreamRequest(&req)

	ctx := r.Context()
	if timeout := parseTimeout(req.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sess, err := h.sessions.Create(ctx, h.client.Name(), upReq.Model, upReq.Messages)
	if err != nil {
		WriteTypedError(w, err, h.logger)
		return
	}

	start := time.Now()
	resp, err := h.client.Completion(ctx, upReq)
	if err != nil {
		h.finishFailed(ctx, sess.ID, err)
		WriteTypedError(w, err, h.logger)
		return
	}

	// 非流式路径一次性截断
	enforcer := h.enforcer
	if enforcer == nil {
		enforcer = stream.NewLiteralEnforcer()
	}
	content := enforcer.Enforce(resp.Content, stops)
	stopReason := string(stream.StopReasonFinish)
	finishReason := resp.Finish
	if content != resp.Content {
		stopReason = string(stream.StopReasonSequence)
		finishReason = "stop"
		if h.metrics != nil {
			h.metrics.RecordStopHit(h.client.Name())
		}
	}

	finished, err := h.sessions.Finish(ctx, sess.ID, session.FinishInput{
		Output:       content,
		StopReason:   stopReason,
		FinishReason: finishReason,
		Usage:        resp.Usage,
	})
	if err != nil {
		WriteTypedError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion",
		zap.String("session_id", sess.ID),
		zap.String("model", resp.Model),
		zap.String("stop_reason", stopReason),
		zap.Duration("duration", time.Since(start)),
	)

	WriteSuccess(w, &api.ChatResponse{
		ID:           resp.ID,
		SessionID:    sess.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Content:      content,
		StopReason:   stopReason,
		FinishReason: finishReason,
		Usage: api.ChatUsage{
			PromptTokens:     finished.PromptTokens,
			CompletionTokens: finished.CompletionTokens,
			TotalTokens:      finished.TotalTokens(),
		},
		CreatedAt: resp.CreatedAt,
	})
}

// HandleStream 处理流式聊天请求（SSE）
// @Summary 流式聊天完成
// @Description 发送流式聊天完成请求, 输出经停止序列后处理管线
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "上游错误"
// @Router /v1/chat/completions/stream [post]
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := validateChatRequest(&req, h.stopCfg); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	stops := effectiveStops(&req, h.stopCfg)
	upReq := h.convertToUpstreamRequest(&req)
	ctx := r.Context()

	sess, err := h.sessions.Create(ctx, h.client.Name(), upReq.Model, upReq.Messages)
	if err != nil {
		WriteTypedError(w, err, h.logger)
		return
	}

	source, err := h.client.Stream(ctx, upReq)
	if err != nil {
		h.finishFailed(ctx, sess.ID, err)
		WriteTypedError(w, err, h.logger)
		return
	}

	// SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	pipeline := stream.NewPipeline(stream.PipelineConfig{
		StopSequences:   stops,
		CoalesceMin:     h.pipeCfg.CoalesceMinChars,
		DisableCoalesce: req.DisableCoalesce || h.pipeCfg.DisableCoalesce,
		Relay:           relayConfig(h.pipeCfg),
	}, h.enforcer, h.logger)

	start := time.Now()
	emit := func(ctx context.Context, chunk types.Chunk) error {
		frame := api.StreamChunk{
			SessionID: sess.ID,
			Index:     chunk.Index,
			Delta:     api.Message{Role: "assistant", Content: chunk.Text},
		}
		if err := writeSSEFrame(w, flusher, frame); err != nil {
			return types.NewError(types.ErrStreamClosed, "client went away").WithCause(err)
		}
		if h.metrics != nil {
			h.metrics.RecordChunkEmitted("sse")
		}
		return nil
	}

	result, runErr := pipeline.Run(ctx, source, emit)
	h.recordStream(result, start)

	if runErr != nil && result.StopReason == stream.StopReasonError {
		// 上游错误, SSE 错误事件下发后结束
		writeSSEError(w, flusher, result.Err)
		h.finishFailed(ctx, sess.ID, runErr)
		return
	}
	if runErr != nil {
		// 客户端断开或取消, 尽力落账
		h.finishFailed(context.WithoutCancel(ctx), sess.ID, runErr)
		return
	}

	// 终帧带停止原因和用量
	final := api.StreamChunk{
		SessionID:    sess.ID,
		Index:        result.Chunks,
		Delta:        api.Message{Role: "assistant"},
		StopReason:   string(result.StopReason),
		FinishReason: result.FinishReason,
	}
	if result.Usage != nil {
		final.Usage = &api.ChatUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	if err := writeSSEFrame(w, flusher, final); err != nil {
		h.finishFailed(context.WithoutCancel(ctx), sess.ID, err)
		return
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	if _, err := h.sessions.Finish(ctx, sess.ID, session.FinishInput{
		Output:       result.Text,
		StopReason:   string(result.StopReason),
		FinishReason: result.FinishReason,
		Usage:        result.Usage,
	}); err != nil {
		h.logger.Error("session finish failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateChatRequest 验证聊天请求, SSE 与 WebSocket 路径共用
func validateChatRequest(req *api.ChatRequest, stopCfg config.StopConfig) *types.Error {
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	if stopCfg.MaxSequences > 0 && len(req.Stop) > stopCfg.MaxSequences {
		return types.NewError(types.ErrInvalidRequest, "too many stop sequences")
	}
	for _, stop := range req.Stop {
		if stop == "" {
			return types.NewError(types.ErrInvalidRequest, "stop sequences must not be empty")
		}
		if stopCfg.MaxSequenceLength > 0 && len(stop) > stopCfg.MaxSequenceLength {
			return types.NewError(types.ErrInvalidRequest, "stop sequence too long")
		}
	}
	return nil
}

// effectiveStops 请求未指定停止序列时回落到配置默认值
func effectiveStops(req *api.ChatRequest, stopCfg config.StopConfig) []string {
	if len(req.Stop) > 0 {
		return req.Stop
	}
	return stopCfg.DefaultSequences
}

// relayConfig 把配置里的背压参数转换为中继配置, 零值由中继自行补默认
func relayConfig(pipeCfg config.PipelineConfig) stream.RelayConfig {
	return stream.RelayConfig{
		BufferSize:    pipeCfg.RelayBufferSize,
		HighWaterMark: pipeCfg.RelayHighWaterMark,
		LowWaterMark:  pipeCfg.RelayLowWaterMark,
	}
}

// convertToUpstreamRequest 转换为上游请求。停止序列不透传给上游,
// 截断由网关负责, 上游原生截断会丢掉判定停止边界所需的尾部文本。
func (h *ChatHandler) convertToUpstreamRequest(req *api.ChatRequest) *upstream.ChatRequest {
	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:    types.Role(msg.Role),
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	return &upstream.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

// finishFailed 将会话标记为失败, 失败本身只记日志
func (h *ChatHandler) finishFailed(ctx context.Context, sessionID string, cause error) {
	if _, err := h.sessions.Finish(ctx, sessionID, session.FinishInput{
		StopReason: string(stream.StopReasonError),
		Failed:     true,
	}); err != nil {
		h.logger.Warn("failed session not recorded",
			zap.String("session_id", sessionID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// recordStream 上报流式指标
func (h *ChatHandler) recordStream(result stream.Result, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordStreamDuration(h.client.Name(), string(result.StopReason), time.Since(start))
	if result.StopReason == stream.StopReasonSequence {
		h.metrics.RecordStopHit(h.client.Name())
	}
}

// parseTimeout 解析请求超时, 非法值忽略
func parseTimeout(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// writeSSEFrame 写一个 data: 帧并刷出
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeSSEError 写一个 error 事件。json.Marshal 转义错误消息, 防止注入。
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err *types.Error) {
	msg := "stream error"
	code := string(types.ErrUpstreamError)
	if err != nil {
		msg = err.Message
		code = string(err.Code)
	}
	payload, _ := json.Marshal(map[string]string{"code": code, "error": msg})
	w.Write([]byte("event: error\n"))
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
