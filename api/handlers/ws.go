package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/streamflow/api"
	"github.com/BaSui01/streamflow/config"
	"github.com/BaSui01/streamflow/internal/metrics"
	"github.com/BaSui01/streamflow/session"
	"github.com/BaSui01/streamflow/stream"
	"github.com/BaSui01/streamflow/types"
	"github.com/BaSui01/streamflow/upstream"
)

// =============================================================================
// 🔌 WebSocket 流式 Handler
// =============================================================================

// WSHandler WebSocket 流式处理器。客户端建连后发送一条 JSON 编码的
// ChatRequest, 网关把后处理过的增量逐帧推回, 终帧带停止原因和用量。
type WSHandler struct {
	client   UpstreamClient
	sessions *session.Manager
	stopCfg  config.StopConfig
	pipeCfg  config.PipelineConfig
	enforcer stream.Enforcer
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewWSHandler 创建 WebSocket 流式处理器
func NewWSHandler(client UpstreamClient, sessions *session.Manager, stopCfg config.StopConfig, pipeCfg config.PipelineConfig, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		client:   client,
		sessions: sessions,
		stopCfg:  stopCfg,
		pipeCfg:  pipeCfg,
		logger:   logger.With(zap.String("component", "ws_handler")),
	}
}

// SetEnforcer 替换停止序列截断策略, nil 使用字面匹配
func (h *WSHandler) SetEnforcer(e stream.Enforcer) { h.enforcer = e }

// SetMetrics 注入指标采集器
func (h *WSHandler) SetMetrics(c *metrics.Collector) { h.metrics = c }

// wsConn 带写锁的连接包装。WebSocket 不支持并发写。
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// HandleStream 处理 GET /v1/chat/stream（WebSocket 升级）
// @Summary WebSocket 流式聊天
// @Description 升级为 WebSocket 后发送一条聊天请求, 接收后处理的增量帧
// @Tags 聊天
// @Router /v1/chat/stream [get]
func (h *WSHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close(websocket.StatusInternalError, "handler exited")

	ctx := r.Context()

	// 首帧: 聊天请求
	readCtx, cancelRead := context.WithTimeout(ctx, 30*time.Second)
	_, payload, err := conn.Read(readCtx)
	cancelRead()
	if err != nil {
		h.logger.Debug("websocket request read failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "expected chat request")
		return
	}

	var req api.ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.writeError(ctx, wc, types.NewError(types.ErrInvalidRequest, "invalid JSON request").WithCause(err))
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}
	if err := validateChatRequest(&req, h.stopCfg); err != nil {
		h.writeError(ctx, wc, err)
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	stops := effectiveStops(&req, h.stopCfg)
	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{Role: types.Role(msg.Role), Content: msg.Content, Name: msg.Name}
	}
	upReq := &upstream.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	sess, err := h.sessions.Create(ctx, h.client.Name(), req.Model, messages)
	if err != nil {
		h.writeError(ctx, wc, err)
		conn.Close(websocket.StatusInternalError, "session create failed")
		return
	}

	source, err := h.client.Stream(ctx, upReq)
	if err != nil {
		h.finishFailed(ctx, sess.ID, err)
		h.writeError(ctx, wc, err)
		conn.Close(websocket.StatusInternalError, "upstream failed")
		return
	}

	pipeline := stream.NewPipeline(stream.PipelineConfig{
		StopSequences:   stops,
		CoalesceMin:     h.pipeCfg.CoalesceMinChars,
		DisableCoalesce: req.DisableCoalesce || h.pipeCfg.DisableCoalesce,
		Relay:           relayConfig(h.pipeCfg),
	}, h.enforcer, h.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)

	// 读泵: 客户端关闭或发来任何后续帧都结束会话
	g.Go(func() error {
		_, _, err := conn.Read(gctx)
		cancel()
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})

	var result stream.Result
	g.Go(func() error {
		defer cancel()
		var runErr error
		result, runErr = pipeline.Run(gctx, source, func(ctx context.Context, chunk types.Chunk) error {
			frame := api.StreamChunk{
				SessionID: sess.ID,
				Index:     chunk.Index,
				Delta:     api.Message{Role: "assistant", Content: chunk.Text},
			}
			if err := wc.writeJSON(ctx, frame); err != nil {
				return types.NewError(types.ErrStreamClosed, "client went away").WithCause(err)
			}
			if h.metrics != nil {
				h.metrics.RecordChunkEmitted("ws")
			}
			return nil
		})
		return runErr
	})

	runErr := g.Wait()
	if h.metrics != nil {
		h.metrics.RecordStreamDuration(h.client.Name(), string(result.StopReason), time.Since(start))
		if result.StopReason == stream.StopReasonSequence {
			h.metrics.RecordStopHit(h.client.Name())
		}
	}

	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if result.StopReason == stream.StopReasonError {
			h.writeError(finishCtx, wc, runErr)
		}
		h.finishFailed(finishCtx, sess.ID, runErr)
		conn.Close(websocket.StatusNormalClosure, "stream ended")
		return
	}

	// 终帧
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
	if err := wc.writeJSON(finishCtx, final); err != nil {
		h.finishFailed(finishCtx, sess.ID, err)
		return
	}

	if _, err := h.sessions.Finish(finishCtx, sess.ID, session.FinishInput{
		Output:       result.Text,
		StopReason:   string(result.StopReason),
		FinishReason: result.FinishReason,
		Usage:        result.Usage,
	}); err != nil {
		h.logger.Error("session finish failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func (h *WSHandler) finishFailed(ctx context.Context, sessionID string, cause error) {
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

// writeError 推送一个错误帧
func (h *WSHandler) writeError(ctx context.Context, wc *wsConn, err error) {
	detail := &api.ErrorDetail{Code: string(types.ErrInternalError), Message: "internal error"}
	if typed, ok := err.(*types.Error); ok {
		detail.Code = string(typed.Code)
		detail.Message = typed.Message
		detail.Retryable = typed.Retryable
		detail.Provider = typed.Provider
	}
	if werr := wc.writeJSON(ctx, api.StreamChunk{Error: detail}); werr != nil {
		h.logger.Debug("error frame not delivered", zap.Error(werr))
	}
}
