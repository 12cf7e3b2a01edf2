package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/api"
	"github.com/BaSui01/streamflow/session"
	"github.com/BaSui01/streamflow/types"
)

// =============================================================================
// 📋 会话查询 Handler
// =============================================================================

// SessionHandler 会话查询处理器
type SessionHandler struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// NewSessionHandler 创建会话查询处理器
func NewSessionHandler(sessions *session.Manager, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, logger: logger}
}

// extractSessionID 从请求中提取会话 ID（Go 1.22+ PathValue 优先, 回退到路径解析）
func extractSessionID(r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 3 {
			return "", false
		}
		id = parts[2]
	}
	return id, id != ""
}

// HandleGet 处理 GET /v1/sessions/{id}
// @Summary 查询会话
// @Description 按 ID 查询会话状态与输出
// @Tags 会话
// @Produce json
// @Success 200 {object} api.SessionResponse "会话详情"
// @Failure 404 {object} Response "会话不存在"
// @Router /v1/sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	id, ok := extractSessionID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid session ID", h.logger)
		return
	}

	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		WriteTypedError(w, err, h.logger)
		return
	}

	WriteSuccess(w, toSessionResponse(s))
}

func toSessionResponse(s *session.Session) *api.SessionResponse {
	return &api.SessionResponse{
		ID:           s.ID,
		Provider:     s.Provider,
		Model:        s.Model,
		Output:       s.Output,
		StopReason:   s.StopReason,
		FinishReason: s.FinishReason,
		Status:       string(s.Status),
		Usage: api.ChatUsage{
			PromptTokens:     s.PromptTokens,
			CompletionTokens: s.CompletionTokens,
			TotalTokens:      s.TotalTokens(),
		},
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
	}
}
