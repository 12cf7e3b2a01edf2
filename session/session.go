// Package session tracks streaming sessions across their lifetime: the
// request messages that went upstream, the post-processed output, token
// usage, and the reason the stream ended.
package session

import (
	"time"

	"github.com/BaSui01/streamflow/types"
)

// Status 会话状态
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Session 一次流式请求的完整记录
type Session struct {
	ID       string          `json:"id"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`

	// 输出
	Output       string `json:"output"`
	StopReason   string `json:"stop_reason,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// 用量
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TotalTokens 返回总 token 数
func (s *Session) TotalTokens() int {
	return s.PromptTokens + s.CompletionTokens
}

// Clone 返回会话的深拷贝，消息切片独立
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = make([]types.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
