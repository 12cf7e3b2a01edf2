package api

import (
	"time"
)

// =============================================================================
// 聊天完成类型
// =============================================================================

// ChatRequest 聊天完成请求。
// @Description 聊天完成请求结构
type ChatRequest struct {
	// 型号名称（例如 gpt-4o、claude-3-opus）
	Model string `json:"model" example:"gpt-4o-mini"`
	// 对话消息
	Messages []Message `json:"messages"`
	// 生成的最大 token 数量
	MaxTokens int `json:"max_tokens,omitempty" example:"4096"`
	// 采样温度（0-2）
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// 核采样参数（0-1）
	TopP float32 `json:"top_p,omitempty" example:"1.0"`
	// 停止序列。网关在服务端逐块匹配并截断,
	// 上游是否原生支持停止序列无关紧要。
	Stop []string `json:"stop,omitempty"`
	// 是否禁用短语合并, true 时逐次放行
	DisableCoalesce bool `json:"disable_coalesce,omitempty"`
	// 请求超时时长
	Timeout string `json:"timeout,omitempty" example:"30s"`
}

// Message 对话消息。
// @Description 对话消息结构
type Message struct {
	// 消息角色（system、user、assistant）
	Role string `json:"role" example:"user"`
	// 消息内容
	Content string `json:"content,omitempty" example:"Hello, how are you?"`
	// 名称（可选）
	Name string `json:"name,omitempty"`
}

// ChatResponse 聊天完成响应。
// @Description 聊天完成响应结构
type ChatResponse struct {
	// 响应 ID
	ID string `json:"id,omitempty" example:"chatcmpl-123"`
	// 会话 ID, 可用于事后查询
	SessionID string `json:"session_id,omitempty"`
	// 处理请求的上游
	Provider string `json:"provider,omitempty" example:"openai"`
	// 使用型号
	Model string `json:"model" example:"gpt-4o-mini"`
	// 截断后的完整输出
	Content string `json:"content"`
	// 停止原因（stop_sequence、finish、error、canceled）
	StopReason string `json:"stop_reason,omitempty" example:"stop_sequence"`
	// 完成原因（stop、length、content_filter）
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// token 使用统计
	Usage ChatUsage `json:"usage"`
	// 响应创建时间戳
	CreatedAt time.Time `json:"created_at"`
}

// ChatUsage token 使用统计。
// @Description token 使用统计
type ChatUsage struct {
	// 提示中的 token
	PromptTokens int `json:"prompt_tokens" example:"100"`
	// 完成中的 token
	CompletionTokens int `json:"completion_tokens" example:"50"`
	// 使用的 token 总数
	TotalTokens int `json:"total_tokens" example:"150"`
}

// StreamChunk 流式响应块。
// @Description 流式响应块结构
type StreamChunk struct {
	// 会话 ID
	SessionID string `json:"session_id,omitempty"`
	// 块序号
	Index int `json:"index,omitempty" example:"0"`
	// 增量消息内容
	Delta Message `json:"delta"`
	// 停止原因（仅在最后一块）
	StopReason string `json:"stop_reason,omitempty" example:"stop_sequence"`
	// 完成原因（仅在最后一块）
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// 使用统计（仅在最终块中）
	Usage *ChatUsage `json:"usage,omitempty"`
	// 错误信息
	Error *ErrorDetail `json:"error,omitempty"`
}

// =============================================================================
// 会话类型
// =============================================================================

// SessionResponse 会话查询响应。
// @Description 会话查询响应结构
type SessionResponse struct {
	// 会话 ID
	ID string `json:"id"`
	// 上游名称
	Provider string `json:"provider,omitempty" example:"openai"`
	// 型号名称
	Model string `json:"model,omitempty" example:"gpt-4o-mini"`
	// 截断后的完整输出
	Output string `json:"output"`
	// 停止原因
	StopReason string `json:"stop_reason,omitempty"`
	// 完成原因
	FinishReason string `json:"finish_reason,omitempty"`
	// 会话状态（active、finished、failed）
	Status string `json:"status" example:"finished"`
	// token 使用统计
	Usage ChatUsage `json:"usage"`
	// 创建时间戳
	CreatedAt time.Time `json:"created_at"`
	// 结束时间戳
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorDetail 错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"Invalid request parameters"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// 返回错误的上游
	Provider string `json:"provider,omitempty" example:"openai"`
}
