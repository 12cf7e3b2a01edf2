package types

// Usage holds token accounting for a completed or in-flight stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Chunk is one fragment of streamed text as produced by an upstream
// text-generation source. Text is the primary payload; Message, when
// non-nil, mirrors the same text in its Content field for consumers
// that want the full delta-message shape.
type Chunk struct {
	ID           string   `json:"id,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Index        int      `json:"index,omitempty"`
	Text         string   `json:"text"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"` // final chunk may carry usage
	Err          *Error   `json:"error,omitempty"`
}

// NewChunk creates a chunk carrying text plus the assistant-message mirror.
func NewChunk(text string) Chunk {
	msg := NewAssistantMessage(text)
	return Chunk{Text: text, Message: &msg}
}

// TextChunk creates a bare chunk with no message mirror.
func TextChunk(text string) Chunk {
	return Chunk{Text: text}
}

// SetText replaces the chunk's text and keeps the message mirror in sync
// when present.
func (c *Chunk) SetText(text string) {
	c.Text = text
	if c.Message != nil {
		c.Message.Content = text
	}
}
