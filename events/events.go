// Package events publishes usage events for finished streaming sessions so
// billing and analytics consumers can process them asynchronously.
package events

import (
	"context"
	"time"
)

// UsageEvent describes one finished streaming session.
type UsageEvent struct {
	SessionID        string    `json:"session_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	StopReason       string    `json:"stop_reason"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Publisher delivers usage events to a downstream queue.
type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
	Close() error
}

// NopPublisher discards all events. Used when event publishing is disabled.
type NopPublisher struct{}

// NewNopPublisher creates a publisher that does nothing.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

// Publish implements Publisher.
func (*NopPublisher) Publish(context.Context, UsageEvent) error { return nil }

// Close implements Publisher.
func (*NopPublisher) Close() error { return nil }
