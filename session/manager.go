package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/events"
	"github.com/BaSui01/streamflow/internal/metrics"
	"github.com/BaSui01/streamflow/tokenizer"
	"github.com/BaSui01/streamflow/types"
)

// Manager owns the session lifecycle: create on request arrival, finish
// when the stream ends. Token counts come from the upstream usage block
// when the provider sends one, otherwise from the local tokenizer.
type Manager struct {
	store     Store
	storeName string
	archiver  *Archiver
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithArchiver enables database archiving of finished sessions.
func WithArchiver(a *Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithPublisher sets the usage event publisher.
func WithPublisher(p events.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// NewManager creates a session manager backed by the given store.
func NewManager(store Store, storeName string, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     store,
		storeName: storeName,
		publisher: events.NewNopPublisher(),
		logger:    logger.With(zap.String("component", "session_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new active session and counts the prompt tokens.
func (m *Manager) Create(ctx context.Context, provider, model string, messages []types.Message) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Provider:  provider,
		Model:     model,
		Messages:  messages,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tok := tokenizer.GetTokenizerOrEstimator(model)
	if count, err := tok.CountMessages(messages); err == nil {
		s.PromptTokens = count
	} else {
		m.logger.Warn("prompt token count failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SessionStarted(m.storeName)
	}

	m.logger.Debug("session created",
		zap.String("session_id", s.ID),
		zap.String("model", model),
		zap.Int("prompt_tokens", s.PromptTokens))
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// FinishInput carries the outcome of a completed stream.
type FinishInput struct {
	Output       string
	StopReason   string
	FinishReason string
	Usage        *types.Usage
	Failed       bool
}

// Finish closes a session: records the output and token usage, persists
// the final state, archives it when archiving is enabled, and publishes
// a usage event. Finishing an already-finished session is an error.
func (m *Manager) Finish(ctx context.Context, id string, in FinishInput) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, types.NewError(types.ErrSessionFinished,
			"session already finished: "+id).WithHTTPStatus(409)
	}

	now := time.Now()
	s.Output = in.Output
	s.StopReason = in.StopReason
	s.FinishReason = in.FinishReason
	s.Status = StatusFinished
	if in.Failed {
		s.Status = StatusFailed
	}
	s.UpdatedAt = now
	s.FinishedAt = &now

	if in.Usage != nil {
		s.PromptTokens = in.Usage.PromptTokens
		s.CompletionTokens = in.Usage.CompletionTokens
	} else {
		tok := tokenizer.GetTokenizerOrEstimator(s.Model)
		if count, err := tok.CountTokens(in.Output); err == nil {
			s.CompletionTokens = count
		}
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, err
	}

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, s); err != nil {
			// 归档失败不阻断请求, 只记日志
			m.logger.Error("session archive failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	event := events.UsageEvent{
		SessionID:        s.ID,
		Provider:         s.Provider,
		Model:            s.Model,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens(),
		StopReason:       s.StopReason,
		FinishedAt:       now,
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Error("usage event publish failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.SessionFinished(m.storeName, s.StopReason)
	}

	m.logger.Info("session finished",
		zap.String("session_id", s.ID),
		zap.String("stop_reason", s.StopReason),
		zap.Int("total_tokens", s.TotalTokens()))
	return s, nil
}

// Close releases the store and publisher.
func (m *Manager) Close() error {
	if err := m.publisher.Close(); err != nil {
		m.logger.Warn("publisher close failed", zap.Error(err))
	}
	return m.store.Close()
}
