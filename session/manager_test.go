package session

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/streamflow/events"
	"github.com/BaSui01/streamflow/types"
)

// capturePublisher 记录所有发布的事件
type capturePublisher struct {
	events []events.UsageEvent
}

func (c *capturePublisher) Publish(_ context.Context, e events.UsageEvent) error {
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func newManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(NewMemoryStore(0), "memory", nil, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_Create(t *testing.T) {
	m := newManager(t)

	s, err := m.Create(context.Background(), "openai", "gpt-4o-mini",
		[]types.Message{types.NewUserMessage("count these tokens please")})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Greater(t, s.PromptTokens, 0)

	got, err := m.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestManager_FinishWithUsage(t *testing.T) {
	pub := &capturePublisher{}
	m := newManager(t, WithPublisher(pub))
	ctx := context.Background()

	s, err := m.Create(ctx, "openai", "gpt-4o-mini",
		[]types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)

	finished, err := m.Finish(ctx, s.ID, FinishInput{
		Output:       "hello there",
		StopReason:   "stop_sequence",
		FinishReason: "stop",
		Usage:        &types.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusFinished, finished.Status)
	assert.Equal(t, 5, finished.PromptTokens)
	assert.Equal(t, 3, finished.CompletionTokens)
	assert.NotNil(t, finished.FinishedAt)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, s.ID, event.SessionID)
	assert.Equal(t, 8, event.TotalTokens)
	assert.Equal(t, "stop_sequence", event.StopReason)
}

func TestManager_FinishCountsOutputWithoutUsage(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "openai", "gpt-4o-mini",
		[]types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)

	finished, err := m.Finish(ctx, s.ID, FinishInput{
		Output:       "a reasonably long completion that needs counting",
		FinishReason: "stop",
	})
	require.NoError(t, err)
	assert.Greater(t, finished.CompletionTokens, 0)
}

func TestManager_FinishTwiceFails(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "openai", "gpt-4o-mini", nil)
	require.NoError(t, err)

	_, err = m.Finish(ctx, s.ID, FinishInput{FinishReason: "stop"})
	require.NoError(t, err)

	_, err = m.Finish(ctx, s.ID, FinishInput{FinishReason: "stop"})
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionFinished, types.GetErrorCode(err))
}

func TestManager_FinishMissingSession(t *testing.T) {
	m := newManager(t)

	_, err := m.Finish(context.Background(), "missing", FinishInput{})
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
}

func TestManager_FinishFailed(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "openai", "gpt-4o-mini", nil)
	require.NoError(t, err)

	finished, err := m.Finish(ctx, s.ID, FinishInput{
		StopReason: "error",
		Failed:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, finished.Status)
}

func TestManager_FinishArchives(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	arch, err := NewArchiver(db, nil)
	require.NoError(t, err)

	m := newManager(t, WithArchiver(arch))
	ctx := context.Background()

	s, err := m.Create(ctx, "openai", "gpt-4o-mini",
		[]types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)

	_, err = m.Finish(ctx, s.ID, FinishInput{
		Output:       "archived output",
		FinishReason: "stop",
	})
	require.NoError(t, err)

	var record SessionArchive
	require.NoError(t, db.First(&record, "session_id = ?", s.ID).Error)
	assert.Equal(t, "archived output", record.Output)
}
