package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SessionArchive 落库的会话归档记录，流结束后写入
type SessionArchive struct {
	ID               uint   `gorm:"primarykey"`
	SessionID        string `gorm:"uniqueIndex;size:64;not null"`
	Provider         string `gorm:"size:64;index"`
	Model            string `gorm:"size:128"`
	Output           string `gorm:"type:text"`
	StopReason       string `gorm:"size:32"`
	FinishReason     string `gorm:"size:32"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Status           string `gorm:"size:16"`
	StartedAt        time.Time
	FinishedAt       time.Time
	CreatedAt        time.Time
}

// TableName 指定表名
func (SessionArchive) TableName() string {
	return "sf_session_archives"
}

// Archiver 将完成的会话持久化到数据库，便于离线审计和用量结算
type Archiver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewArchiver 创建归档器并自动迁移表结构
func NewArchiver(db *gorm.DB, logger *zap.Logger) (*Archiver, error) {
	if db == nil {
		return nil, fmt.Errorf("archiver requires a database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&SessionArchive{}); err != nil {
		return nil, fmt.Errorf("migrate session archive table: %w", err)
	}
	return &Archiver{
		db:     db,
		logger: logger.With(zap.String("component", "session_archiver")),
	}, nil
}

// Archive 写入一条归档记录，FinishedAt 为空时用当前时间
func (a *Archiver) Archive(ctx context.Context, s *Session) error {
	finishedAt := time.Now()
	if s.FinishedAt != nil {
		finishedAt = *s.FinishedAt
	}

	record := SessionArchive{
		SessionID:        s.ID,
		Provider:         s.Provider,
		Model:            s.Model,
		Output:           s.Output,
		StopReason:       s.StopReason,
		FinishReason:     s.FinishReason,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		TotalTokens:      s.TotalTokens(),
		Status:           string(s.Status),
		StartedAt:        s.CreatedAt,
		FinishedAt:       finishedAt,
	}

	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}

	a.logger.Debug("session archived",
		zap.String("session_id", s.ID),
		zap.Int("total_tokens", record.TotalTokens))
	return nil
}

// Recent 按完成时间倒序返回最近 limit 条归档
func (a *Archiver) Recent(ctx context.Context, limit int) ([]SessionArchive, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []SessionArchive
	err := a.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list session archives: %w", err)
	}
	return records, nil
}
