package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNoAvailableAPIKey  = errors.New("no available API key")
	ErrAllKeysRateLimited = errors.New("all API keys are rate limited")
)

// KeySelectionStrategy API Key 选择策略
type KeySelectionStrategy string

const (
	StrategyRoundRobin     KeySelectionStrategy = "round_robin"     // 轮询
	StrategyWeightedRandom KeySelectionStrategy = "weighted_random" // 加权随机
	StrategyPriority       KeySelectionStrategy = "priority"        // 优先级
	StrategyLeastUsed      KeySelectionStrategy = "least_used"      // 最少使用
)

// ProviderAPIKey API Key 池条目
// 支持一个上游配置多个 API Key，用于负载均衡和容灾
type ProviderAPIKey struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Provider string `gorm:"size:50;not null;index:idx_provider" json:"provider"` // 上游名称
	APIKey   string `gorm:"size:500;not null" json:"api_key"`                    // 加密存储的 API Key
	Label    string `gorm:"size:100" json:"label"`                               // 标签（如 "主账号"、"备用账号"）
	Priority int    `gorm:"default:100" json:"priority"`                         // 优先级（数字越小优先级越高）
	Weight   int    `gorm:"default:100" json:"weight"`                           // 权重（用于加权轮询）
	Enabled  bool   `gorm:"default:true" json:"enabled"`                         // 是否启用

	// 使用统计
	TotalRequests  int64      `gorm:"default:0" json:"total_requests"`
	FailedRequests int64      `gorm:"default:0" json:"failed_requests"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	LastErrorAt    *time.Time `json:"last_error_at"`
	LastError      string     `gorm:"type:text" json:"last_error"`

	// 限流配置（0 表示无限制）
	RateLimitRPM int       `gorm:"default:0" json:"rate_limit_rpm"`
	RateLimitRPD int       `gorm:"default:0" json:"rate_limit_rpd"`
	CurrentRPM   int       `gorm:"default:0" json:"current_rpm"`
	CurrentRPD   int       `gorm:"default:0" json:"current_rpd"`
	RPMResetAt   time.Time `json:"rpm_reset_at"`
	RPDResetAt   time.Time `json:"rpd_reset_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProviderAPIKey) TableName() string {
	return "sf_provider_api_keys"
}

// IsHealthy 检查 Key 是否健康
func (k *ProviderAPIKey) IsHealthy() bool {
	if !k.Enabled {
		return false
	}

	// 检查是否超过限流
	now := time.Now()
	if k.RateLimitRPM > 0 {
		if now.Before(k.RPMResetAt) && k.CurrentRPM >= k.RateLimitRPM {
			return false
		}
	}
	if k.RateLimitRPD > 0 {
		if now.Before(k.RPDResetAt) && k.CurrentRPD >= k.RateLimitRPD {
			return false
		}
	}

	// 检查错误率（最近 100 次请求失败率 > 50%）
	if k.TotalRequests > 100 {
		recent := k.TotalRequests
		if recent > 100 {
			recent = 100
		}
		failRate := float64(k.FailedRequests) / float64(recent)
		if failRate > 0.5 {
			return false
		}
	}

	return true
}

// IncrementUsage 增加使用计数
func (k *ProviderAPIKey) IncrementUsage(success bool) {
	now := time.Now()
	k.TotalRequests++
	k.LastUsedAt = &now

	if !success {
		k.FailedRequests++
		k.LastErrorAt = &now
	}

	// 重置 RPM 计数器
	if now.After(k.RPMResetAt) {
		k.CurrentRPM = 0
		k.RPMResetAt = now.Add(time.Minute)
	}
	k.CurrentRPM++

	// 重置 RPD 计数器
	if now.After(k.RPDResetAt) {
		k.CurrentRPD = 0
		k.RPDResetAt = now.Add(24 * time.Hour)
	}
	k.CurrentRPD++
}

// keyUsageSnapshot 异步入库前复制的字段，避免数据竞争
type keyUsageSnapshot struct {
	ID             uint
	TotalRequests  int64
	FailedRequests int64
	LastUsedAt     *time.Time
	LastErrorAt    *time.Time
	LastError      string
	CurrentRPM     int
	CurrentRPD     int
	RPMResetAt     time.Time
	RPDResetAt     time.Time
	failed         bool
}

// KeyPool API Key 池管理器
type KeyPool struct {
	mu            sync.RWMutex
	db            *gorm.DB
	provider      string
	keys          []*ProviderAPIKey
	strategy      KeySelectionStrategy
	roundRobinIdx int
	logger        *zap.Logger
	rng           *rand.Rand
}

// NewKeyPool 创建 API Key 池
func NewKeyPool(db *gorm.DB, provider string, strategy KeySelectionStrategy, logger *zap.Logger) *KeyPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == "" {
		strategy = StrategyWeightedRandom
	}

	return &KeyPool{
		db:       db,
		provider: provider,
		strategy: strategy,
		logger:   logger.With(zap.String("component", "keypool"), zap.String("provider", provider)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoadKeys 从数据库加载 API Keys
func (p *KeyPool) LoadKeys(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keys []*ProviderAPIKey
	err := p.db.WithContext(ctx).
		Where("provider = ? AND enabled = TRUE", p.provider).
		Order("priority ASC, weight DESC").
		Find(&keys).Error

	if err != nil {
		return fmt.Errorf("load API keys from database: %w", err)
	}

	p.keys = keys
	p.logger.Info("API keys loaded", zap.Int("count", len(keys)))
	return nil
}

// SelectKey 选择一个可用的 API Key
func (p *KeyPool) SelectKey(ctx context.Context) (*ProviderAPIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return nil, ErrNoAvailableAPIKey
	}

	// 过滤健康的 Keys
	healthy := make([]*ProviderAPIKey, 0, len(p.keys))
	for _, key := range p.keys {
		if key.IsHealthy() {
			healthy = append(healthy, key)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrAllKeysRateLimited
	}

	var selected *ProviderAPIKey
	switch p.strategy {
	case StrategyRoundRobin:
		selected = p.selectRoundRobin(healthy)
	case StrategyWeightedRandom:
		selected = p.selectWeightedRandom(healthy)
	case StrategyPriority:
		selected = p.selectPriority(healthy)
	case StrategyLeastUsed:
		selected = p.selectLeastUsed(healthy)
	default:
		selected = p.selectWeightedRandom(healthy)
	}

	if selected == nil {
		return nil, ErrNoAvailableAPIKey
	}
	return selected, nil
}

// selectRoundRobin 轮询选择
func (p *KeyPool) selectRoundRobin(keys []*ProviderAPIKey) *ProviderAPIKey {
	if len(keys) == 0 {
		return nil
	}
	selected := keys[p.roundRobinIdx%len(keys)]
	p.roundRobinIdx++
	return selected
}

// selectWeightedRandom 加权随机选择
func (p *KeyPool) selectWeightedRandom(keys []*ProviderAPIKey) *ProviderAPIKey {
	if len(keys) == 0 {
		return nil
	}

	totalWeight := 0
	for _, key := range keys {
		totalWeight += key.Weight
	}
	if totalWeight == 0 {
		return keys[0]
	}

	target := p.rng.Intn(totalWeight)
	cumulative := 0
	for _, key := range keys {
		cumulative += key.Weight
		if cumulative > target {
			return key
		}
	}
	return keys[0]
}

// selectPriority 优先级选择（已按 priority ASC 排序，直接返回第一个）
func (p *KeyPool) selectPriority(keys []*ProviderAPIKey) *ProviderAPIKey {
	if len(keys) == 0 {
		return nil
	}
	return keys[0]
}

// selectLeastUsed 最少使用选择
func (p *KeyPool) selectLeastUsed(keys []*ProviderAPIKey) *ProviderAPIKey {
	if len(keys) == 0 {
		return nil
	}

	// 复制切片以避免修改原始顺序
	sorted := make([]*ProviderAPIKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TotalRequests < sorted[j].TotalRequests
	})
	return sorted[0]
}

// RecordSuccess 记录成功使用
func (p *KeyPool) RecordSuccess(ctx context.Context, keyID uint) error {
	return p.record(keyID, true, "")
}

// RecordFailure 记录失败使用
func (p *KeyPool) RecordFailure(ctx context.Context, keyID uint, errMsg string) error {
	return p.record(keyID, false, errMsg)
}

// record 更新内存计数并异步持久化
func (p *KeyPool) record(keyID uint, success bool, errMsg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range p.keys {
		if key.ID != keyID {
			continue
		}
		key.IncrementUsage(success)
		if !success {
			key.LastError = errMsg
		}

		snapshot := keyUsageSnapshot{
			ID:             key.ID,
			TotalRequests:  key.TotalRequests,
			FailedRequests: key.FailedRequests,
			LastUsedAt:     key.LastUsedAt,
			LastErrorAt:    key.LastErrorAt,
			LastError:      key.LastError,
			CurrentRPM:     key.CurrentRPM,
			CurrentRPD:     key.CurrentRPD,
			RPMResetAt:     key.RPMResetAt,
			RPDResetAt:     key.RPDResetAt,
			failed:         !success,
		}
		go p.persist(snapshot)
		return nil
	}

	return errors.New("API key not found")
}

// persist 异步更新数据库（带 panic 恢复）
func (p *KeyPool) persist(s keyUsageSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in async API key update",
				zap.Uint("key_id", s.ID),
				zap.Any("panic", r))
		}
	}()

	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := map[string]any{
		"total_requests": s.TotalRequests,
		"last_used_at":   s.LastUsedAt,
		"current_rpm":    s.CurrentRPM,
		"current_rpd":    s.CurrentRPD,
		"rpm_reset_at":   s.RPMResetAt,
		"rpd_reset_at":   s.RPDResetAt,
	}
	if s.failed {
		updates["failed_requests"] = s.FailedRequests
		updates["last_error_at"] = s.LastErrorAt
		updates["last_error"] = s.LastError
	}

	err := p.db.WithContext(updateCtx).Model(&ProviderAPIKey{}).
		Where("id = ?", s.ID).
		Updates(updates).Error
	if err != nil {
		p.logger.Error("failed to update API key usage",
			zap.Uint("key_id", s.ID),
			zap.Error(err))
	}
}

// KeyStats API Key 统计信息
type KeyStats struct {
	KeyID          uint       `json:"key_id"`
	Label          string     `json:"label"`
	Enabled        bool       `json:"enabled"`
	IsHealthy      bool       `json:"is_healthy"`
	TotalRequests  int64      `json:"total_requests"`
	FailedRequests int64      `json:"failed_requests"`
	SuccessRate    float64    `json:"success_rate"`
	CurrentRPM     int        `json:"current_rpm"`
	CurrentRPD     int        `json:"current_rpd"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	LastErrorAt    *time.Time `json:"last_error_at"`
	LastError      string     `json:"last_error"`
}

// GetStats 获取统计信息
func (p *KeyPool) GetStats() map[uint]*KeyStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[uint]*KeyStats, len(p.keys))
	for _, key := range p.keys {
		stats[key.ID] = &KeyStats{
			KeyID:          key.ID,
			Label:          key.Label,
			Enabled:        key.Enabled,
			IsHealthy:      key.IsHealthy(),
			TotalRequests:  key.TotalRequests,
			FailedRequests: key.FailedRequests,
			SuccessRate:    successRate(key),
			CurrentRPM:     key.CurrentRPM,
			CurrentRPD:     key.CurrentRPD,
			LastUsedAt:     key.LastUsedAt,
			LastErrorAt:    key.LastErrorAt,
			LastError:      key.LastError,
		}
	}
	return stats
}

func successRate(key *ProviderAPIKey) float64 {
	if key.TotalRequests == 0 {
		return 1.0
	}
	return float64(key.TotalRequests-key.FailedRequests) / float64(key.TotalRequests)
}
