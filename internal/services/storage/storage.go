package storage

import (
	"context"
	"fmt"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Storage interface defines storage operations
type Storage interface {
	// Quota operations. GetQuota returns an empty map for unknown users;
	// SetQuota replaces the whole mapping; SpendQuota decrements one
	// model's count by exactly 1, refusing when it is already 0 and
	// never storing a negative value.
	GetQuota(ctx context.Context, userID int64) (models.QuotaMap, error)
	SetQuota(ctx context.Context, userID int64, quota models.QuotaMap) error
	SpendQuota(ctx context.Context, userID int64, model string) (bool, error)

	// Conversation history operations. GetHistory returns up to limit of
	// the most recent turns, oldest first. AppendTurn keeps at most the
	// retention cap, evicting oldest turns.
	GetHistory(ctx context.Context, userID int64, limit int) ([]models.ConversationTurn, error)
	AppendTurn(ctx context.Context, userID int64, turn models.ConversationTurn) error
	ClearHistory(ctx context.Context, userID int64) error

	// User profile operations
	GetUser(ctx context.Context, userID int64) (*models.UserProfile, error)
	SaveUser(ctx context.Context, user *models.UserProfile) error
	SetInProgress(ctx context.Context, userID int64, inProgress bool) error
}

// Metrics counts storage operations by outcome
type Metrics interface {
	RecordStorageOperation(operation, status string)
}

// Manager manages different storage backends
type Manager struct {
	storage     Storage
	metrics     Metrics
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, metrics Metrics, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{
		metrics: metrics,
		logger:  logger,
	}

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		manager.storage = redisStorage
		manager.redisClient = redisStorage.client
	case "memory":
		manager.storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// Delegate methods to underlying storage, counting each operation

func (m *Manager) record(operation string, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordStorageOperation(operation, status)
}

func (m *Manager) GetQuota(ctx context.Context, userID int64) (models.QuotaMap, error) {
	quota, err := m.storage.GetQuota(ctx, userID)
	m.record("get_quota", err)
	return quota, err
}

func (m *Manager) SetQuota(ctx context.Context, userID int64, quota models.QuotaMap) error {
	err := m.storage.SetQuota(ctx, userID, quota)
	m.record("set_quota", err)
	return err
}

func (m *Manager) SpendQuota(ctx context.Context, userID int64, model string) (bool, error) {
	spent, err := m.storage.SpendQuota(ctx, userID, model)
	m.record("spend_quota", err)
	return spent, err
}

func (m *Manager) GetHistory(ctx context.Context, userID int64, limit int) ([]models.ConversationTurn, error) {
	turns, err := m.storage.GetHistory(ctx, userID, limit)
	m.record("get_history", err)
	return turns, err
}

func (m *Manager) AppendTurn(ctx context.Context, userID int64, turn models.ConversationTurn) error {
	err := m.storage.AppendTurn(ctx, userID, turn)
	m.record("append_turn", err)
	return err
}

func (m *Manager) ClearHistory(ctx context.Context, userID int64) error {
	err := m.storage.ClearHistory(ctx, userID)
	m.record("clear_history", err)
	return err
}

func (m *Manager) GetUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	user, err := m.storage.GetUser(ctx, userID)
	m.record("get_user", err)
	return user, err
}

func (m *Manager) SaveUser(ctx context.Context, user *models.UserProfile) error {
	err := m.storage.SaveUser(ctx, user)
	m.record("save_user", err)
	return err
}

func (m *Manager) SetInProgress(ctx context.Context, userID int64, inProgress bool) error {
	err := m.storage.SetInProgress(ctx, userID, inProgress)
	m.record("set_in_progress", err)
	return err
}

// GetRedisClient returns the Redis client if available
func (m *Manager) GetRedisClient() *redis.Client {
	return m.redisClient
}
