package storage

import (
	"context"
	"sync"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// MemoryStorage implements storage in process memory. Quota and history
// live behind a mutex so spends and clears stay atomic; user profiles
// use go-cache the way the rest of the ephemeral state does.
type MemoryStorage struct {
	mu        sync.Mutex
	quotas    map[int64]models.QuotaMap
	histories map[int64][]models.ConversationTurn
	users     *cache.Cache
	retention int
	logger    *logrus.Logger
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	return &MemoryStorage{
		quotas:    make(map[int64]models.QuotaMap),
		histories: make(map[int64][]models.ConversationTurn),
		users:     cache.New(cache.NoExpiration, cfg.Storage.Memory.CleanupInterval),
		retention: cfg.Context.Retention,
		logger:    logger,
	}
}

func (m *MemoryStorage) GetQuota(ctx context.Context, userID int64) (models.QuotaMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := make(models.QuotaMap, len(m.quotas[userID]))
	for model, count := range m.quotas[userID] {
		quota[model] = count
	}
	return quota, nil
}

func (m *MemoryStorage) SetQuota(ctx context.Context, userID int64, quota models.QuotaMap) error {
	stored := make(models.QuotaMap, len(quota))
	for model, count := range quota {
		if count < 0 {
			count = 0
		}
		stored[model] = count
	}

	m.mu.Lock()
	m.quotas[userID] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) SpendQuota(ctx context.Context, userID int64, model string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.quotas[userID]
	if quota == nil || quota[model] <= 0 {
		return false, nil
	}
	quota[model]--
	return true, nil
}

func (m *MemoryStorage) GetHistory(ctx context.Context, userID int64, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.histories[userID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	turns := make([]models.ConversationTurn, len(history))
	copy(turns, history)
	return turns, nil
}

func (m *MemoryStorage) AppendTurn(ctx context.Context, userID int64, turn models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.histories[userID], turn)
	if len(history) > m.retention {
		history = history[len(history)-m.retention:]
	}
	m.histories[userID] = history
	return nil
}

func (m *MemoryStorage) ClearHistory(ctx context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.histories, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) GetUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	if val, found := m.users.Get(userCacheKey(userID)); found {
		user := *val.(*models.UserProfile)
		return &user, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.UserProfile) error {
	stored := *user
	m.users.Set(userCacheKey(user.UserID), &stored, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) SetInProgress(ctx context.Context, userID int64, inProgress bool) error {
	user, err := m.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		user = &models.UserProfile{UserID: userID}
	}
	user.InProgress = inProgress
	return m.SaveUser(ctx, user)
}

func userCacheKey(userID int64) string {
	return userKey(userID)
}
