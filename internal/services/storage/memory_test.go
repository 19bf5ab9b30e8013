package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(retention int) *MemoryStorage {
	cfg := &config.Config{}
	cfg.Context.Retention = retention
	cfg.Storage.Memory.CleanupInterval = time.Minute

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewMemoryStorage(cfg, logger)
}

func TestQuotaLifecycle(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	// Unknown user reads as an empty mapping, not an error
	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, quota)

	err = store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": 2, "o1": 0})
	require.NoError(t, err)

	quota, err = store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, quota["gpt-4o-mini"])
	assert.Equal(t, 0, quota["o1"])
}

func TestSetQuotaReplacesWholeMapping(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": 5, "o1": 3}))
	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"claude-3-haiku": 7}))

	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.QuotaMap{"claude-3-haiku": 7}, quota)
}

func TestSetQuotaClampsNegativeCounts(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": -3}))

	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, quota["gpt-4o-mini"])
}

func TestSpendQuotaNeverGoesNegative(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": 1}))

	spent, err := store.SpendQuota(ctx, 1, "gpt-4o-mini")
	require.NoError(t, err)
	assert.True(t, spent)

	// Second spend finds zero and refuses
	spent, err = store.SpendQuota(ctx, 1, "gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, spent)

	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, quota["gpt-4o-mini"])
}

func TestSpendQuotaUnknownModel(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": 5}))

	spent, err := store.SpendQuota(ctx, 1, "o1")
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestSpendQuotaConcurrent(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	const initial = 50
	const workers = 100

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": initial}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spent, err := store.SpendQuota(ctx, 1, "gpt-4o-mini")
			assert.NoError(t, err)
			if spent {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, initial, succeeded)

	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, quota["gpt-4o-mini"])
}

func TestHistoryRetentionEvictsOldest(t *testing.T) {
	store := newTestStorage(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		turn := models.ConversationTurn{
			UserInput: fmt.Sprintf("question %d", i),
			BotOutput: fmt.Sprintf("answer %d", i),
			Model:     "gpt-4o-mini",
			Timestamp: time.Now(),
		}
		require.NoError(t, store.AppendTurn(ctx, 1, turn))
	}

	turns, err := store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "question 3", turns[0].UserInput)
	assert.Equal(t, "question 5", turns[2].UserInput)
}

func TestHistoryWindowIndependentOfRetention(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		turn := models.ConversationTurn{
			UserInput: fmt.Sprintf("question %d", i),
			BotOutput: fmt.Sprintf("answer %d", i),
		}
		require.NoError(t, store.AppendTurn(ctx, 1, turn))
	}

	// All ten are retained, but a window of 5 returns the newest five,
	// oldest first
	turns, err := store.GetHistory(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.Equal(t, "question 6", turns[0].UserInput)
	assert.Equal(t, "question 10", turns[4].UserInput)

	turns, err = store.GetHistory(ctx, 1, 100)
	require.NoError(t, err)
	assert.Len(t, turns, 10)
}

func TestClearHistory(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, 1, models.ConversationTurn{UserInput: "hi", BotOutput: "hello"}))
	require.NoError(t, store.ClearHistory(ctx, 1))

	turns, err := store.GetHistory(ctx, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, turns)

	// Appending after a clear starts a fresh log
	require.NoError(t, store.AppendTurn(ctx, 1, models.ConversationTurn{UserInput: "again", BotOutput: "sure"}))
	turns, err = store.GetHistory(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "again", turns[0].UserInput)
}

func TestClearHistoryLeavesQuotaUntouched(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SetQuota(ctx, 1, models.QuotaMap{"gpt-4o-mini": 7}))
	require.NoError(t, store.AppendTurn(ctx, 1, models.ConversationTurn{UserInput: "hi", BotOutput: "hello"}))
	require.NoError(t, store.ClearHistory(ctx, 1))

	quota, err := store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, quota["gpt-4o-mini"])
}

func TestHistoryIsolatedPerUser(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, 1, models.ConversationTurn{UserInput: "from one"}))
	require.NoError(t, store.AppendTurn(ctx, 2, models.ConversationTurn{UserInput: "from two"}))

	turns, err := store.GetHistory(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "from one", turns[0].UserInput)
}

func TestUserProfileRoundTrip(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	user, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, user)

	require.NoError(t, store.SaveUser(ctx, &models.UserProfile{
		UserID: 1,
		Model:  "claude-3-haiku",
		Tier:   "Base",
	}))

	user, err = store.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "claude-3-haiku", user.Model)
	assert.Equal(t, "Base", user.Tier)
}

func TestSetInProgress(t *testing.T) {
	store := newTestStorage(20)
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, &models.UserProfile{UserID: 1, Model: "gpt-4o-mini"}))
	require.NoError(t, store.SetInProgress(ctx, 1, true))

	user, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.InProgress)
	assert.Equal(t, "gpt-4o-mini", user.Model)

	require.NoError(t, store.SetInProgress(ctx, 1, false))
	user, err = store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, user.InProgress)
}
