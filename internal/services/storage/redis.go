package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// spendScript decrements one hash field by 1 only if it is positive.
// Running it server-side keeps the check and the write in one step, so
// concurrent spenders cannot drive the count below zero.
var spendScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if count <= 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], count - 1)
return 1
`)

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client    *redis.Client
	retention int
	logger    *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		retention: cfg.Context.Retention,
		logger:    logger,
	}, nil
}

func quotaKey(userID int64) string   { return fmt.Sprintf("quota:%d", userID) }
func historyKey(userID int64) string { return fmt.Sprintf("history:%d", userID) }
func userKey(userID int64) string    { return fmt.Sprintf("user:%d", userID) }

func (r *RedisStorage) GetQuota(ctx context.Context, userID int64) (models.QuotaMap, error) {
	fields, err := r.client.HGetAll(ctx, quotaKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	quota := make(models.QuotaMap, len(fields))
	for model, raw := range fields {
		count, err := strconv.Atoi(raw)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"user_id": userID,
				"model":   model,
				"value":   raw,
			}).Warn("Skipping malformed quota field")
			continue
		}
		quota[model] = count
	}

	return quota, nil
}

func (r *RedisStorage) SetQuota(ctx context.Context, userID int64, quota models.QuotaMap) error {
	key := quotaKey(userID)

	// Replace, not merge: delete and rewrite in one transaction so a
	// concurrent reader never observes a half-written mapping.
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(quota) > 0 {
		fields := make(map[string]interface{}, len(quota))
		for model, count := range quota {
			if count < 0 {
				count = 0
			}
			fields[model] = count
		}
		pipe.HSet(ctx, key, fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStorage) SpendQuota(ctx context.Context, userID int64, model string) (bool, error) {
	spent, err := spendScript.Run(ctx, r.client, []string{quotaKey(userID)}, model).Int()
	if err != nil {
		return false, err
	}
	return spent == 1, nil
}

func (r *RedisStorage) GetHistory(ctx context.Context, userID int64, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	// The list is append-ordered, so the last `limit` entries are the
	// most recent turns, already oldest first.
	entries, err := r.client.LRange(ctx, historyKey(userID), int64(-limit), -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	turns := make([]models.ConversationTurn, 0, len(entries))
	for _, entry := range entries {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(entry), &turn); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("Skipping malformed history entry")
			continue
		}
		turns = append(turns, turn)
	}

	return turns, nil
}

func (r *RedisStorage) AppendTurn(ctx context.Context, userID int64, turn models.ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	key := historyKey(userID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.retention), -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStorage) ClearHistory(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, historyKey(userID)).Err()
}

func (r *RedisStorage) GetUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	data, err := r.client.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var user models.UserProfile
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, err
	}

	return &user, nil
}

func (r *RedisStorage) SaveUser(ctx context.Context, user *models.UserProfile) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, userKey(user.UserID), data, 0).Err()
}

func (r *RedisStorage) SetInProgress(ctx context.Context, userID int64, inProgress bool) error {
	user, err := r.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		user = &models.UserProfile{UserID: userID}
	}
	user.InProgress = inProgress
	return r.SaveUser(ctx, user)
}
