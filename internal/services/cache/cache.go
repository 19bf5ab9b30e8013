package cache

import (
	"fmt"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// LastMessageStore remembers each user's most recent outbound message
// so the next reply can strip its keyboard before posting a new one.
// Last-write-wins: two overlapping invocations may overwrite each
// other's entry, which is acceptable for this cache.
type LastMessageStore struct {
	cache  *cache.Cache
	logger *logrus.Logger
}

func NewLastMessageStore(logger *logrus.Logger) *LastMessageStore {
	return &LastMessageStore{
		cache:  cache.New(24*time.Hour, time.Hour),
		logger: logger,
	}
}

// Get returns the last recorded outbound message for the user
func (s *LastMessageStore) Get(userID int64) (*models.LastMessage, bool) {
	if val, found := s.cache.Get(key(userID)); found {
		return val.(*models.LastMessage), true
	}
	return nil, false
}

// Set overwrites the last outbound message for the user
func (s *LastMessageStore) Set(userID int64, msg *models.LastMessage) {
	s.cache.SetDefault(key(userID), msg)
}

// Delete drops the entry, used when the message was already replaced
func (s *LastMessageStore) Delete(userID int64) {
	s.cache.Delete(key(userID))
}

func key(userID int64) string {
	return fmt.Sprintf("last_message:%d", userID)
}
