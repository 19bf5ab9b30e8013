package subscription

import (
	"context"
	"fmt"

	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Tier names. NoBase is the unpaid default grant.
const (
	TierBase   = "Base"
	TierPro    = "Pro"
	TierNoBase = "NoBase"
)

// Tier prices in the smallest currency unit
const (
	BasePrice = 590
	ProPrice  = 990
)

// QuotaStore is the slice of storage the tier service needs: it
// replaces the whole mapping on tier change, renewal or reset.
type QuotaStore interface {
	SetQuota(ctx context.Context, userID int64, quota models.QuotaMap) error
}

// Service resets user quotas to their tier's grant
type Service struct {
	quota  QuotaStore
	logger *logrus.Logger
}

func NewService(quota QuotaStore, logger *logrus.Logger) *Service {
	return &Service{
		quota:  quota,
		logger: logger,
	}
}

// TierGrant returns the full per-model request grant for a tier
func TierGrant(tier string) (models.QuotaMap, error) {
	switch tier {
	case TierBase, TierPro, TierNoBase:
		// Every tier currently carries the same per-model grant; paid
		// tiers differ in which models the menu offers.
		return models.QuotaMap{
			"gpt-4o-mini":          15,
			"gpt-4o":               15,
			"o1-mini":              15,
			"o1":                   15,
			"o3-mini":              15,
			"claude-3-5-sonnet":    15,
			"claude-3-haiku":       15,
			"gemini-1.5-flash":     15,
			"deepseek-v3":          15,
			"deepseek-r1":          15,
			"gpt-4-vision-preview": 15,
			"dall-e-3":             15,
			"dall-e-3-hd":          15,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tier: %s", tier)
	}
}

// ResetQuota replaces the user's stored quota with the tier's grant
func (s *Service) ResetQuota(ctx context.Context, userID int64, tier string) error {
	grant, err := TierGrant(tier)
	if err != nil {
		return err
	}

	if err := s.quota.SetQuota(ctx, userID, grant); err != nil {
		return fmt.Errorf("failed to reset quota: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"tier":    tier,
	}).Info("Quota reset to tier grant")
	return nil
}
