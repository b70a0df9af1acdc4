package userstore

import (
	"context"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
)

// LogExchange appends one processed message to the exchange log.
func (s *Store) LogExchange(ctx context.Context, entry *models.ExchangeLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("userstore: log exchange for %s: %w", entry.UserID, err)
	}
	return nil
}

// RecentExchanges returns a user's latest exchanges, newest first. An empty
// userID lists every user.
func (s *Store) RecentExchanges(ctx context.Context, userID string, limit int) ([]models.ExchangeLog, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []models.ExchangeLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("userstore: recent exchanges: %w", err)
	}
	return logs, nil
}
