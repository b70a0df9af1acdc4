// Package userstore persists dialog users with optimistic concurrency.
//
// Each user is one row holding the sonic-encoded dialog.User, a version that
// every successful Save increments, and the earliest callback deadline so
// the timeout sweeper can find due users with an index scan.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no state is stored for a user.
	ErrNotFound = errors.New("userstore: user not found")

	// ErrConflict is returned by Save when the stored version moved on since
	// the user was loaded.
	ErrConflict = errors.New("userstore: version conflict")
)

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB     *gorm.DB
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store reads and writes UserState rows.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
	log   *zap.Logger
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("userstore: db is required")
	}
	s := &Store{db: opts.DB, clock: opts.Clock, log: opts.Logger}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

// Load returns the stored user and its version. It returns ErrNotFound when
// the user has no state yet.
func (s *Store) Load(ctx context.Context, userID string) (*dialog.User, int64, error) {
	var row models.UserState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("userstore: load %s: %w", userID, err)
	}
	var u dialog.User
	if err := sonic.UnmarshalString(row.State, &u); err != nil {
		return nil, 0, fmt.Errorf("userstore: decode %s: %w", userID, err)
	}
	if u.ID == "" {
		u.ID = userID
	}
	u.Normalize()
	return &u, row.Version, nil
}

// LoadOrNew is Load that returns an empty user at version 0 when none is
// stored.
func (s *Store) LoadOrNew(ctx context.Context, userID string) (*dialog.User, int64, error) {
	u, version, err := s.Load(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return dialog.NewUser(userID), 0, nil
	}
	return u, version, err
}

// Save writes u if the stored version still equals version and returns the
// new version. Version 0 means the user was never stored.
func (s *Store) Save(ctx context.Context, u *dialog.User, version int64) (int64, error) {
	state, err := sonic.MarshalString(u)
	if err != nil {
		return 0, fmt.Errorf("userstore: encode %s: %w", u.ID, err)
	}
	var next *time.Time
	if u.Behaviors != nil {
		if t := u.Behaviors.NextExpiry(); !t.IsZero() {
			t = t.UTC()
			next = &t
		}
	}

	db := s.db.WithContext(ctx)
	if version == 0 {
		row := models.UserState{UserID: u.ID, State: state, Version: 1, NextExpiry: next}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return 0, fmt.Errorf("userstore: insert %s: %w", u.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, fmt.Errorf("%w: %s already stored", ErrConflict, u.ID)
		}
		return 1, nil
	}

	res := db.Model(&models.UserState{}).
		Where("user_id = ? AND version = ?", u.ID, version).
		Updates(map[string]interface{}{
			"state":       state,
			"version":     version + 1,
			"next_expiry": next,
			"updated_at":  s.clock().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("userstore: update %s: %w", u.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: %s at version %d", ErrConflict, u.ID, version)
	}
	return version + 1, nil
}

// Delete removes a user's state.
func (s *Store) Delete(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.UserState{})
	if res.Error != nil {
		return fmt.Errorf("userstore: delete %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return nil
}

// DueForTimeout returns up to limit users whose earliest callback deadline
// is at or before now, soonest first.
func (s *Store) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.UserState{}).
		Where("next_expiry IS NOT NULL AND next_expiry <= ?", now.UTC()).
		Order("next_expiry").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("userstore: due for timeout: %w", err)
	}
	return ids, nil
}
