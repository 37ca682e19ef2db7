package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/subscription/domain"
)

type Repository interface {
	// FindCurrent returns the user's most recently created subscription.
	FindCurrent(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*domain.Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) FindCurrent(ctx context.Context, db *gorm.DB, userID string) (*domain.Subscription, error) {
	if db == nil {
		db = r.db
	}
	var subscription domain.Subscription
	if err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&subscription).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repositoryImpl) FindByExternalID(ctx context.Context, db *gorm.DB, externalSubscriptionID string) (*domain.Subscription, error) {
	if db == nil {
		db = r.db
	}
	var subscription domain.Subscription
	if err := db.WithContext(ctx).
		Where("external_subscription_id = ?", externalSubscriptionID).
		First(&subscription).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repositoryImpl) Update(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Save(subscription).Error
}
