package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/usage/domain"
)

type UnpaidAggregate struct {
	TotalCents  int64
	ChargeCount int64
}

type Repository interface {
	InsertCharge(ctx context.Context, db *gorm.DB, charge *domain.UsageCharge) error
	SumUnpaid(ctx context.Context, db *gorm.DB, userID string) (UnpaidAggregate, error)
	// MarkSettled stamps every unpaid charge for the user and returns how many
	// rows it touched.
	MarkSettled(ctx context.Context, db *gorm.DB, userID string, paymentID snowflake.ID, settledAt time.Time) (int64, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) InsertCharge(ctx context.Context, db *gorm.DB, charge *domain.UsageCharge) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(charge).Error
}

func (r *repositoryImpl) SumUnpaid(ctx context.Context, db *gorm.DB, userID string) (UnpaidAggregate, error) {
	if db == nil {
		db = r.db
	}
	var row struct {
		TotalCents  *int64
		ChargeCount int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT SUM(amount_cents) AS total_cents, COUNT(*) AS charge_count
		 FROM usage_charges
		 WHERE user_id = ? AND settled = ?`,
		userID, false,
	).Scan(&row).Error
	if err != nil {
		return UnpaidAggregate{}, err
	}
	aggregate := UnpaidAggregate{ChargeCount: row.ChargeCount}
	if row.TotalCents != nil {
		aggregate.TotalCents = *row.TotalCents
	}
	return aggregate, nil
}

func (r *repositoryImpl) MarkSettled(ctx context.Context, db *gorm.DB, userID string, paymentID snowflake.ID, settledAt time.Time) (int64, error) {
	if db == nil {
		db = r.db
	}
	result := db.WithContext(ctx).Model(&domain.UsageCharge{}).
		Where("user_id = ? AND settled = ?", userID, false).
		Updates(map[string]any{
			"settled":    true,
			"payment_id": paymentID,
			"settled_at": settledAt,
		})
	return result.RowsAffected, result.Error
}
