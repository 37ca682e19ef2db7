package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pollstack/billing/internal/region/domain"
)

type Repository interface {
	FindCountry(ctx context.Context, db *gorm.DB, countryCode string) (*domain.CountryRegionMapping, error)
	UpsertCountry(ctx context.Context, db *gorm.DB, mapping *domain.CountryRegionMapping) error
	FindPolicy(ctx context.Context, db *gorm.DB, region domain.Region) (*domain.GatewayPolicy, error)
	UpsertPolicy(ctx context.Context, db *gorm.DB, policy *domain.GatewayPolicy) error
	FindPrice(ctx context.Context, db *gorm.DB, planID snowflake.ID, region domain.Region) (*domain.RegionalPrice, error)
	DeletePricesForPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) error
	InsertPrices(ctx context.Context, db *gorm.DB, prices []domain.RegionalPrice) error
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) FindCountry(ctx context.Context, db *gorm.DB, countryCode string) (*domain.CountryRegionMapping, error) {
	if db == nil {
		db = r.db
	}
	var mapping domain.CountryRegionMapping
	if err := db.WithContext(ctx).
		Where("country_code = ?", countryCode).
		First(&mapping).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func (r *repositoryImpl) UpsertCountry(ctx context.Context, db *gorm.DB, mapping *domain.CountryRegionMapping) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "country_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"country_name", "region", "updated_at"}),
	}).Create(mapping).Error
}

func (r *repositoryImpl) FindPolicy(ctx context.Context, db *gorm.DB, region domain.Region) (*domain.GatewayPolicy, error) {
	if db == nil {
		db = r.db
	}
	var policy domain.GatewayPolicy
	if err := db.WithContext(ctx).
		Where("region = ?", region).
		First(&policy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &policy, nil
}

func (r *repositoryImpl) UpsertPolicy(ctx context.Context, db *gorm.DB, policy *domain.GatewayPolicy) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "region"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gateway_type", "stripe_enabled", "paddle_enabled",
			"split_percentage", "recommendation_reason", "updated_at",
		}),
	}).Create(policy).Error
}

func (r *repositoryImpl) FindPrice(ctx context.Context, db *gorm.DB, planID snowflake.ID, region domain.Region) (*domain.RegionalPrice, error) {
	if db == nil {
		db = r.db
	}
	var price domain.RegionalPrice
	if err := db.WithContext(ctx).
		Where("plan_id = ? AND region = ?", planID, region).
		First(&price).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &price, nil
}

func (r *repositoryImpl) DeletePricesForPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Delete(&domain.RegionalPrice{}).Error
}

func (r *repositoryImpl) InsertPrices(ctx context.Context, db *gorm.DB, prices []domain.RegionalPrice) error {
	if db == nil {
		db = r.db
	}
	if len(prices) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&prices).Error
}
