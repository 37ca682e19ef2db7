package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/plan/domain"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error)
	FindByName(ctx context.Context, db *gorm.DB, name string) (*domain.Plan, error)
	Insert(ctx context.Context, db *gorm.DB, plan *domain.Plan) error
	Update(ctx context.Context, db *gorm.DB, plan *domain.Plan) error
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	if db == nil {
		db = r.db
	}
	var plan domain.Plan
	if err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repositoryImpl) FindByName(ctx context.Context, db *gorm.DB, name string) (*domain.Plan, error) {
	if db == nil {
		db = r.db
	}
	var plan domain.Plan
	if err := db.WithContext(ctx).
		Where("name = ?", name).
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repositoryImpl) Update(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Save(plan).Error
}
