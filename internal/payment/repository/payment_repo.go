package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pollstack/billing/internal/payment/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error
	FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error

	InsertFailure(ctx context.Context, db *gorm.DB, failure *domain.PaymentFailure) error

	// InsertEventRecord returns (false, nil) when the (provider, event id) pair
	// already exists; the caller treats that as an already-processed delivery.
	InsertEventRecord(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error
	// DeleteEventRecord rolls back the dedup claim when applying the event
	// failed, so the provider's redelivery gets processed.
	DeleteEventRecord(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error

	InsertReview(ctx context.Context, db *gorm.DB, review *domain.ReconciliationReview) error

	FindGatewayCustomer(ctx context.Context, db *gorm.DB, userID string, gateway routingdomain.Gateway) (*domain.GatewayCustomer, error)
	UpsertGatewayCustomer(ctx context.Context, db *gorm.DB, customer *domain.GatewayCustomer) error
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repositoryImpl) FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalPaymentID string) (*domain.Payment, error) {
	if db == nil {
		db = r.db
	}
	var payment domain.Payment
	if err := db.WithContext(ctx).
		Where("external_payment_id = ?", externalPaymentID).
		First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repositoryImpl) UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repositoryImpl) InsertFailure(ctx context.Context, db *gorm.DB, failure *domain.PaymentFailure) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(failure).Error
}

func (r *repositoryImpl) InsertEventRecord(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	if db == nil {
		db = r.db
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkEventProcessed(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Model(&domain.EventRecord{}).
		Where("id = ?", record.ID).
		Update("processed_at", record.ProcessedAt).Error
}

func (r *repositoryImpl) DeleteEventRecord(ctx context.Context, db *gorm.DB, record *domain.EventRecord) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).
		Where("id = ?", record.ID).
		Delete(&domain.EventRecord{}).Error
}

func (r *repositoryImpl) InsertReview(ctx context.Context, db *gorm.DB, review *domain.ReconciliationReview) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Create(review).Error
}

func (r *repositoryImpl) FindGatewayCustomer(ctx context.Context, db *gorm.DB, userID string, gateway routingdomain.Gateway) (*domain.GatewayCustomer, error) {
	if db == nil {
		db = r.db
	}
	var customer domain.GatewayCustomer
	if err := db.WithContext(ctx).
		Where("user_id = ? AND gateway = ?", userID, gateway).
		First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repositoryImpl) UpsertGatewayCustomer(ctx context.Context, db *gorm.DB, customer *domain.GatewayCustomer) error {
	if db == nil {
		db = r.db
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "gateway"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider_customer_id", "updated_at"}),
	}).Create(customer).Error
}
