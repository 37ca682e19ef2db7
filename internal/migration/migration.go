package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
	usagedomain "github.com/pollstack/billing/internal/usage/domain"
)

// models is the full schema, ordered so foreign references migrate after the
// tables they point at.
func models() []any {
	return []any{
		&regiondomain.CountryRegionMapping{},
		&regiondomain.GatewayPolicy{},
		&regiondomain.RegionalPrice{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&paymentdomain.PaymentFailure{},
		&paymentdomain.EventRecord{},
		&paymentdomain.ReconciliationReview{},
		&paymentdomain.GatewayCustomer{},
		&usagedomain.UsageCharge{},
	}
}

// RunMigrations applies the schema. On postgres the advisory lock serializes
// concurrent migrator processes; sqlite has a single writer anyway.
func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if db.Dialector.Name() == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		unlock, err := acquireAdvisoryLock(ctx, sqlDB)
		if err != nil {
			return err
		}
		defer func() {
			_ = unlock(context.Background())
		}()
	}

	if err := db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
