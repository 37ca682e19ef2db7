package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	"github.com/pollstack/billing/internal/subscription/domain"
	"github.com/pollstack/billing/internal/subscription/repository"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now(context.Context) time.Time { return c.now }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "subscription.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Subscription{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fixedClock{now: testNow},
		Repo:  repository.New(db),
	})
	return svc, db, node
}

func payAsYouGoPlan(node *snowflake.Node) plandomain.Plan {
	return plandomain.Plan{
		ID:              node.Generate(),
		Name:            "Pay As You Go",
		PaymentType:     plandomain.PaymentTypePayAsYouGo,
		UnitAmountCents: 25,
	}
}

func TestActivatePayAsYouGo(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()
	plan := payAsYouGoPlan(node)

	sub, err := svc.ActivatePayAsYouGo(ctx, "user-1", plan)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.EndDate)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, plandomain.PaymentTypePayAsYouGo, sub.PaymentType)

	// Re-activation is a no-op on the same subscription.
	again, err := svc.ActivatePayAsYouGo(ctx, "user-1", plan)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
}

func TestActivatePayAsYouGo_RejectsOtherPlanTypes(t *testing.T) {
	svc, _, node := newTestService(t)

	_, err := svc.ActivatePayAsYouGo(context.Background(), "user-1", plandomain.Plan{
		ID:          node.Generate(),
		PaymentType: plandomain.PaymentTypeOneTime,
	})
	assert.ErrorIs(t, err, plandomain.ErrInvalidPaymentType)
}

func TestActivateFromPayment(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	plan := plandomain.Plan{
		ID:           node.Generate(),
		Name:         "Starter Pass",
		DurationDays: 30,
		PaymentType:  plandomain.PaymentTypeOneTime,
	}
	paidAt := testNow.Add(-time.Hour)

	sub, err := svc.ActivateFromPayment(ctx, "user-1", plan, routingdomain.GatewayStripe, paidAt)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, routingdomain.GatewayStripe, sub.Gateway)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, paidAt.AddDate(0, 0, 30), *sub.EndDate)
	assert.False(t, sub.AutoRenew)

	// A replayed success for the same payment does not create a second row.
	again, err := svc.ActivateFromPayment(ctx, "user-1", plan, routingdomain.GatewayStripe, paidAt)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)

	current, err := svc.GetCurrent(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, current.ID)
}

func TestUpsertFromEvent_CreatesFromProvider(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	planID := node.Generate()
	start := testNow.Add(-24 * time.Hour)
	end := testNow.Add(29 * 24 * time.Hour)

	sub, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_01",
		Status:                 "active",
		PeriodStart:            &start,
		PeriodEnd:              &end,
		OccurredAt:             testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.AutoRenew)
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_01", *sub.ExternalSubscriptionID)
	assert.Equal(t, start, sub.StartDate)
}

func TestUpsertFromEvent_AdoptsPaymentActivatedRow(t *testing.T) {
	svc, db, node := newTestService(t)
	ctx := context.Background()

	plan := plandomain.Plan{
		ID:           node.Generate(),
		Name:         "Pro Monthly",
		DurationDays: 30,
		PaymentType:  plandomain.PaymentTypeRecurring,
		IsRecurring:  true,
	}
	activated, err := svc.ActivateFromPayment(ctx, "user-1", plan, routingdomain.GatewayStripe, testNow.Add(-time.Minute))
	require.NoError(t, err)
	require.Nil(t, activated.ExternalSubscriptionID)

	// The provider's subscription.created lands after the payment already
	// activated the user. It must attach to that row, not mint a second one.
	planID := plan.ID
	upserted, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_late",
		Status:                 "active",
		OccurredAt:             testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, activated.ID, upserted.ID)
	require.NotNil(t, upserted.ExternalSubscriptionID)
	assert.Equal(t, "sub_late", *upserted.ExternalSubscriptionID)

	var rows int64
	require.NoError(t, db.Model(&domain.Subscription{}).Where("user_id = ?", "user-1").Count(&rows).Error)
	assert.EqualValues(t, 1, rows)

	// Later events for the same external id find the adopted row directly.
	found, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_late",
		Status:                 "active",
		OccurredAt:             testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, activated.ID, found.ID)
}

func TestUpsertFromEvent_FirstEventWithoutPlanIsUnresolved(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.UpsertFromEvent(context.Background(), domain.ProviderEvent{
		UserID:                 "user-1",
		Gateway:                routingdomain.GatewayPaddle,
		ExternalSubscriptionID: "sub_02",
		Status:                 "active",
		OccurredAt:             testNow,
	})
	assert.ErrorIs(t, err, domain.ErrPlanUnresolved)
}

func TestUpsertFromEvent_StaleEventIsDropped(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	planID := node.Generate()
	_, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_03",
		Status:                 "canceled",
		OccurredAt:             testNow,
	})
	require.NoError(t, err)

	// An earlier "active" delivered late must not resurrect the subscription.
	sub, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_03",
		Status:                 "active",
		OccurredAt:             testNow.Add(-time.Minute),
	})
	assert.ErrorIs(t, err, domain.ErrStaleEvent)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
}

func TestUpsertFromEvent_CanceledStatusForcesAutoRenewOff(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	planID := node.Generate()
	sub, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayPaddle,
		ExternalSubscriptionID: "sub_04",
		Status:                 "active",
		OccurredAt:             testNow,
	})
	require.NoError(t, err)
	assert.True(t, sub.AutoRenew)

	sub, err = svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayPaddle,
		ExternalSubscriptionID: "sub_04",
		Status:                 "canceled",
		OccurredAt:             testNow.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)
	assert.False(t, sub.AutoRenew)
	assert.NotNil(t, sub.CanceledAt)
}

func TestCancelFromEvent(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	planID := node.Generate()
	_, err := svc.UpsertFromEvent(ctx, domain.ProviderEvent{
		UserID:                 "user-1",
		PlanID:                 &planID,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: "sub_05",
		Status:                 "active",
		OccurredAt:             testNow,
	})
	require.NoError(t, err)

	err = svc.CancelFromEvent(ctx, domain.ProviderEvent{
		ExternalSubscriptionID: "sub_05",
		OccurredAt:             testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	current, err := svc.GetCurrent(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, current.Status)
	assert.False(t, current.AutoRenew)
}

func TestCancelFromEvent_Unknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.CancelFromEvent(context.Background(), domain.ProviderEvent{
		ExternalSubscriptionID: "sub_missing",
		OccurredAt:             testNow,
	})
	assert.ErrorIs(t, err, domain.ErrNoSubscription)
}

func TestMarkCanceled(t *testing.T) {
	svc, _, node := newTestService(t)
	ctx := context.Background()

	plan := plandomain.Plan{
		ID:           node.Generate(),
		DurationDays: 30,
		PaymentType:  plandomain.PaymentTypeRecurring,
		IsRecurring:  true,
	}
	_, err := svc.ActivateFromPayment(ctx, "user-1", plan, routingdomain.GatewayStripe, testNow)
	require.NoError(t, err)

	canceled, err := svc.MarkCanceled(ctx, "user-1", testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, canceled.Status)
	assert.False(t, canceled.AutoRenew)
	require.NotNil(t, canceled.CanceledAt)

	// Canceling twice stays canceled.
	again, err := svc.MarkCanceled(ctx, "user-1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, canceled.CanceledAt.Unix(), again.CanceledAt.Unix())
}

func TestGetCurrent_NoSubscription(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetCurrent(context.Background(), "user-unknown")
	assert.ErrorIs(t, err, domain.ErrNoSubscription)

	_, err = svc.GetCurrent(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}
