package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type TrackUsageRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Units       int64  `json:"units" binding:"required"`
	ElectionID  string `json:"election_id"`
	UsageType   string `json:"usage_type"`
	Description string `json:"description"`
}

type UnpaidSummary struct {
	UserID      string `json:"user_id"`
	TotalCents  int64  `json:"total_cents"`
	Currency    string `json:"currency"`
	ChargeCount int64  `json:"charge_count"`
}

type SettlementResult struct {
	UserID       string       `json:"user_id"`
	PaymentID    snowflake.ID `json:"payment_id"`
	SettledCents int64        `json:"settled_cents"`
	SettledCount int64        `json:"settled_count"`
}

type Service interface {
	// Track accrues a usage charge against the user's current pay-as-you-go
	// subscription. Users on non-metered plans get (nil, nil): tracked but
	// never billed per unit.
	Track(ctx context.Context, req TrackUsageRequest) (*UsageCharge, error)

	// UnpaidTotal sums the user's unsettled charges. Integer cents; no float
	// arithmetic anywhere in the money path.
	UnpaidTotal(ctx context.Context, userID string) (UnpaidSummary, error)

	// Settle marks every unpaid charge as paid by the given payment, atomically
	// with the sum it reports.
	Settle(ctx context.Context, userID string, paymentID snowflake.ID) (SettlementResult, error)
}
