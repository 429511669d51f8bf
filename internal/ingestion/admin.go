package ingestion

import (
	"HabitLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdminIngestService injects operator events: custody confirmations,
// manual settles, and price backfill. In production custody events come
// from the bridge that watches the custodian; this service is the same
// path driven by hand.
type AdminIngestService struct {
	gateway *CommandGateway
	js      Publisher
}

func NewAdminIngestService(gateway *CommandGateway, js Publisher) *AdminIngestService {
	return &AdminIngestService{gateway: gateway, js: js}
}

// InjectDeposit records a confirmed deposit. depositID doubles as the
// idempotency key, so operators replaying a custody report are safe.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	depositID uuid.UUID,
	userID uuid.UUID,
	asset string,
	amount int64,
) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	return s.gateway.Submit(ctx, &event.DepositConfirmed{
		DepositID: depositID,
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Timestamp: time.Now(),
	})
}

// InjectWithdrawalConfirm records custody confirmation of a pending
// withdrawal. Amount must match the original request.
func (s *AdminIngestService) InjectWithdrawalConfirm(
	ctx context.Context,
	withdrawalID uuid.UUID,
	userID uuid.UUID,
	asset string,
	amount int64,
) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	return s.gateway.Submit(ctx, &event.WithdrawalConfirmed{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    time.Now(),
	})
}

// InjectWithdrawalReject returns a pending withdrawal to collateral.
func (s *AdminIngestService) InjectWithdrawalReject(
	ctx context.Context,
	withdrawalID uuid.UUID,
	userID uuid.UUID,
	asset string,
	amount int64,
	reason string,
) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	return s.gateway.Submit(ctx, &event.WithdrawalRejected{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    time.Now(),
		Reason:       reason,
	})
}

// InjectForceSettle triggers penalty settlement for one habit.
// Settlement is permissionless, so operators may fire it directly when
// the keeper is behind.
func (s *AdminIngestService) InjectForceSettle(
	ctx context.Context,
	habitID int64,
) (int64, error) {
	if habitID <= 0 {
		return 0, fmt.Errorf("habit id must be positive")
	}

	return s.gateway.Submit(ctx, &event.ForceSettle{
		CommandID: uuid.New(),
		HabitID:   habitID,
		Timestamp: time.Now(),
	})
}

// InjectPrice publishes a quote directly to the feed subject. Prices
// carry per-feed sequences, so they bypass the gateway; the operator owns
// picking a sequence above the feed's last applied one.
func (s *AdminIngestService) InjectPrice(
	ctx context.Context,
	feed string,
	price int64,
	priceSequence int64,
) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	evt := &event.PriceUpdate{
		Feed:           feed,
		Price:          price,
		PriceSequence:  priceSequence,
		PriceTimestamp: time.Now().UnixMicro(),
	}
	data, err := MarshalEvent(evt)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("habits.prices.%s", feed)
	_, err = s.js.Publish(ctx, subject, data)
	return err
}
