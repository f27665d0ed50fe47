/*
Package purchase is the authoritative gate for paid content.

PURPOSE:
  Answers "has this user paid for this item?" from Purchase records only.
  Presentation code never holds a "has paid" flag of its own; every check
  routes through Gate.HasAccess.

STATUS LIFECYCLE:
  RecordPurchaseIntent  ->  PENDING
  ConfirmPurchase       PENDING   -> COMPLETED   (payment provider callback only)
  FailPurchase          PENDING   -> FAILED
  RefundPurchase        COMPLETED -> REFUNDED

  Only COMPLETED grants access. Every transition is a single conditional
  update in the store and is idempotent: repeating it returns the record
  already in the target status.

EVENT-DRIVEN ENROLLMENT:
  Listeners registered with OnConfirm run after every successful
  confirmation (including repeats). Listener failures are logged, never
  returned: the confirmation itself is already durable.
*/
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/access-engine/ledger"
)

// Store is what the gate needs from the Ledger Store.
type Store interface {
	GetCourse(ctx context.Context, id ledger.CourseID) (*ledger.Course, error)
	GetResource(ctx context.Context, id ledger.ResourceID) (*ledger.Resource, error)
	ledger.PurchaseStore
}

// ConfirmListener reacts to a confirmed purchase.
type ConfirmListener func(ctx context.Context, p ledger.Purchase) error

// Intent describes a purchase about to be paid.
type Intent struct {
	UserID        ledger.UserID
	Item          ledger.ItemRef
	AmountUSD     decimal.Decimal
	TransactionID string // provider transaction id; generated when empty
	Metadata      map[string]string
}

// Gate owns Purchase records.
type Gate struct {
	store     Store
	listeners []ConfirmListener

	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

func NewGate(store Store) *Gate {
	return &Gate{
		store:  store,
		Now:    time.Now,
		NewID:  uuid.NewString,
		Logger: slog.Default(),
	}
}

// OnConfirm registers a listener. Not safe to call concurrently with ConfirmPurchase.
func (g *Gate) OnConfirm(l ConfirmListener) {
	g.listeners = append(g.listeners, l)
}

// =============================================================================
// PRICING
// =============================================================================

// Price reports whether item is paid and its price. Free courses and
// non-premium resources are not paid.
func (g *Gate) Price(ctx context.Context, item ledger.ItemRef) (bool, decimal.Decimal, error) {
	switch item.Kind {
	case ledger.ItemCourse:
		c, err := g.store.GetCourse(ctx, ledger.CourseID(item.ID))
		if err != nil {
			return false, decimal.Zero, err
		}
		return !c.IsFree, c.PriceUSD, nil
	case ledger.ItemResource:
		r, err := g.store.GetResource(ctx, ledger.ResourceID(item.ID))
		if err != nil {
			return false, decimal.Zero, err
		}
		return r.IsPremium, r.PriceUSD, nil
	}
	return false, decimal.Zero, fmt.Errorf("%w: item %s", ledger.ErrNotFound, item)
}

// =============================================================================
// ACCESS
// =============================================================================

// HasAccess is true iff item is not paid or a COMPLETED purchase exists.
func (g *Gate) HasAccess(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (bool, error) {
	paid, _, err := g.Price(ctx, item)
	if err != nil {
		return false, err
	}
	if !paid {
		return true, nil
	}
	_, err = g.store.FindCompletedPurchase(ctx, userID, item)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompletedPurchase returns the purchase granting access, or ledger.ErrNotFound.
func (g *Gate) CompletedPurchase(ctx context.Context, userID ledger.UserID, item ledger.ItemRef) (*ledger.Purchase, error) {
	return g.store.FindCompletedPurchase(ctx, userID, item)
}

// Purchases lists a user's purchases in every status.
func (g *Gate) Purchases(ctx context.Context, userID ledger.UserID) ([]ledger.Purchase, error) {
	return g.store.ListPurchases(ctx, userID)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// RecordPurchaseIntent stores a PENDING purchase. Repeating an intent with the
// same transaction id returns the stored purchase.
func (g *Gate) RecordPurchaseIntent(ctx context.Context, in Intent) (ledger.Purchase, error) {
	paid, price, err := g.Price(ctx, in.Item)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if !paid {
		return ledger.Purchase{}, fmt.Errorf("%w: %s is free", ledger.ErrNotPurchasable, in.Item)
	}
	if !in.AmountUSD.Equal(price) {
		return ledger.Purchase{}, fmt.Errorf("%w: got %s, price %s", ledger.ErrAmountMismatch, in.AmountUSD, price)
	}

	txID := in.TransactionID
	if txID == "" {
		txID = g.NewID()
	}
	now := g.Now().UTC()
	p := ledger.Purchase{
		ID:            ledger.PurchaseID(g.NewID()),
		UserID:        in.UserID,
		Item:          in.Item,
		AmountUSD:     in.AmountUSD,
		Status:        ledger.PurchasePending,
		TransactionID: txID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      in.Metadata,
	}

	stored, created, err := g.store.InsertPurchase(ctx, p)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if !created && (stored.UserID != in.UserID || stored.Item != in.Item) {
		return ledger.Purchase{}, fmt.Errorf("%w: %s", ledger.ErrTransactionConflict, txID)
	}
	if created {
		g.Logger.InfoContext(ctx, "purchase intent recorded",
			"user_id", in.UserID, "item", in.Item.String(), "transaction_id", txID, "amount_usd", in.AmountUSD.String())
	}
	return stored, nil
}

// ConfirmPurchase marks a purchase COMPLETED. Called only from the payment
// provider's verified callback. Confirming twice returns the completed record.
func (g *Gate) ConfirmPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error) {
	p, err := g.transition(ctx, transactionID, ledger.PurchasePending, ledger.PurchaseCompleted)
	if err != nil {
		return ledger.Purchase{}, err
	}
	for _, l := range g.listeners {
		if err := l(ctx, p); err != nil {
			g.Logger.ErrorContext(ctx, "purchase confirm listener failed",
				"transaction_id", transactionID, "error", err)
		}
	}
	return p, nil
}

// FailPurchase marks a pending purchase FAILED.
func (g *Gate) FailPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error) {
	return g.transition(ctx, transactionID, ledger.PurchasePending, ledger.PurchaseFailed)
}

// RefundPurchase marks a completed purchase REFUNDED, revoking the access it granted.
func (g *Gate) RefundPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error) {
	return g.transition(ctx, transactionID, ledger.PurchaseCompleted, ledger.PurchaseRefunded)
}

func (g *Gate) transition(ctx context.Context, transactionID string, from, to ledger.PurchaseStatus) (ledger.Purchase, error) {
	changed, err := g.store.TransitionPurchase(ctx, transactionID, from, to, g.Now().UTC())
	if err != nil {
		return ledger.Purchase{}, err
	}
	p, err := g.store.GetPurchaseByTransaction(ctx, transactionID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if !changed && p.Status != to {
		return *p, fmt.Errorf("%w: %s is %s, cannot become %s", ledger.ErrInvalidTransition, transactionID, p.Status, to)
	}
	if changed {
		g.Logger.InfoContext(ctx, "purchase status changed",
			"transaction_id", transactionID, "user_id", p.UserID, "item", p.Item.String(), "from", from, "to", to)
	}
	return *p, nil
}
