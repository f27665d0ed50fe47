/*
Package payments takes payment-provider outcomes into the purchase gate.

INTAKE PATHS:
  1. Signed webhook      POST /api/payments/webhook, X-Signature: sha256=<hex>
  2. Redis Stream        consumer group reading {transaction_id, status}

  Both decode to an Event and go through Apply. Applying the same event
  twice is harmless: purchase transitions are idempotent.
*/
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/access-engine/ledger"
)

const SignatureHeader = "X-Signature"

var (
	ErrBadSignature = errors.New("payment event signature invalid")
	ErrBadEvent     = errors.New("payment event malformed")
)

// Event is one provider outcome for a transaction.
type Event struct {
	TransactionID string                `json:"transaction_id"`
	Status        ledger.PurchaseStatus `json:"status"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.TransactionID) == "" {
		return fmt.Errorf("%w: transaction_id required", ErrBadEvent)
	}
	switch e.Status {
	case ledger.PurchaseCompleted, ledger.PurchaseFailed, ledger.PurchaseRefunded:
		return nil
	default:
		return fmt.Errorf("%w: unsupported status %q", ErrBadEvent, e.Status)
	}
}

// Gate is the slice of purchase.Gate that provider outcomes drive.
type Gate interface {
	ConfirmPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error)
	FailPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error)
	RefundPurchase(ctx context.Context, transactionID string) (ledger.Purchase, error)
}

// Apply routes ev to the matching gate transition.
func Apply(ctx context.Context, gate Gate, ev Event) (ledger.Purchase, error) {
	if err := ev.Validate(); err != nil {
		return ledger.Purchase{}, err
	}
	switch ev.Status {
	case ledger.PurchaseCompleted:
		return gate.ConfirmPurchase(ctx, ev.TransactionID)
	case ledger.PurchaseFailed:
		return gate.FailPurchase(ctx, ev.TransactionID)
	default:
		return gate.RefundPurchase(ctx, ev.TransactionID)
	}
}

// =============================================================================
// Webhook signatures
// =============================================================================

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the header value for body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body in constant time.
func (s *Signer) Verify(body []byte, header string) error {
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
