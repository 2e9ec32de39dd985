package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/transfer"
)

// ErrInsufficientFunds is returned by Ledger when the payout exceeds the
// remaining balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Payout is a single settlement request. Amount is the net amount after fees.
type Payout struct {
	BatchID     string
	ItemID      string
	RecipientID string
	Account     string
	Amount      float64
	Currency    string
	Method      string
	Memo        string
}

// IdempotencyKey identifies a payout across retries of the same item.
func (p Payout) IdempotencyKey() string {
	return p.BatchID + ":" + p.ItemID
}

// Settler moves money and returns the provider's reference.
type Settler interface {
	Settle(ctx context.Context, p Payout) (reference string, err error)
}

// Ledger settles against an in-memory funded account. It is safe for
// concurrent use and replays the same reference for a repeated idempotency
// key without debiting twice.
type Ledger struct {
	mu      sync.Mutex
	balance int64 // cents
	settled map[string]string
}

func NewLedger(balance float64) *Ledger {
	return &Ledger{balance: toCents(balance), settled: make(map[string]string)}
}

func (l *Ledger) Settle(ctx context.Context, p Payout) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ref, ok := l.settled[p.IdempotencyKey()]; ok {
		return ref, nil
	}
	cents := toCents(p.Amount)
	if cents > l.balance {
		return "", fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, p.Amount, float64(l.balance)/100)
	}
	l.balance -= cents
	ref := "ldg_" + uuid.NewString()
	l.settled[p.IdempotencyKey()] = ref
	return ref, nil
}

// Balance returns the remaining balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.balance) / 100
}

// StripeSettler pays out through Stripe Connect transfers. Payout.Account is
// the destination connected account.
type StripeSettler struct {
	client transfer.Client
}

func NewStripeSettler(secretKey string) *StripeSettler {
	return &StripeSettler{client: transfer.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: secretKey,
	}}
}

func (s *StripeSettler) Settle(ctx context.Context, p Payout) (string, error) {
	if p.Account == "" {
		return "", errors.New("stripe payouts need a destination account")
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(toCents(p.Amount)),
		Currency:      stripe.String(strings.ToLower(p.Currency)),
		Destination:   stripe.String(p.Account),
		TransferGroup: stripe.String(p.BatchID),
	}
	if p.Memo != "" {
		params.Description = stripe.String(p.Memo)
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey())
	params.AddMetadata("recipient_id", p.RecipientID)
	params.AddMetadata("item_id", p.ItemID)
	params.AddMetadata("method", p.Method)

	t, err := s.client.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Msg != "" {
			return "", fmt.Errorf("stripe transfer: %s (%s)", serr.Msg, serr.Code)
		}
		return "", fmt.Errorf("stripe transfer: %w", err)
	}
	return t.ID, nil
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
