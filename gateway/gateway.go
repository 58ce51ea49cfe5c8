// Package gateway defines the capability the escrow engine needs from a
// payment provider: hosted checkout, payouts, refunds and signed webhooks.
package gateway

import (
	"context"
	"errors"
)

// Provider event types the reconciler understands.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("gateway: invalid signature")
	// ErrDeclined marks a provider rejection that retrying cannot fix.
	ErrDeclined = errors.New("gateway: request declined")
)

// FundingRequest opens a hosted checkout for one milestone.
type FundingRequest struct {
	MilestoneID    string
	DealID         string
	Title          string
	Amount         int64
	Fee            int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// FundingIntent is the hosted checkout the buyer is redirected to.
type FundingIntent struct {
	Ref string
	URL string
}

// TransferRequest pays held funds out to the seller's connected account.
type TransferRequest struct {
	MilestoneID    string
	DealID         string
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// RefundRequest returns held funds to the buyer.
type RefundRequest struct {
	MilestoneID    string
	FundingRef     string
	Amount         int64
	IdempotencyKey string
}

// Event is a verified provider notification.
type Event struct {
	ID          string
	Type        string
	MilestoneID string
	// ProviderRef is the provider's id for the captured payment, when the
	// event carries one.
	ProviderRef string
	Payload     []byte
}

// Gateway is implemented by payment provider adapters.
type Gateway interface {
	CreateFundingIntent(ctx context.Context, req FundingRequest) (FundingIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
	CreateRefund(ctx context.Context, req RefundRequest) (string, error)
	VerifyEvent(payload []byte, signature string) (Event, error)
}

// IdempotencyKey derives the provider idempotency key for a fund movement
// on a milestone, so retries of the same transition never move money twice.
func IdempotencyKey(milestoneID, target string, suffix ...string) string {
	key := milestoneID + ":" + target
	for _, s := range suffix {
		key += ":" + s
	}
	return key
}
