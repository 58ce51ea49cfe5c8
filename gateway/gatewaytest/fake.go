// Package gatewaytest provides an in-memory gateway.Gateway that records
// every fund movement, for tests across the escrow packages.
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"escrowflow/gateway"
)

// Call is one recorded fund movement.
type Call struct {
	Op             string
	MilestoneID    string
	Amount         int64
	Fee            int64
	Destination    string
	IdempotencyKey string
}

// Fake is a scriptable gateway. Failures queued with FailNext are consumed
// one per call.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	failures []error
	seen     map[string]string
	seq      int
	// Secret is the only signature VerifyEvent accepts.
	Secret string
}

var _ gateway.Gateway = (*Fake)(nil)

// New returns a Fake that accepts the signature "valid".
func New() *Fake {
	return &Fake{seen: map[string]string{}, Secret: "valid"}
}

// FailNext makes the next n calls fail with err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures = append(f.failures, err)
	}
}

// Calls returns every call that reached the provider, including failures.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Moves returns the successful transfers and refunds, deduplicated by
// idempotency key the way a real provider would.
func (f *Fake) Moves() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Call{}
	seen := map[string]bool{}
	for _, c := range f.calls {
		if c.Op != "transfer" && c.Op != "refund" {
			continue
		}
		if _, ok := f.seen[c.IdempotencyKey]; !ok || seen[c.IdempotencyKey] {
			continue
		}
		seen[c.IdempotencyKey] = true
		out = append(out, c)
	}
	return out
}

func (f *Fake) record(c Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return "", err
	}
	if ref, ok := f.seen[c.IdempotencyKey]; ok && c.IdempotencyKey != "" {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("%s_%d", c.Op, f.seq)
	if c.IdempotencyKey != "" {
		f.seen[c.IdempotencyKey] = ref
	}
	return ref, nil
}

func (f *Fake) CreateFundingIntent(ctx context.Context, req gateway.FundingRequest) (gateway.FundingIntent, error) {
	if err := ctx.Err(); err != nil {
		return gateway.FundingIntent{}, err
	}
	ref, err := f.record(Call{Op: "checkout", MilestoneID: req.MilestoneID, Amount: req.Amount, Fee: req.Fee, IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		return gateway.FundingIntent{}, err
	}
	return gateway.FundingIntent{Ref: ref, URL: "https://pay.example/" + ref}, nil
}

func (f *Fake) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.record(Call{Op: "transfer", MilestoneID: req.MilestoneID, Amount: req.Amount, Destination: req.Destination, IdempotencyKey: req.IdempotencyKey})
}

func (f *Fake) CreateRefund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.record(Call{Op: "refund", MilestoneID: req.MilestoneID, Amount: req.Amount, IdempotencyKey: req.IdempotencyKey})
}

// Payload is the JSON body VerifyEvent decodes.
type Payload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	MilestoneID string `json:"milestone_id"`
	PaymentRef  string `json:"payment_ref"`
}

// Encode marshals an event body for VerifyEvent.
func Encode(p Payload) []byte {
	b, _ := json.Marshal(p)
	return b
}

func (f *Fake) VerifyEvent(payload []byte, signature string) (gateway.Event, error) {
	if signature != f.Secret {
		return gateway.Event{}, gateway.ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gateway.Event{}, errors.Join(gateway.ErrInvalidSignature, err)
	}
	return gateway.Event{ID: p.ID, Type: p.Type, MilestoneID: p.MilestoneID, ProviderRef: p.PaymentRef, Payload: payload}, nil
}
