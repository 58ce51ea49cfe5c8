// Package stripegw adapts Stripe Checkout, Connect transfers and refunds to
// the gateway.Gateway capability.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"escrowflow/gateway"
)

// Config holds the Stripe credentials. Backend overrides the API endpoint
// and is only set by tests.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Backend       stripe.Backend
}

// Gateway talks to Stripe.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

var _ gateway.Gateway = (*Gateway)(nil)

// New returns a Stripe-backed gateway.
func New(cfg Config) *Gateway {
	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &Gateway{api: api, webhookSecret: cfg.WebhookSecret}
}

func transferGroup(dealID string) string {
	return "deal-" + dealID
}

func (g *Gateway) CreateFundingIntent(ctx context.Context, req gateway.FundingRequest) (gateway.FundingIntent, error) {
	meta := map[string]string{
		"milestone_id": req.MilestoneID,
		"deal_id":      req.DealID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.MilestoneID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("Escrow for '%s'", req.Title)),
					Description: stripe.String("Deal ID: " + req.DealID),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata:      meta,
			TransferGroup: stripe.String(transferGroup(req.DealID)),
		},
	}
	if req.Fee > 0 {
		params.PaymentIntentData.ApplicationFeeAmount = stripe.Int64(req.Fee)
	}
	params.Metadata = meta
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return gateway.FundingIntent{}, classify("create checkout session", err)
	}
	return gateway.FundingIntent{Ref: s.ID, URL: s.URL}, nil
}

func (g *Gateway) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(transferGroup(req.DealID)),
	}
	params.AddMetadata("milestone_id", req.MilestoneID)
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	t, err := g.api.Transfers.New(params)
	if err != nil {
		return "", classify("create transfer", err)
	}
	return t.ID, nil
}

func (g *Gateway) CreateRefund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	if req.FundingRef == "" {
		return "", fmt.Errorf("stripegw: create refund: %w: milestone %s has no captured payment", gateway.ErrDeclined, req.MilestoneID)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.FundingRef),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.AddMetadata("milestone_id", req.MilestoneID)
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return "", classify("create refund", err)
	}
	return r.ID, nil
}

// VerifyEvent checks the Stripe-Signature header and extracts the
// milestone reference from checkout session events.
func (g *Gateway) VerifyEvent(payload []byte, signature string) (gateway.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
	}

	out := gateway.Event{ID: ev.ID, Type: string(ev.Type), Payload: payload}
	switch out.Type {
	case gateway.EventCheckoutCompleted, gateway.EventCheckoutExpired:
		if ev.Data == nil {
			return out, nil
		}
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return gateway.Event{}, fmt.Errorf("stripegw: decode checkout session: %w", err)
		}
		out.MilestoneID = s.ClientReferenceID
		if out.MilestoneID == "" {
			out.MilestoneID = s.Metadata["milestone_id"]
		}
		if s.PaymentIntent != nil {
			out.ProviderRef = s.PaymentIntent.ID
		}
	}
	return out, nil
}

// classify marks client-side Stripe rejections as permanent so the retry
// wrapper stops early. Rate limits and idempotency conflicts stay transient.
func classify(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code := serr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusConflict {
			return fmt.Errorf("stripegw: %s: %w: %s", op, gateway.ErrDeclined, serr.Msg)
		}
	}
	return fmt.Errorf("stripegw: %s: %w", op, err)
}
