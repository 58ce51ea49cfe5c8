// Package reconcile turns verified payment provider notifications into
// lifecycle transitions. Each provider event id is applied at most once.
package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"escrowflow/escrowerr"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
)

// Verifier authenticates a raw provider payload.
type Verifier interface {
	VerifyEvent(payload []byte, signature string) (gateway.Event, error)
}

// Ack is what the provider endpoint reports back. Rejected events are still
// acknowledged so the provider stops redelivering them.
type Ack struct {
	EventID   string
	Duplicate bool
	Outcome   ledger.EventOutcome
	// Anomaly explains a rejected event.
	Anomaly string
}

type Processor struct {
	engine   *lifecycle.Engine
	store    ledger.Store
	verifier Verifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewProcessor wires a processor. A nil logger is replaced by a no-op one.
func NewProcessor(engine *lifecycle.Engine, verifier Verifier, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:   engine,
		store:    engine.Store(),
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithClock overrides the receive timestamp source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// HandleProviderEvent verifies, records and applies one provider event in a
// single ledger transaction. An error means nothing was recorded and the
// provider should redeliver.
func (p *Processor) HandleProviderEvent(ctx context.Context, payload []byte, signature string) (Ack, error) {
	const op = "reconcile.HandleProviderEvent"
	ev, err := p.verifier.VerifyEvent(payload, signature)
	if err != nil {
		if escrowerr.KindOf(err) != "" {
			return Ack{}, err
		}
		if errors.Is(err, gateway.ErrInvalidSignature) {
			return Ack{}, escrowerr.Wrap(escrowerr.KindInvalidSignature, op, err, "invalid event signature")
		}
		return Ack{}, fmt.Errorf("reconcile: verify: %w", err)
	}
	if ev.ID == "" {
		return Ack{}, escrowerr.New(escrowerr.KindValidation, op, "event has no id")
	}

	if prior, err := p.store.GetPaymentEvent(ctx, ev.ID); err == nil {
		return p.duplicate(prior), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Ack{}, fmt.Errorf("reconcile: lookup event: %w", err)
	}

	rec := ledger.PaymentEvent{
		ProviderEventID: ev.ID,
		Type:            ev.Type,
		MilestoneID:     ev.MilestoneID,
		PayloadDigest:   Digest(payload),
		ReceivedAt:      p.now(),
	}

	err = p.store.InTx(ctx, func(tx ledger.Tx) error {
		outcome, detail, err := p.apply(ctx, tx, ev)
		if err != nil {
			return err
		}
		processed := p.now()
		rec.Outcome, rec.Detail, rec.ProcessedAt = outcome, detail, &processed

		if outcome == ledger.OutcomeRejected {
			if err := tx.Enqueue(ctx, ledger.TopicReconcileAnomaly, map[string]any{
				"event_id":     ev.ID,
				"type":         ev.Type,
				"milestone_id": ev.MilestoneID,
				"detail":       detail,
			}); err != nil {
				return fmt.Errorf("reconcile: enqueue anomaly: %w", err)
			}
		}
		// Recorded last so a concurrent delivery of the same id loses here
		// and its transition is rolled back with it.
		if err := tx.InsertPaymentEvent(ctx, rec); err != nil {
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		prior, gerr := p.store.GetPaymentEvent(ctx, ev.ID)
		if gerr != nil {
			prior = ledger.PaymentEvent{ProviderEventID: ev.ID}
		}
		return p.duplicate(prior), nil
	case err != nil:
		p.logger.Error("provider event not recorded",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
		return Ack{}, err
	}

	ack := Ack{EventID: ev.ID, Outcome: rec.Outcome}
	if rec.Outcome == ledger.OutcomeRejected {
		ack.Anomaly = rec.Detail
		p.logger.Warn("provider event rejected",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.String("milestone_id", ev.MilestoneID),
			zap.String("detail", rec.Detail),
		)
	} else {
		p.logger.Info("provider event processed",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.String("milestone_id", ev.MilestoneID),
			zap.String("outcome", string(rec.Outcome)),
		)
	}
	return ack, nil
}

// apply maps the event onto a milestone transition. Rejections come back as
// an outcome; only infrastructure failures are returned as errors.
func (p *Processor) apply(ctx context.Context, tx ledger.Tx, ev gateway.Event) (ledger.EventOutcome, string, error) {
	var target ledger.MilestoneStatus
	switch ev.Type {
	case gateway.EventCheckoutCompleted:
		target = ledger.MilestoneFunded
	case gateway.EventCheckoutExpired:
		target = ledger.MilestoneCreated
	default:
		return ledger.OutcomeIgnored, "unhandled event type", nil
	}

	// Malformed ids never reach the database; Postgres aborts the
	// transaction on an invalid uuid literal.
	if _, err := uuid.Parse(ev.MilestoneID); err != nil {
		return ledger.OutcomeRejected, "event references no known milestone", nil
	}
	m, err := tx.GetMilestone(ctx, ev.MilestoneID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.OutcomeRejected, "event references no known milestone", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("reconcile: load milestone: %w", err)
	}

	_, err = p.engine.Apply(ctx, tx, lifecycle.Request{
		Entity:      ledger.EntityMilestone,
		ID:          m.ID,
		Version:     m.Version,
		Target:      string(target),
		Actor:       lifecycle.Reconciler,
		ProviderRef: ev.ProviderRef,
		Note:        "provider event " + ev.ID,
	})
	if err == nil {
		return ledger.OutcomeApplied, "", nil
	}
	switch escrowerr.KindOf(err) {
	case "", escrowerr.KindGatewayFailure:
		return "", "", err
	}
	return ledger.OutcomeRejected, escrowerr.UserMessage(err), nil
}

func (p *Processor) duplicate(prior ledger.PaymentEvent) Ack {
	p.logger.Debug("duplicate provider event", zap.String("event_id", prior.ProviderEventID))
	return Ack{EventID: prior.ProviderEventID, Duplicate: true, Outcome: prior.Outcome}
}

// Digest fingerprints a raw payload for the payment event record.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
