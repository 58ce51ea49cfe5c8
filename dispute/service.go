// Package dispute lets a party freeze a funded milestone and lets an admin
// settle it by release, refund or split.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
)

type Service struct {
	engine *lifecycle.Engine
	store  ledger.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewService(engine *lifecycle.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine: engine,
		store:  engine.Store(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithClock overrides the timestamp source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open records a dispute and moves the milestone to Disputed in one
// transaction. Automation stops for the milestone until it is resolved.
func (s *Service) Open(ctx context.Context, p OpenParams) (Outcome, error) {
	const op = "dispute.Open"
	reason := strings.TrimSpace(p.Reason)
	switch {
	case p.RaisedBy == "":
		return Outcome{}, escrowerr.New(escrowerr.KindUnauthorized, op, "cannot open dispute: unknown caller")
	case reason == "":
		return Outcome{}, escrowerr.New(escrowerr.KindValidation, op, "a reason is required")
	case utf8.RuneCountInString(reason) > maxReasonLen:
		return Outcome{}, escrowerr.New(escrowerr.KindValidation, op, "reason must be at most %d characters", maxReasonLen)
	case len(p.EvidenceRef) > maxEvidenceLen:
		return Outcome{}, escrowerr.New(escrowerr.KindValidation, op, "evidence reference is too long")
	}

	now := s.now()
	d := ledger.Dispute{
		ID:          uuid.NewString(),
		MilestoneID: p.MilestoneID,
		RaisedBy:    p.RaisedBy,
		Reason:      reason,
		EvidenceRef: strings.TrimSpace(p.EvidenceRef),
		Status:      ledger.DisputeOpen,
		CreatedAt:   now,
	}

	var out Outcome
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, p.MilestoneID)
		if errors.Is(err, ledger.ErrNotFound) {
			return escrowerr.Wrap(escrowerr.KindNotFound, op, err, "milestone not found")
		}
		if err != nil {
			return fmt.Errorf("dispute: load milestone: %w", err)
		}
		d.DealID = m.DealID
		if _, err := tx.LockDeal(ctx, m.DealID); err != nil {
			return fmt.Errorf("dispute: lock deal: %w", err)
		}

		if err := tx.InsertDispute(ctx, d); err != nil {
			if errors.Is(err, ledger.ErrOpenDispute) {
				return escrowerr.Wrap(escrowerr.KindInvalidTransition, op, err, "cannot open dispute: milestone is disputed")
			}
			return fmt.Errorf("dispute: insert: %w", err)
		}
		res, err := s.engine.Apply(ctx, tx, lifecycle.Request{
			Entity:    ledger.EntityMilestone,
			ID:        m.ID,
			Version:   p.Version,
			Target:    string(ledger.MilestoneDisputed),
			Actor:     lifecycle.User(p.RaisedBy),
			At:        now,
			DisputeID: d.ID,
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, "", string(ledger.DisputeOpen), p.RaisedBy, res.Milestone.Version, now,
			ledger.TopicDisputeOpened, map[string]any{"reason": reason}); err != nil {
			return err
		}
		out = Outcome{Dispute: d, Result: res}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("dispute opened",
		zap.String("dispute_id", d.ID),
		zap.String("milestone_id", d.MilestoneID),
		zap.String("actor", p.RaisedBy),
	)
	return out, nil
}

// Resolve closes an open dispute and settles the milestone. The dispute
// closes and the money moves in the same transaction, so a gateway failure
// leaves the dispute open.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (Outcome, error) {
	const op = "dispute.Resolve"
	if p.Admin.Role != lifecycle.RoleAdmin {
		return Outcome{}, escrowerr.New(escrowerr.KindUnauthorized, op, "admin only")
	}
	to, ok := target(p.Resolution)
	if !ok {
		return Outcome{}, escrowerr.New(escrowerr.KindValidation, op, "unknown resolution %q", p.Resolution)
	}

	d, err := s.store.GetDispute(ctx, p.DisputeID)
	if err != nil {
		return Outcome{}, lookupErr(op, "dispute", err)
	}
	if d.Status != ledger.DisputeOpen {
		return Outcome{}, escrowerr.New(escrowerr.KindAlreadyTerminal, op, "dispute is already resolved")
	}
	if p.Resolution == ledger.ResolutionSplit {
		m, err := s.store.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return Outcome{}, lookupErr(op, "milestone", err)
		}
		if err := lifecycle.ValidateSplit(m.Amount, p.SellerAmount, p.BuyerAmount); err != nil {
			return Outcome{}, err
		}
	}

	now := s.now()
	resolved := d
	resolved.Status = ledger.DisputeResolved
	resolved.Resolution = p.Resolution
	resolved.ResolvedBy = p.Admin.ID
	resolved.ResolvedAt = &now

	var out Outcome
	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		m, err := tx.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return lookupErr(op, "milestone", err)
		}
		if _, err := tx.LockDeal(ctx, m.DealID); err != nil {
			return lookupErr(op, "deal", err)
		}
		switch p.Resolution {
		case ledger.ResolutionRelease:
			resolved.SellerAmount, resolved.BuyerAmount = m.Amount, 0
		case ledger.ResolutionRefund:
			resolved.SellerAmount, resolved.BuyerAmount = 0, m.Amount
		case ledger.ResolutionSplit:
			resolved.SellerAmount, resolved.BuyerAmount = p.SellerAmount, p.BuyerAmount
		}
		// Closing the dispute first serialises concurrent resolutions on
		// the dispute row.
		if err := tx.ResolveDispute(ctx, resolved); err != nil {
			if errors.Is(err, ledger.ErrStaleVersion) {
				return escrowerr.Wrap(escrowerr.KindAlreadyTerminal, op, err, "dispute is already resolved")
			}
			return lookupErr(op, "dispute", err)
		}
		res, err := s.engine.Apply(ctx, tx, lifecycle.Request{
			Entity:       ledger.EntityMilestone,
			ID:           m.ID,
			Version:      p.Version,
			Target:       string(to),
			Actor:        p.Admin,
			At:           now,
			Note:         p.Note,
			DisputeID:    d.ID,
			SellerAmount: resolved.SellerAmount,
			BuyerAmount:  resolved.BuyerAmount,
		})
		if err != nil {
			return err
		}
		if err := s.record(ctx, tx, resolved, string(ledger.DisputeOpen), string(ledger.DisputeResolved), p.Admin.ID,
			res.Milestone.Version, now, ledger.TopicDisputeResolved, map[string]any{
				"resolution":    string(p.Resolution),
				"seller_amount": resolved.SellerAmount,
				"buyer_amount":  resolved.BuyerAmount,
			}); err != nil {
			return err
		}
		out = Outcome{Dispute: resolved, Result: res}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("dispute resolved",
		zap.String("dispute_id", d.ID),
		zap.String("milestone_id", d.MilestoneID),
		zap.String("resolution", string(p.Resolution)),
		zap.String("actor", p.Admin.ID),
	)
	return out, nil
}

// List returns every dispute raised on a milestone, newest first.
func (s *Service) List(ctx context.Context, milestoneID string) ([]ledger.Dispute, error) {
	out, err := s.store.ListDisputes(ctx, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return ledger.Dispute{}, lookupErr("dispute.Get", "dispute", err)
	}
	return d, nil
}

func (s *Service) record(ctx context.Context, tx ledger.Tx, d ledger.Dispute, from, to, actor string, version int64, at time.Time, topic string, extra map[string]any) error {
	payload := map[string]any{
		"dispute_id":   d.ID,
		"milestone_id": d.MilestoneID,
		"deal_id":      d.DealID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := tx.AppendAudit(ctx, ledger.AuditEntry{
		EntityType: ledger.EntityDispute,
		EntityID:   d.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor,
		Version:    version,
		Payload:    payload,
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("dispute: append audit: %w", err)
	}
	if err := tx.Enqueue(ctx, topic, payload); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}

func lookupErr(op, what string, err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return escrowerr.Wrap(escrowerr.KindNotFound, op, err, "%s not found", what)
	}
	return fmt.Errorf("dispute: %s: %w", op, err)
}
