// Package lifecycle is the single authority over deal and milestone state.
// Every transition, whether requested by a user, an admin, the scheduler or
// the payment reconciler, is validated here and written through a versioned
// conditional update together with its audit entry, outbox message, deal
// cascade and fund movement.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/escrowerr"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

// Accounts answers the user-level questions the engine needs when funding
// and paying out.
type Accounts interface {
	// PayoutAccount returns "" when the user has not connected one.
	PayoutAccount(ctx context.Context, userID string) (string, error)
	ClaimFreeTrade(ctx context.Context, userID string) (bool, error)
	RestoreFreeTrade(ctx context.Context, userID string) error
}

// Options configures deadlines, fees and checkout redirects.
type Options struct {
	OfferTTL         time.Duration
	AutoRefundAfter  time.Duration
	AutoReleaseAfter time.Duration
	FeePercent       float64
	Currency         string
	BaseURL          string
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Engine applies lifecycle transitions.
type Engine struct {
	store    ledger.Store
	gw       gateway.Gateway
	accounts Accounts
	opts     Options
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine wires an engine. Zero durations fall back to 24h offers and
// 7 day automation windows.
func NewEngine(store ledger.Store, gw gateway.Gateway, accounts Accounts, opts Options) *Engine {
	if opts.OfferTTL <= 0 {
		opts.OfferTTL = 24 * time.Hour
	}
	if opts.AutoRefundAfter <= 0 {
		opts.AutoRefundAfter = 7 * 24 * time.Hour
	}
	if opts.AutoReleaseAfter <= 0 {
		opts.AutoReleaseAfter = 7 * 24 * time.Hour
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	e := &Engine{store: store, gw: gw, accounts: accounts, opts: opts, now: opts.Clock, logger: opts.Logger}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Store exposes the ledger for read-side callers.
func (e *Engine) Store() ledger.Store {
	return e.store
}

// Request asks for one entity to move to Target. Version is the caller's
// last-known version of the entity.
type Request struct {
	Entity  ledger.EntityType
	ID      string
	Version int64
	Target  string
	Actor   Actor
	// At is the logical time of the request; zero means now. Automatic
	// edges compare it against the entity's deadline.
	At   time.Time
	Note string

	// ProviderRef is the captured payment reference when funding.
	ProviderRef string
	// DisputeID links dispute open and resolution requests to the dispute.
	DisputeID string
	// Fee is the platform fee attached to a new checkout.
	Fee int64
	// SellerAmount and BuyerAmount carry a split resolution.
	SellerAmount int64
	BuyerAmount  int64
}

// Result is the state after an accepted transition.
type Result struct {
	Deal      ledger.Deal
	Milestone ledger.Milestone
	From      string
	To        string
}

// RequestTransition validates and applies req in its own ledger transaction.
func (e *Engine) RequestTransition(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		res, err = e.Apply(ctx, tx, req)
		return err
	})
	if err != nil {
		e.logger.Debug("transition rejected",
			zap.String("entity", string(req.Entity)),
			zap.String("id", req.ID),
			zap.String("target", req.Target),
			zap.String("actor", req.Actor.ID),
			zap.Error(err),
		)
		return Result{}, err
	}
	return res, nil
}

// Apply validates and applies req inside an existing transaction. Callers
// that need to write their own rows atomically with the transition, such as
// the reconciler and the dispute service, use this directly.
func (e *Engine) Apply(ctx context.Context, tx ledger.Tx, req Request) (Result, error) {
	if req.At.IsZero() {
		req.At = e.now()
	}
	switch req.Entity {
	case ledger.EntityMilestone:
		return e.applyMilestone(ctx, tx, req)
	case ledger.EntityDeal:
		return e.applyDeal(ctx, tx, req)
	default:
		return Result{}, escrowerr.New(escrowerr.KindValidation, "lifecycle.Apply", "unknown entity %q", req.Entity)
	}
}

func (e *Engine) applyMilestone(ctx context.Context, tx ledger.Tx, req Request) (Result, error) {
	const op = "lifecycle.Milestone"
	target := ledger.MilestoneStatus(req.Target)
	action := verb(req.Target)

	m, err := tx.GetMilestone(ctx, req.ID)
	if err != nil {
		return Result{}, storeErr(op, "milestone", err)
	}
	// Siblings serialise on the parent deal, so the cascade below sees
	// their committed state. Re-read the milestone once the lock is held.
	deal, err := tx.LockDeal(ctx, m.DealID)
	if err != nil {
		return Result{}, storeErr(op, "deal", err)
	}
	if m, err = tx.GetMilestone(ctx, req.ID); err != nil {
		return Result{}, storeErr(op, "milestone", err)
	}
	if m.Version != req.Version {
		return Result{}, escrowerr.New(escrowerr.KindStaleVersion, op, "milestone changed since it was read")
	}
	if m.Status.Terminal() {
		return Result{}, escrowerr.New(escrowerr.KindAlreadyTerminal, op, "cannot %s: milestone is already %s", action, m.Status)
	}
	if m.Status == ledger.MilestoneDisputed && req.DisputeID == "" {
		return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: milestone is disputed", action)
	}
	roles, ok := milestoneEdge(m.Status, target)
	if !ok {
		return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: milestone is %s", action, m.Status)
	}

	role := milestoneRole(deal, req.Actor)
	if !permitted(roles, role) {
		return Result{}, escrowerr.New(escrowerr.KindUnauthorized, op, "cannot %s: not permitted for this deal", action)
	}

	open, err := tx.OpenDisputeFor(ctx, m.ID)
	switch {
	case err == nil && open.ID != req.DisputeID:
		return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: milestone is disputed", action)
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return Result{}, storeErr(op, "dispute", err)
	}
	if target == ledger.MilestoneDisputed && req.DisputeID == "" {
		return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot open dispute: a dispute record is required")
	}

	if err := checkDeal(deal, target, action); err != nil {
		return Result{}, err
	}
	if role == RoleScheduler {
		if err := checkDeadline(deal, m, target, req.At, action); err != nil {
			return Result{}, err
		}
	}

	next, err := plan(m, deal, req, e.opts)
	if err != nil {
		return Result{}, err
	}

	var payout string
	if next.SellerAmount > 0 && target.Terminal() {
		payout, err = e.accounts.PayoutAccount(ctx, deal.SellerID())
		if err != nil {
			return Result{}, fmt.Errorf("lifecycle: payout account: %w", err)
		}
		if payout == "" {
			return Result{}, escrowerr.New(escrowerr.KindValidation, op, "cannot %s: seller has not connected a payout account", action)
		}
	}

	updated, err := tx.UpdateMilestone(ctx, next, req.Version)
	if err != nil {
		return Result{}, storeErr(op, "milestone", err)
	}

	payload := map[string]any{"deal_id": deal.ID}
	if req.Note != "" {
		payload["note"] = req.Note
	}
	if req.ProviderRef != "" {
		payload["provider_ref"] = req.ProviderRef
	}
	if req.DisputeID != "" {
		payload["dispute_id"] = req.DisputeID
	}
	if target == ledger.MilestoneSplit {
		payload["seller_amount"] = updated.SellerAmount
		payload["buyer_amount"] = updated.BuyerAmount
	}
	if target == ledger.MilestoneAwaitingFunding {
		payload["fee_amount"] = updated.FeeAmount
	}
	if err := record(ctx, tx, ledger.EntityMilestone, updated.ID, string(m.Status), string(target), req.Actor, role, updated.Version, req.At, payload,
		ledger.TopicMilestoneStatusChanged, map[string]any{
			"milestone_id": updated.ID,
			"deal_id":      deal.ID,
			"from":         string(m.Status),
			"to":           string(target),
			"version":      updated.Version,
			"actor_role":   string(role),
		}); err != nil {
		return Result{}, err
	}

	deal, err = e.cascade(ctx, tx, deal, target, req.At)
	if err != nil {
		return Result{}, err
	}

	if err := e.moveFunds(ctx, tx, deal, &updated, payout); err != nil {
		return Result{}, err
	}

	e.logger.Info("milestone transition applied",
		zap.String("milestone_id", updated.ID),
		zap.String("deal_id", deal.ID),
		zap.String("from", string(m.Status)),
		zap.String("to", string(target)),
		zap.String("actor_role", string(role)),
		zap.Int64("version", updated.Version),
	)
	return Result{Deal: deal, Milestone: updated, From: string(m.Status), To: string(target)}, nil
}

// checkDeal enforces that the parent deal permits milestone movement.
func checkDeal(d ledger.Deal, target ledger.MilestoneStatus, action string) error {
	const op = "lifecycle.Milestone"
	switch target {
	case ledger.MilestoneCreated:
		return nil
	case ledger.MilestoneAwaitingFunding, ledger.MilestoneFunded:
		if d.Status != ledger.DealAccepted && d.Status != ledger.DealActive {
			return escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: deal is %s", action, d.Status)
		}
	default:
		if d.Status != ledger.DealActive {
			return escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: deal is %s", action, d.Status)
		}
	}
	if target == ledger.MilestoneShipped && d.Kind != ledger.KindTrade {
		return escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: only trades are shipped", action)
	}
	return nil
}

// checkDeadline gates the automatic edges on the milestone's own deadlines.
func checkDeadline(d ledger.Deal, m ledger.Milestone, target ledger.MilestoneStatus, at time.Time, action string) error {
	const op = "lifecycle.Milestone"
	due := false
	switch target {
	case ledger.MilestoneRefunded:
		due = d.Kind == ledger.KindTrade && m.ShippedAt == nil && m.AutoRefundAt != nil && !at.Before(*m.AutoRefundAt)
	case ledger.MilestoneReleased:
		due = m.AutoReleaseAt != nil && !at.Before(*m.AutoReleaseAt)
	}
	if !due {
		return escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: deadline not reached", action)
	}
	return nil
}

// plan computes the row written for an accepted milestone transition.
func plan(m ledger.Milestone, d ledger.Deal, req Request, opts Options) (ledger.Milestone, error) {
	next := m
	next.Status = ledger.MilestoneStatus(req.Target)
	at := req.At

	switch next.Status {
	case ledger.MilestoneAwaitingFunding:
		if req.Fee < 0 || req.Fee >= m.Amount {
			return ledger.Milestone{}, escrowerr.New(escrowerr.KindValidation, "lifecycle.Milestone", "fee must be below the milestone amount")
		}
		next.FeeAmount = req.Fee
		next.CheckoutRef, next.CheckoutURL = "", ""
	case ledger.MilestoneCreated:
		next.CheckoutRef, next.CheckoutURL = "", ""
		next.FeeAmount = 0
	case ledger.MilestoneFunded:
		next.FundingRef = req.ProviderRef
		next.FundedAt = &at
		if d.Kind == ledger.KindTrade {
			refundAt := at.Add(opts.AutoRefundAfter)
			next.AutoRefundAt = &refundAt
		} else {
			releaseAt := at.Add(opts.AutoReleaseAfter)
			next.AutoReleaseAt = &releaseAt
		}
	case ledger.MilestoneShipped:
		next.ShippedAt = &at
		releaseAt := at.Add(opts.AutoReleaseAfter)
		next.AutoRefundAt = nil
		next.AutoReleaseAt = &releaseAt
	case ledger.MilestoneReleased:
		next.SellerAmount, next.BuyerAmount = m.Amount, 0
	case ledger.MilestoneRefunded:
		next.SellerAmount, next.BuyerAmount = 0, m.Amount
	case ledger.MilestoneSplit:
		if err := ValidateSplit(m.Amount, req.SellerAmount, req.BuyerAmount); err != nil {
			return ledger.Milestone{}, err
		}
		next.SellerAmount, next.BuyerAmount = req.SellerAmount, req.BuyerAmount
	}

	if next.Status.Terminal() {
		next.SettledAt = &at
		next.AutoRefundAt = nil
		next.AutoReleaseAt = nil
	}
	return next, nil
}

// ValidateSplit checks that a split divides the milestone exactly.
func ValidateSplit(amount, seller, buyer int64) error {
	if seller < 0 || buyer < 0 {
		return escrowerr.New(escrowerr.KindValidation, "lifecycle.ValidateSplit", "split amounts must not be negative")
	}
	if seller+buyer != amount {
		return escrowerr.New(escrowerr.KindValidation, "lifecycle.ValidateSplit",
			"split amounts must add up to the milestone amount (%d + %d != %d)", seller, buyer, amount)
	}
	return nil
}

// cascade moves the parent deal after a milestone transition: the first
// funding activates it, and the last settlement completes it.
func (e *Engine) cascade(ctx context.Context, tx ledger.Tx, d ledger.Deal, target ledger.MilestoneStatus, at time.Time) (ledger.Deal, error) {
	switch {
	case target == ledger.MilestoneFunded && d.Status == ledger.DealAccepted:
		return e.writeDeal(ctx, tx, d, ledger.DealActive, engineActor, RoleEngine, at, nil)
	case target.Terminal() && d.Status == ledger.DealActive:
		ms, err := tx.ListMilestones(ctx, d.ID)
		if err != nil {
			return ledger.Deal{}, storeErr("lifecycle.cascade", "milestones", err)
		}
		for _, m := range ms {
			if !m.Status.Terminal() {
				return d, nil
			}
		}
		return e.writeDeal(ctx, tx, d, ledger.DealCompleted, engineActor, RoleEngine, at, nil)
	}
	return d, nil
}

func (e *Engine) applyDeal(ctx context.Context, tx ledger.Tx, req Request) (Result, error) {
	const op = "lifecycle.Deal"
	target := ledger.DealStatus(req.Target)
	action := verb(req.Target)

	d, err := tx.LockDeal(ctx, req.ID)
	if err != nil {
		return Result{}, storeErr(op, "deal", err)
	}
	if d.Version != req.Version {
		return Result{}, escrowerr.New(escrowerr.KindStaleVersion, op, "deal changed since it was read")
	}
	if d.Status.Terminal() {
		return Result{}, escrowerr.New(escrowerr.KindAlreadyTerminal, op, "cannot %s: deal is already %s", action, d.Status)
	}
	roles, ok := dealEdge(d.Status, target)
	if !ok {
		return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot %s: deal is %s", action, d.Status)
	}
	role := dealRole(d, req.Actor)
	if !permitted(roles, role) {
		return Result{}, escrowerr.New(escrowerr.KindUnauthorized, op, "cannot %s: not permitted for this deal", action)
	}

	switch target {
	case ledger.DealExpired:
		if req.At.Before(d.AcceptanceDeadline) {
			return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot expire: acceptance deadline not reached")
		}
	case ledger.DealCancelled:
		ms, err := tx.ListMilestones(ctx, d.ID)
		if err != nil {
			return Result{}, storeErr(op, "milestones", err)
		}
		for _, m := range ms {
			if m.Status != ledger.MilestoneCreated && m.Status != ledger.MilestoneAwaitingFunding {
				return Result{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot cancel: deal has funded milestones")
			}
		}
	}

	var payload map[string]any
	if req.Note != "" {
		payload = map[string]any{"note": req.Note}
		d.Notes = appendNote(d.Notes, req.At, req.Note)
	}
	updated, err := e.writeDeal(ctx, tx, d, target, req.Actor, role, req.At, payload)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("deal transition applied",
		zap.String("deal_id", d.ID),
		zap.String("from", string(d.Status)),
		zap.String("to", string(target)),
		zap.String("actor_role", string(role)),
		zap.Int64("version", updated.Version),
	)
	return Result{Deal: updated, From: string(d.Status), To: string(target)}, nil
}

func (e *Engine) writeDeal(ctx context.Context, tx ledger.Tx, d ledger.Deal, to ledger.DealStatus, actor Actor, role Role, at time.Time, payload map[string]any) (ledger.Deal, error) {
	from := d.Status
	next := d
	next.Status = to
	updated, err := tx.UpdateDeal(ctx, next, d.Version)
	if err != nil {
		return ledger.Deal{}, storeErr("lifecycle.Deal", "deal", err)
	}
	if err := record(ctx, tx, ledger.EntityDeal, d.ID, string(from), string(to), actor, role, updated.Version, at, payload,
		ledger.TopicDealStatusChanged, map[string]any{
			"deal_id":    d.ID,
			"from":       string(from),
			"to":         string(to),
			"version":    updated.Version,
			"actor_role": string(role),
		}); err != nil {
		return ledger.Deal{}, err
	}
	return updated, nil
}

// appendNote adds a dated line to the deal's free-form notes.
func appendNote(notes string, at time.Time, note string) string {
	line := at.UTC().Format(time.DateOnly) + " " + note
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// record appends the audit entry and the outbox message for a transition.
func record(ctx context.Context, tx ledger.Tx, entity ledger.EntityType, id, from, to string, actor Actor, role Role, version int64, at time.Time, payload map[string]any, topic string, event map[string]any) error {
	if err := tx.AppendAudit(ctx, ledger.AuditEntry{
		EntityType: entity,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor.ID,
		ActorRole:  string(role),
		Version:    version,
		Payload:    payload,
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("lifecycle: append audit: %w", err)
	}
	if err := tx.Enqueue(ctx, topic, event); err != nil {
		return fmt.Errorf("lifecycle: enqueue outbox: %w", err)
	}
	return nil
}

// moveFunds performs the gateway side effect of a transition after every
// ledger write, so a failure rolls the whole transition back.
func (e *Engine) moveFunds(ctx context.Context, tx ledger.Tx, d ledger.Deal, m *ledger.Milestone, payout string) error {
	const op = "lifecycle.moveFunds"
	target := string(m.Status)

	switch m.Status {
	case ledger.MilestoneAwaitingFunding:
		intent, err := e.gw.CreateFundingIntent(ctx, gateway.FundingRequest{
			MilestoneID:    m.ID,
			DealID:         d.ID,
			Title:          d.Title,
			Amount:         m.Amount,
			Fee:            m.FeeAmount,
			Currency:       d.Currency,
			SuccessURL:     e.opts.BaseURL + "/success.html",
			CancelURL:      e.opts.BaseURL + "/cancel.html",
			IdempotencyKey: gateway.IdempotencyKey(m.ID, target, fmt.Sprintf("v%d", m.Version)),
		})
		if err != nil {
			return gatewayErr(op, err)
		}
		m.CheckoutRef, m.CheckoutURL = intent.Ref, intent.URL
	case ledger.MilestoneReleased:
		ref, err := e.transfer(ctx, d, m, payout, gateway.IdempotencyKey(m.ID, target))
		if err != nil {
			return err
		}
		m.TransferRef = ref
	case ledger.MilestoneRefunded:
		ref, err := e.refund(ctx, m, gateway.IdempotencyKey(m.ID, target))
		if err != nil {
			return err
		}
		m.RefundRef = ref
	case ledger.MilestoneSplit:
		if m.SellerAmount > 0 {
			ref, err := e.transfer(ctx, d, m, payout, gateway.IdempotencyKey(m.ID, target, "transfer"))
			if err != nil {
				return err
			}
			m.TransferRef = ref
		}
		if m.BuyerAmount > 0 {
			ref, err := e.refund(ctx, m, gateway.IdempotencyKey(m.ID, target, "refund"))
			if err != nil {
				return err
			}
			m.RefundRef = ref
		}
	default:
		return nil
	}

	if err := tx.RecordProviderRefs(ctx, *m); err != nil {
		return storeErr(op, "milestone", err)
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, d ledger.Deal, m *ledger.Milestone, payout, key string) (string, error) {
	ref, err := e.gw.CreateTransfer(ctx, gateway.TransferRequest{
		MilestoneID:    m.ID,
		DealID:         d.ID,
		Destination:    payout,
		Amount:         m.SellerAmount,
		Currency:       d.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", gatewayErr("lifecycle.transfer", err)
	}
	return ref, nil
}

func (e *Engine) refund(ctx context.Context, m *ledger.Milestone, key string) (string, error) {
	ref, err := e.gw.CreateRefund(ctx, gateway.RefundRequest{
		MilestoneID:    m.ID,
		FundingRef:     m.FundingRef,
		Amount:         m.BuyerAmount,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", gatewayErr("lifecycle.refund", err)
	}
	return ref, nil
}

func gatewayErr(op string, err error) error {
	if escrowerr.KindOf(err) == escrowerr.KindGatewayFailure {
		return err
	}
	return escrowerr.Wrap(escrowerr.KindGatewayFailure, op, err, "payment provider call failed")
}

// storeErr maps ledger sentinels onto the rejection taxonomy. Anything else
// is an infrastructure failure and is returned wrapped.
func storeErr(op, what string, err error) error {
	if escrowerr.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return escrowerr.Wrap(escrowerr.KindNotFound, op, err, "%s not found", what)
	case errors.Is(err, ledger.ErrStaleVersion):
		return escrowerr.Wrap(escrowerr.KindStaleVersion, op, err, "%s changed since it was read", what)
	}
	return fmt.Errorf("lifecycle: %s: %w", op, err)
}
