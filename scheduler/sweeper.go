// Package scheduler enforces the time-based rules: unaccepted offers expire,
// unshipped trades refund and unconfirmed deliveries release. Every action
// goes through the lifecycle engine like any other request.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
)

// ActionKind names the rule that produced an action.
type ActionKind string

const (
	ActionExpireOffer ActionKind = "expire_offer"
	ActionAutoRefund  ActionKind = "auto_refund"
	ActionAutoRelease ActionKind = "auto_release"
)

// Outcome of one attempted action.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the entity moved on since the scan.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Action is one candidate the sweep submitted.
type Action struct {
	Kind    ActionKind
	Entity  ledger.EntityType
	ID      string
	Version int64
	Outcome Outcome
	Err     error
}

type Options struct {
	// BatchSize caps candidates per rule per sweep; 0 means no cap.
	BatchSize int
	Logger    *zap.Logger
}

// Sweeper runs the deadline rules.
type Sweeper struct {
	engine *lifecycle.Engine
	store  ledger.Reader
	batch  int
	logger *zap.Logger
	mu     sync.Mutex
}

func NewSweeper(engine *lifecycle.Engine, opts Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: engine, store: engine.Store(), batch: opts.BatchSize, logger: logger}
}

// RunSweep evaluates every rule once as of now. Candidates that lost a race
// are skipped; other failures are recorded on the action and the sweep
// carries on. The error is non-nil only when a scan itself fails.
func (s *Sweeper) RunSweep(ctx context.Context, now time.Time) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var actions []Action

	offers, err := s.store.ExpiredOffers(ctx, now, s.batch)
	if err != nil {
		return actions, fmt.Errorf("scheduler: scan offers: %w", err)
	}
	for _, d := range offers {
		actions = append(actions, s.submit(ctx, ActionExpireOffer, lifecycle.Request{
			Entity:  ledger.EntityDeal,
			ID:      d.ID,
			Version: d.Version,
			Target:  string(ledger.DealExpired),
			Note:    "offer expired without acceptance",
		}, now))
	}

	refunds, err := s.store.DueRefunds(ctx, now, s.batch)
	if err != nil {
		return actions, fmt.Errorf("scheduler: scan refunds: %w", err)
	}
	for _, m := range refunds {
		actions = append(actions, s.submit(ctx, ActionAutoRefund, lifecycle.Request{
			Entity:  ledger.EntityMilestone,
			ID:      m.ID,
			Version: m.Version,
			Target:  string(ledger.MilestoneRefunded),
			Note:    "auto refund: not shipped in time",
		}, now))
	}

	releases, err := s.store.DueReleases(ctx, now, s.batch)
	if err != nil {
		return actions, fmt.Errorf("scheduler: scan releases: %w", err)
	}
	for _, m := range releases {
		actions = append(actions, s.submit(ctx, ActionAutoRelease, lifecycle.Request{
			Entity:  ledger.EntityMilestone,
			ID:      m.ID,
			Version: m.Version,
			Target:  string(ledger.MilestoneReleased),
			Note:    "auto release: buyer did not respond",
		}, now))
	}
	return actions, nil
}

func (s *Sweeper) submit(ctx context.Context, kind ActionKind, req lifecycle.Request, now time.Time) Action {
	req.Actor = lifecycle.Scheduler
	req.At = now
	a := Action{Kind: kind, Entity: req.Entity, ID: req.ID, Version: req.Version}

	_, err := s.engine.RequestTransition(ctx, req)
	switch {
	case err == nil:
		a.Outcome = OutcomeApplied
		s.logger.Info("scheduled action applied",
			zap.String("action", string(kind)),
			zap.String("id", req.ID),
		)
	case benign(err):
		a.Outcome, a.Err = OutcomeSkipped, err
		s.logger.Debug("scheduled action skipped",
			zap.String("action", string(kind)),
			zap.String("id", req.ID),
			zap.Error(err),
		)
	default:
		a.Outcome, a.Err = OutcomeFailed, err
		s.logger.Error("scheduled action failed",
			zap.String("action", string(kind)),
			zap.String("id", req.ID),
			zap.Error(err),
		)
	}
	return a
}

func benign(err error) bool {
	switch escrowerr.KindOf(err) {
	case escrowerr.KindStaleVersion, escrowerr.KindAlreadyTerminal, escrowerr.KindInvalidTransition:
		return true
	}
	return false
}

// Run sweeps every interval until ctx is cancelled. Sweeps never overlap.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			actions, err := s.RunSweep(ctx, t.UTC())
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if len(actions) > 0 {
				s.logger.Info("sweep finished", zap.Int("actions", len(actions)))
			}
		}
	}
}
