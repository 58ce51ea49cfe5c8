// Package ledger holds the escrow entities and the Store contract that every
// lifecycle transition is written through. Deals and milestones are
// versioned rows: every write presents the version it read and succeeds only
// if the row has not moved on since.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for the provided identifier.
	ErrNotFound = errors.New("ledger: not found")
	// ErrStaleVersion signals a conditional write lost to a concurrent writer.
	ErrStaleVersion = errors.New("ledger: stale version")
	// ErrDuplicateEvent signals the provider event id was already recorded.
	ErrDuplicateEvent = errors.New("ledger: duplicate payment event")
	// ErrOpenDispute signals the milestone already has an open dispute.
	ErrOpenDispute = errors.New("ledger: milestone already has an open dispute")
)

// Reader exposes the queries available both inside and outside a transaction.
type Reader interface {
	GetDeal(ctx context.Context, id string) (Deal, error)
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	ListMilestones(ctx context.Context, dealID string) ([]Milestone, error)
	GetDispute(ctx context.Context, id string) (Dispute, error)
	// OpenDisputeFor returns ErrNotFound when the milestone has no open dispute.
	OpenDisputeFor(ctx context.Context, milestoneID string) (Dispute, error)
	ListDisputes(ctx context.Context, milestoneID string) ([]Dispute, error)
	GetPaymentEvent(ctx context.Context, providerEventID string) (PaymentEvent, error)
	AuditTrail(ctx context.Context, entity EntityType, id string) ([]AuditEntry, error)
	CountCompletedDeals(ctx context.Context, userID string) (int, error)

	// ExpiredOffers lists proposed or accepted deals whose acceptance
	// deadline is at or before now.
	ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]Deal, error)
	// DueRefunds lists funded milestones whose auto-refund deadline passed
	// and that carry no open dispute.
	DueRefunds(ctx context.Context, now time.Time, limit int) ([]Milestone, error)
	// DueReleases lists funded or shipped milestones whose auto-release
	// deadline passed and that carry no open dispute.
	DueReleases(ctx context.Context, now time.Time, limit int) ([]Milestone, error)
}

// Tx is one atomic unit of work against the ledger.
type Tx interface {
	Reader

	// LockDeal reads the deal and holds it against concurrent transitions
	// until the transaction ends. Every transition of a deal or of one of
	// its milestones takes this lock first.
	LockDeal(ctx context.Context, id string) (Deal, error)

	// InsertDeal writes a deal together with all of its milestones.
	InsertDeal(ctx context.Context, deal Deal, milestones []Milestone) error
	// UpdateDeal persists d if the stored version equals expected and
	// returns the row with its incremented version.
	UpdateDeal(ctx context.Context, d Deal, expected int64) (Deal, error)
	// UpdateMilestone persists m if the stored version equals expected and
	// returns the row with its incremented version.
	UpdateMilestone(ctx context.Context, m Milestone, expected int64) (Milestone, error)
	// RecordProviderRefs stores the checkout, transfer and refund references
	// of a milestone already written in this transaction. The version is
	// left unchanged.
	RecordProviderRefs(ctx context.Context, m Milestone) error

	// InsertPaymentEvent returns ErrDuplicateEvent when the id exists.
	InsertPaymentEvent(ctx context.Context, ev PaymentEvent) error
	// InsertDispute returns ErrOpenDispute when one is already open.
	InsertDispute(ctx context.Context, d Dispute) error
	// ResolveDispute closes an open dispute; ErrStaleVersion if it is not open.
	ResolveDispute(ctx context.Context, d Dispute) error

	AppendAudit(ctx context.Context, entry AuditEntry) error
	Enqueue(ctx context.Context, topic string, payload map[string]any) error

	// ClaimOutbox locks up to limit pending messages for dispatch.
	ClaimOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutbox(ctx context.Context, id string, status OutboxStatus, attempts int) error
}

// Store is the durable ledger.
type Store interface {
	Reader
	// InTx runs fn in a single transaction. A non-nil error from fn rolls
	// back every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
