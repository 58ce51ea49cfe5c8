package ledger

import "time"

// DealKind distinguishes one-shot trades from milestone projects.
type DealKind string

const (
	KindTrade   DealKind = "trade"
	KindProject DealKind = "project"
)

// DealStatus is the lifecycle state of a deal.
type DealStatus string

const (
	DealProposed  DealStatus = "proposed"
	DealAccepted  DealStatus = "accepted"
	DealActive    DealStatus = "active"
	DealCompleted DealStatus = "completed"
	DealExpired   DealStatus = "expired"
	DealCancelled DealStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s DealStatus) Terminal() bool {
	switch s {
	case DealCompleted, DealExpired, DealCancelled:
		return true
	default:
		return false
	}
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneCreated         MilestoneStatus = "created"
	MilestoneAwaitingFunding MilestoneStatus = "awaiting_funding"
	MilestoneFunded          MilestoneStatus = "funded"
	MilestoneShipped         MilestoneStatus = "shipped"
	MilestoneDisputed        MilestoneStatus = "disputed"
	MilestoneReleased        MilestoneStatus = "released"
	MilestoneRefunded        MilestoneStatus = "refunded"
	MilestoneSplit           MilestoneStatus = "split"
)

// Terminal reports whether no further transition is permitted.
func (s MilestoneStatus) Terminal() bool {
	switch s {
	case MilestoneReleased, MilestoneRefunded, MilestoneSplit:
		return true
	default:
		return false
	}
}

// Deal is the top-level escrow agreement. Roles depend on Kind: for a trade
// the initiator sells; for a project the initiator is the paying client.
type Deal struct {
	ID                 string
	Kind               DealKind
	Title              string
	InitiatorID        string
	CounterpartyID     string
	TotalAmount        int64
	Currency           string
	Status             DealStatus
	Version            int64
	Notes              string
	CreatedAt          time.Time
	AcceptanceDeadline time.Time
	UpdatedAt          time.Time
}

// BuyerID returns the party whose funds are held.
func (d Deal) BuyerID() string {
	if d.Kind == KindTrade {
		return d.CounterpartyID
	}
	return d.InitiatorID
}

// SellerID returns the party who receives released funds.
func (d Deal) SellerID() string {
	if d.Kind == KindTrade {
		return d.InitiatorID
	}
	return d.CounterpartyID
}

// Milestone is the unit of funding and release within a deal.
type Milestone struct {
	ID            string
	DealID        string
	Seq           int
	Name          string
	Amount        int64
	Status        MilestoneStatus
	Version       int64
	CheckoutRef   string
	CheckoutURL   string
	FeeAmount     int64
	FundingRef    string
	TransferRef   string
	RefundRef     string
	SellerAmount  int64
	BuyerAmount   int64
	FundedAt      *time.Time
	ShippedAt     *time.Time
	AutoRefundAt  *time.Time
	AutoReleaseAt *time.Time
	SettledAt     *time.Time
	UpdatedAt     time.Time
}

// EventOutcome records what reconciliation did with a provider event.
type EventOutcome string

const (
	OutcomeApplied  EventOutcome = "applied"
	OutcomeRejected EventOutcome = "rejected"
	OutcomeIgnored  EventOutcome = "ignored"
)

// PaymentEvent is an immutable record of one inbound provider notification.
// ProviderEventID is the idempotency key.
type PaymentEvent struct {
	ProviderEventID string
	Type            string
	MilestoneID     string
	PayloadDigest   string
	Outcome         EventOutcome
	Detail          string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// DisputeStatus is the lifecycle of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the admin decision that closes a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "released"
	ResolutionRefund  Resolution = "refunded"
	ResolutionSplit   Resolution = "split"
)

// Dispute freezes automation on a milestone until an admin resolves it.
type Dispute struct {
	ID           string
	MilestoneID  string
	DealID       string
	RaisedBy     string
	Reason       string
	EvidenceRef  string
	Status       DisputeStatus
	Resolution   Resolution
	SellerAmount int64
	BuyerAmount  int64
	ResolvedBy   string
	ResolvedAt   *time.Time
	CreatedAt    time.Time
}

// EntityType names the kind of row an audit entry refers to.
type EntityType string

const (
	EntityDeal      EntityType = "deal"
	EntityMilestone EntityType = "milestone"
	EntityDispute   EntityType = "dispute"
)

// AuditEntry captures one accepted transition. Entries are append-only.
type AuditEntry struct {
	ID         int64
	EntityType EntityType
	EntityID   string
	FromStatus string
	ToStatus   string
	ActorID    string
	ActorRole  string
	Version    int64
	Payload    map[string]any
	CreatedAt  time.Time
}

// OutboxStatus tracks dispatch of an outbox message.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxMessage is a lifecycle notification written in the same
// transaction as the transition that produced it.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   map[string]any
	Status    OutboxStatus
	Attempts  int
	CreatedAt time.Time
}

const (
	TopicDealStatusChanged      = "deal.status_changed"
	TopicMilestoneStatusChanged = "milestone.status_changed"
	TopicDisputeOpened          = "dispute.opened"
	TopicDisputeResolved        = "dispute.resolved"
	TopicReconcileAnomaly       = "reconcile.anomaly"
)
