package dispute

import (
	"escrowflow/ledger"
	"escrowflow/lifecycle"
)

const (
	maxReasonLen   = 2000
	maxEvidenceLen = 500
)

// OpenParams is a party contesting a funded milestone. Version is the
// caller's last-known milestone version.
type OpenParams struct {
	MilestoneID string
	Version     int64
	RaisedBy    string
	Reason      string
	// EvidenceRef is an opaque pointer to material held elsewhere.
	EvidenceRef string
}

// ResolveParams is an admin decision. SellerAmount and BuyerAmount are only
// read for a split.
type ResolveParams struct {
	DisputeID    string
	Version      int64
	Resolution   ledger.Resolution
	SellerAmount int64
	BuyerAmount  int64
	Admin        lifecycle.Actor
	Note         string
}

// Outcome is a dispute together with the milestone transition it caused.
type Outcome struct {
	Dispute ledger.Dispute
	Result  lifecycle.Result
}

func target(r ledger.Resolution) (ledger.MilestoneStatus, bool) {
	switch r {
	case ledger.ResolutionRelease:
		return ledger.MilestoneReleased, true
	case ledger.ResolutionRefund:
		return ledger.MilestoneRefunded, true
	case ledger.ResolutionSplit:
		return ledger.MilestoneSplit, true
	}
	return "", false
}
