package lifecycle

import (
	"slices"

	"escrowflow/ledger"
)

// Role is the capacity in which an actor requests a transition.
type Role string

const (
	RoleBuyer        Role = "buyer"
	RoleSeller       Role = "seller"
	RoleInitiator    Role = "initiator"
	RoleCounterparty Role = "counterparty"
	RoleAdmin        Role = "admin"
	RoleScheduler    Role = "scheduler"
	RoleReconciler   Role = "reconciler"
	// RoleEngine drives deal cascades and is never granted to callers.
	RoleEngine Role = "engine"
)

// Actor identifies who is asking. Users leave Role empty; their role is
// resolved against the deal. System callers and admins set it explicitly.
type Actor struct {
	ID   string
	Role Role
}

// User is an end user acting on their own deal.
func User(id string) Actor {
	return Actor{ID: id}
}

// Admin is a privileged operator.
func Admin(id string) Actor {
	return Actor{ID: id, Role: RoleAdmin}
}

var (
	Scheduler   = Actor{ID: "scheduler", Role: RoleScheduler}
	Reconciler  = Actor{ID: "reconciler", Role: RoleReconciler}
	engineActor = Actor{ID: "engine", Role: RoleEngine}
)

var milestoneGraph = map[ledger.MilestoneStatus]map[ledger.MilestoneStatus][]Role{
	ledger.MilestoneCreated: {
		ledger.MilestoneAwaitingFunding: {RoleBuyer},
	},
	ledger.MilestoneAwaitingFunding: {
		ledger.MilestoneFunded:  {RoleReconciler},
		ledger.MilestoneCreated: {RoleReconciler},
	},
	ledger.MilestoneFunded: {
		ledger.MilestoneShipped:  {RoleSeller},
		ledger.MilestoneReleased: {RoleBuyer, RoleAdmin, RoleScheduler},
		ledger.MilestoneRefunded: {RoleAdmin, RoleScheduler},
		ledger.MilestoneDisputed: {RoleBuyer, RoleSeller},
	},
	ledger.MilestoneShipped: {
		ledger.MilestoneReleased: {RoleBuyer, RoleAdmin, RoleScheduler},
		ledger.MilestoneRefunded: {RoleAdmin},
		ledger.MilestoneDisputed: {RoleBuyer, RoleSeller},
	},
	ledger.MilestoneDisputed: {
		ledger.MilestoneReleased: {RoleAdmin},
		ledger.MilestoneRefunded: {RoleAdmin},
		ledger.MilestoneSplit:    {RoleAdmin},
	},
}

var dealGraph = map[ledger.DealStatus]map[ledger.DealStatus][]Role{
	ledger.DealProposed: {
		ledger.DealAccepted:  {RoleCounterparty},
		ledger.DealCancelled: {RoleInitiator, RoleCounterparty},
		ledger.DealExpired:   {RoleScheduler},
	},
	ledger.DealAccepted: {
		ledger.DealActive:    {RoleEngine},
		ledger.DealCancelled: {RoleInitiator, RoleCounterparty},
		ledger.DealExpired:   {RoleScheduler},
	},
	ledger.DealActive: {
		ledger.DealCompleted: {RoleEngine},
	},
}

func milestoneEdge(from, to ledger.MilestoneStatus) ([]Role, bool) {
	roles, ok := milestoneGraph[from][to]
	return roles, ok
}

func dealEdge(from, to ledger.DealStatus) ([]Role, bool) {
	roles, ok := dealGraph[from][to]
	return roles, ok
}

// milestoneRole resolves a user to buyer or seller of the deal.
func milestoneRole(d ledger.Deal, a Actor) Role {
	if a.Role != "" {
		return a.Role
	}
	switch a.ID {
	case d.BuyerID():
		return RoleBuyer
	case d.SellerID():
		return RoleSeller
	}
	return ""
}

// dealRole resolves a user to initiator or counterparty of the deal.
func dealRole(d ledger.Deal, a Actor) Role {
	if a.Role != "" {
		return a.Role
	}
	switch a.ID {
	case d.InitiatorID:
		return RoleInitiator
	case d.CounterpartyID:
		return RoleCounterparty
	}
	return ""
}

func permitted(roles []Role, r Role) bool {
	return r != "" && slices.Contains(roles, r)
}

// verb names the user-facing action for a target state, used in denials.
func verb(target string) string {
	switch target {
	case string(ledger.MilestoneAwaitingFunding):
		return "fund"
	case string(ledger.MilestoneFunded):
		return "record funding"
	case string(ledger.MilestoneCreated):
		return "reopen funding"
	case string(ledger.MilestoneShipped):
		return "mark shipped"
	case string(ledger.MilestoneReleased):
		return "release"
	case string(ledger.MilestoneRefunded):
		return "refund"
	case string(ledger.MilestoneDisputed):
		return "open dispute"
	case string(ledger.MilestoneSplit):
		return "split"
	case string(ledger.DealAccepted):
		return "accept"
	case string(ledger.DealCancelled):
		return "cancel"
	case string(ledger.DealExpired):
		return "expire"
	}
	return "move to " + target
}
