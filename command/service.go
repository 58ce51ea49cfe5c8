// Package command is the boundary between callers and the escrow core. It
// checks who is calling, turns user-entered values into domain values and
// forwards to the lifecycle engine, the dispute service or the user
// service. It carries no business rules of its own.
package command

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
	"escrowflow/money"
	"escrowflow/user"
)

// Caller is the verified identity behind a command.
type Caller struct {
	UserID string
	Admin  bool
}

func CallerFrom(id auth.Identity) Caller {
	return Caller{UserID: id.UserID, Admin: id.Admin()}
}

func (c Caller) actor() lifecycle.Actor {
	if c.Admin {
		return lifecycle.Admin(c.UserID)
	}
	return lifecycle.User(c.UserID)
}

type Service struct {
	engine   *lifecycle.Engine
	disputes *dispute.Service
	users    *user.Service
	logger   *zap.Logger
}

func NewService(engine *lifecycle.Engine, disputes *dispute.Service, users *user.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, disputes: disputes, users: users, logger: logger}
}

type TradeInput struct {
	Counterparty string `json:"counterparty"`
	Title        string `json:"title"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

type MilestoneInput struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

type ProjectInput struct {
	Counterparty string           `json:"counterparty"`
	Title        string           `json:"title"`
	Currency     string           `json:"currency"`
	Milestones   []MilestoneInput `json:"milestones"`
	// Plan is the free-text alternative to Milestones, one "Name: Amount"
	// per line.
	Plan string `json:"plan"`
}

type DisputeInput struct {
	Version     int64  `json:"version"`
	Reason      string `json:"reason"`
	EvidenceRef string `json:"evidence_ref"`
}

type ReviewInput struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

type SplitInput struct {
	Version      int64  `json:"version"`
	SellerAmount string `json:"seller_amount"`
	BuyerAmount  string `json:"buyer_amount"`
	Note         string `json:"note"`
}

// CreateTrade opens a trade where the caller sells to Counterparty.
func (s *Service) CreateTrade(ctx context.Context, c Caller, in TradeInput) (lifecycle.DealView, error) {
	const op = "command.CreateTrade"
	if err := requireUser(op, c); err != nil {
		return lifecycle.DealView{}, err
	}
	amount, err := parseAmount(op, "amount", in.Amount)
	if err != nil {
		return lifecycle.DealView{}, err
	}
	buyer, err := s.users.ByHandle(ctx, in.Counterparty)
	if err != nil {
		return lifecycle.DealView{}, err
	}
	return s.engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
		SellerID: c.UserID,
		BuyerID:  buyer.ID,
		Title:    in.Title,
		Amount:   amount,
		Currency: in.Currency,
	})
}

// CreateProject opens a project where the caller pays Counterparty.
func (s *Service) CreateProject(ctx context.Context, c Caller, in ProjectInput) (lifecycle.DealView, error) {
	const op = "command.CreateProject"
	if err := requireUser(op, c); err != nil {
		return lifecycle.DealView{}, err
	}
	items := in.Milestones
	if len(items) == 0 && strings.TrimSpace(in.Plan) != "" {
		parsed, err := ParsePlan(in.Plan)
		if err != nil {
			return lifecycle.DealView{}, err
		}
		items = parsed
	}
	specs := make([]lifecycle.MilestoneSpec, 0, len(items))
	for _, it := range items {
		amount, err := parseAmount(op, strings.TrimSpace(it.Name), it.Amount)
		if err != nil {
			return lifecycle.DealView{}, err
		}
		specs = append(specs, lifecycle.MilestoneSpec{Name: it.Name, Amount: amount})
	}
	freelancer, err := s.users.ByHandle(ctx, in.Counterparty)
	if err != nil {
		return lifecycle.DealView{}, err
	}
	return s.engine.CreateProject(ctx, lifecycle.CreateProjectParams{
		ClientID:     c.UserID,
		FreelancerID: freelancer.ID,
		Title:        in.Title,
		Milestones:   specs,
		Currency:     in.Currency,
	})
}

// ParsePlan reads "Name: Amount" lines. Blank lines are skipped.
func ParsePlan(plan string) ([]MilestoneInput, error) {
	const op = "command.ParsePlan"
	var out []MilestoneInput
	for i, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, amount, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(amount) == "" {
			return nil, escrowerr.New(escrowerr.KindValidation, op, "line %d must look like \"Name: Amount\"", i+1)
		}
		out = append(out, MilestoneInput{Name: strings.TrimSpace(name), Amount: strings.TrimSpace(amount)})
	}
	return out, nil
}

func (s *Service) AcceptDeal(ctx context.Context, c Caller, dealID string, version int64) (lifecycle.Result, error) {
	if err := requireUser("command.AcceptDeal", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.AcceptDeal(ctx, dealID, version, lifecycle.User(c.UserID))
}

func (s *Service) CancelDeal(ctx context.Context, c Caller, dealID string, version int64, reason string) (lifecycle.Result, error) {
	if err := requireUser("command.CancelDeal", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.CancelDeal(ctx, dealID, version, lifecycle.User(c.UserID), strings.TrimSpace(reason))
}

// GetDeal shows a deal to its parties and to admins.
func (s *Service) GetDeal(ctx context.Context, c Caller, dealID string) (lifecycle.DealView, error) {
	const op = "command.GetDeal"
	if err := requireUser(op, c); err != nil {
		return lifecycle.DealView{}, err
	}
	view, err := s.engine.GetDeal(ctx, dealID)
	if err != nil {
		return lifecycle.DealView{}, err
	}
	if !c.Admin && !view.Party(c.UserID) {
		return lifecycle.DealView{}, escrowerr.New(escrowerr.KindUnauthorized, op, "cannot view: not a party to this deal")
	}
	return view, nil
}

func (s *Service) Fund(ctx context.Context, c Caller, milestoneID string, version int64) (lifecycle.FundResult, error) {
	if err := requireUser("command.Fund", c); err != nil {
		return lifecycle.FundResult{}, err
	}
	return s.engine.FundMilestone(ctx, milestoneID, version, lifecycle.User(c.UserID))
}

func (s *Service) MarkShipped(ctx context.Context, c Caller, milestoneID string, version int64) (lifecycle.Result, error) {
	if err := requireUser("command.MarkShipped", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.MarkShipped(ctx, milestoneID, version, lifecycle.User(c.UserID))
}

func (s *Service) Release(ctx context.Context, c Caller, milestoneID string, version int64) (lifecycle.Result, error) {
	if err := requireUser("command.Release", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.Release(ctx, milestoneID, version, lifecycle.User(c.UserID))
}

func (s *Service) OpenDispute(ctx context.Context, c Caller, milestoneID string, in DisputeInput) (dispute.Outcome, error) {
	if err := requireUser("command.OpenDispute", c); err != nil {
		return dispute.Outcome{}, err
	}
	return s.disputes.Open(ctx, dispute.OpenParams{
		MilestoneID: milestoneID,
		Version:     in.Version,
		RaisedBy:    c.UserID,
		Reason:      in.Reason,
		EvidenceRef: in.EvidenceRef,
	})
}

func (s *Service) LeaveReview(ctx context.Context, c Caller, milestoneID string, in ReviewInput) (user.Review, error) {
	if err := requireUser("command.LeaveReview", c); err != nil {
		return user.Review{}, err
	}
	return s.users.LeaveReview(ctx, user.ReviewParams{
		AuthorID:    c.UserID,
		MilestoneID: milestoneID,
		Score:       in.Score,
		Comment:     in.Comment,
	})
}

func (s *Service) Profile(ctx context.Context, c Caller, handle string) (user.Profile, error) {
	if err := requireUser("command.Profile", c); err != nil {
		return user.Profile{}, err
	}
	return s.users.Profile(ctx, handle)
}

func (s *Service) Me(ctx context.Context, c Caller) (user.User, error) {
	if err := requireUser("command.Me", c); err != nil {
		return user.User{}, err
	}
	return s.users.Get(ctx, c.UserID)
}

func (s *Service) ConnectPayoutAccount(ctx context.Context, c Caller, account string) (user.User, error) {
	if err := requireUser("command.ConnectPayoutAccount", c); err != nil {
		return user.User{}, err
	}
	return s.users.ConnectPayoutAccount(ctx, c.UserID, account)
}

// RegisterUser is called by the trusted front end on a user's first
// contact.
func (s *Service) RegisterUser(ctx context.Context, c Caller, p user.RegisterParams) (user.User, error) {
	if err := requireAdmin("command.RegisterUser", c); err != nil {
		return user.User{}, err
	}
	return s.users.Register(ctx, p)
}

func (s *Service) SetVerified(ctx context.Context, c Caller, handle string, verified bool) (user.User, error) {
	if err := requireAdmin("command.SetVerified", c); err != nil {
		return user.User{}, err
	}
	return s.users.SetVerified(ctx, handle, verified)
}

func (s *Service) GrantFreeTrades(ctx context.Context, c Caller, handle string, n int) (user.User, error) {
	if err := requireAdmin("command.GrantFreeTrades", c); err != nil {
		return user.User{}, err
	}
	return s.users.GrantFreeTrades(ctx, handle, n)
}

// ResolveDispute settles a dispute wholly to one side.
func (s *Service) ResolveDispute(ctx context.Context, c Caller, disputeID string, version int64, resolution ledger.Resolution, note string) (dispute.Outcome, error) {
	const op = "command.ResolveDispute"
	if err := requireAdmin(op, c); err != nil {
		return dispute.Outcome{}, err
	}
	if resolution != ledger.ResolutionRelease && resolution != ledger.ResolutionRefund {
		return dispute.Outcome{}, escrowerr.New(escrowerr.KindValidation, op, "resolution must be %q or %q", ledger.ResolutionRelease, ledger.ResolutionRefund)
	}
	return s.disputes.Resolve(ctx, dispute.ResolveParams{
		DisputeID:  disputeID,
		Version:    version,
		Resolution: resolution,
		Admin:      c.actor(),
		Note:       note,
	})
}

func (s *Service) SplitDispute(ctx context.Context, c Caller, disputeID string, in SplitInput) (dispute.Outcome, error) {
	const op = "command.SplitDispute"
	if err := requireAdmin(op, c); err != nil {
		return dispute.Outcome{}, err
	}
	seller, err := parseShare(op, "seller_amount", in.SellerAmount)
	if err != nil {
		return dispute.Outcome{}, err
	}
	buyer, err := parseShare(op, "buyer_amount", in.BuyerAmount)
	if err != nil {
		return dispute.Outcome{}, err
	}
	return s.disputes.Resolve(ctx, dispute.ResolveParams{
		DisputeID:    disputeID,
		Version:      in.Version,
		Resolution:   ledger.ResolutionSplit,
		SellerAmount: seller,
		BuyerAmount:  buyer,
		Admin:        c.actor(),
		Note:         in.Note,
	})
}

func (s *Service) ListDisputes(ctx context.Context, c Caller, milestoneID string) ([]ledger.Dispute, error) {
	if err := requireAdmin("command.ListDisputes", c); err != nil {
		return nil, err
	}
	return s.disputes.List(ctx, milestoneID)
}

func (s *Service) ForceRefund(ctx context.Context, c Caller, milestoneID string, version int64, note string) (lifecycle.Result, error) {
	if err := requireAdmin("command.ForceRefund", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.ForceRefund(ctx, milestoneID, version, c.actor(), note)
}

func (s *Service) ForceRelease(ctx context.Context, c Caller, milestoneID string, version int64, note string) (lifecycle.Result, error) {
	if err := requireAdmin("command.ForceRelease", c); err != nil {
		return lifecycle.Result{}, err
	}
	return s.engine.ForceRelease(ctx, milestoneID, version, c.actor(), note)
}

func requireUser(op string, c Caller) error {
	if c.UserID == "" {
		return escrowerr.New(escrowerr.KindUnauthorized, op, "sign in required")
	}
	return nil
}

func requireAdmin(op string, c Caller) error {
	if c.UserID == "" || !c.Admin {
		return escrowerr.New(escrowerr.KindUnauthorized, op, "admin only")
	}
	return nil
}

func parseAmount(op, field, s string) (int64, error) {
	v, err := money.ParseMinor(s)
	if err != nil {
		return 0, escrowerr.Wrap(escrowerr.KindValidation, op, err, "%s: %s", field, strings.TrimPrefix(err.Error(), "money: "))
	}
	return v, nil
}

func parseShare(op, field, s string) (int64, error) {
	v, err := money.ParseShare(s)
	if err != nil {
		return 0, escrowerr.Wrap(escrowerr.KindValidation, op, err, "%s: %s", field, strings.TrimPrefix(err.Error(), "money: "))
	}
	return v, nil
}
