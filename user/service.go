// Package user owns participants and their reputation: payout accounts,
// verification, free trade credits, referrals and reviews. It also answers
// the account questions the lifecycle engine asks.
package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
)

const (
	referralPrefix   = "ref_"
	maxCommentLen    = 500
	maxPayoutLen     = 255
	recentReviewSize = 3
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// Service handles user business logic.
type Service struct {
	repo        Repository
	ledger      ledger.Reader
	idGenerator func() string
	now         func() time.Time
	logger      *zap.Logger
}

var _ lifecycle.Accounts = (*Service)(nil)

// NewService builds a Service. The ledger reader is used to check review
// eligibility and count completed deals.
func NewService(repo Repository, reader ledger.Reader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		ledger:      reader,
		idGenerator: uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register records a user on first contact. Registering a known external
// id returns the existing user and ignores the referral code.
func (s *Service) Register(ctx context.Context, p RegisterParams) (User, error) {
	const op = "user.Register"
	handle := strings.TrimPrefix(strings.TrimSpace(p.Handle), "@")
	if strings.TrimSpace(p.ExternalID) == "" {
		return User{}, escrowerr.New(escrowerr.KindValidation, op, "external id is required")
	}
	if !handlePattern.MatchString(handle) {
		return User{}, escrowerr.New(escrowerr.KindValidation, op, "handle must be 3-32 letters, digits or underscores")
	}

	existing, err := s.repo.GetUserByExternalID(ctx, p.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	u, err := s.repo.CreateUser(ctx, User{ID: s.idGenerator(), ExternalID: p.ExternalID, Handle: handle})
	if err != nil {
		if errors.Is(err, ErrDuplicateUser) {
			return User{}, escrowerr.Wrap(escrowerr.KindValidation, op, err, "handle @%s is already taken", handle)
		}
		return User{}, err
	}

	if code := strings.TrimSpace(p.ReferralCode); code != "" {
		s.recordReferral(ctx, u, code)
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("handle", u.Handle))
	return u, nil
}

// recordReferral links a new user to the owner of code. Referral problems
// never fail registration.
func (s *Service) recordReferral(ctx context.Context, u User, code string) {
	referrerHandle, ok := strings.CutPrefix(code, referralPrefix)
	if !ok || referrerHandle == "" {
		return
	}
	referrer, err := s.repo.GetUserByHandle(ctx, referrerHandle)
	if err != nil {
		s.logger.Debug("referral code ignored", zap.String("code", code), zap.Error(err))
		return
	}
	if referrer.ID == u.ID {
		return
	}
	if err := s.repo.InsertReferral(ctx, referrer.ID, u.ID); err != nil && !errors.Is(err, ErrAlreadyReferred) {
		s.logger.Warn("record referral failed",
			zap.String("referrer_id", referrer.ID),
			zap.String("user_id", u.ID),
			zap.Error(err),
		)
	}
}

// ReferralCode is the code a user shares to bring others in.
func ReferralCode(u User) string {
	return referralPrefix + u.Handle
}

func (s *Service) Get(ctx context.Context, id string) (User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	return u, notFound("user.Get", err)
}

func (s *Service) ByHandle(ctx context.Context, handle string) (User, error) {
	u, err := s.repo.GetUserByHandle(ctx, strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	return u, notFound("user.ByHandle", err)
}

// ConnectPayoutAccount stores the provider account that receives releases.
func (s *Service) ConnectPayoutAccount(ctx context.Context, userID, account string) (User, error) {
	const op = "user.ConnectPayoutAccount"
	account = strings.TrimSpace(account)
	if account == "" || len(account) > maxPayoutLen || strings.ContainsAny(account, " \t\n") {
		return User{}, escrowerr.New(escrowerr.KindValidation, op, "a valid payout account id is required")
	}
	if err := s.repo.SetPayoutAccount(ctx, userID, account); err != nil {
		if errors.Is(err, ErrPayoutAccountInUse) {
			return User{}, escrowerr.Wrap(escrowerr.KindValidation, op, err, "payout account is already connected to another user")
		}
		return User{}, notFound(op, err)
	}
	return s.Get(ctx, userID)
}

// SetVerified marks or unmarks a user as verified by an admin.
func (s *Service) SetVerified(ctx context.Context, handle string, verified bool) (User, error) {
	u, err := s.ByHandle(ctx, handle)
	if err != nil {
		return User{}, err
	}
	if err := s.repo.SetVerified(ctx, u.ID, verified); err != nil {
		return User{}, notFound("user.SetVerified", err)
	}
	u.Verified = verified
	s.logger.Info("user verification changed", zap.String("user_id", u.ID), zap.Bool("verified", verified))
	return u, nil
}

// GrantFreeTrades adds fee-free trade credits to a user.
func (s *Service) GrantFreeTrades(ctx context.Context, handle string, n int) (User, error) {
	if n <= 0 {
		return User{}, escrowerr.New(escrowerr.KindValidation, "user.GrantFreeTrades", "credits must be positive")
	}
	u, err := s.ByHandle(ctx, handle)
	if err != nil {
		return User{}, err
	}
	if err := s.repo.AddFreeTrades(ctx, u.ID, n); err != nil {
		return User{}, notFound("user.GrantFreeTrades", err)
	}
	u.FreeTradesRemaining += n
	return u, nil
}

// PayoutAccount returns "" for unknown users so the engine rejects the
// payout with its own message.
func (s *Service) PayoutAccount(ctx context.Context, userID string) (string, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.PayoutAccount, nil
}

func (s *Service) ClaimFreeTrade(ctx context.Context, userID string) (bool, error) {
	return s.repo.ClaimFreeTrade(ctx, userID)
}

func (s *Service) RestoreFreeTrade(ctx context.Context, userID string) error {
	return s.repo.AddFreeTrades(ctx, userID, 1)
}

// LeaveReview rates the other party of a settled milestone. Each author
// reviews a milestone at most once.
func (s *Service) LeaveReview(ctx context.Context, p ReviewParams) (Review, error) {
	const op = "user.LeaveReview"
	comment := strings.TrimSpace(p.Comment)
	switch {
	case p.Score < 1 || p.Score > 5:
		return Review{}, escrowerr.New(escrowerr.KindValidation, op, "score must be between 1 and 5")
	case utf8.RuneCountInString(comment) > maxCommentLen:
		return Review{}, escrowerr.New(escrowerr.KindValidation, op, "comment must be at most %d characters", maxCommentLen)
	}

	m, err := s.ledger.GetMilestone(ctx, p.MilestoneID)
	if err != nil {
		return Review{}, ledgerErr(op, "milestone", err)
	}
	if m.Status != ledger.MilestoneReleased && m.Status != ledger.MilestoneSplit {
		return Review{}, escrowerr.New(escrowerr.KindInvalidTransition, op, "cannot review: milestone is %s", m.Status)
	}
	d, err := s.ledger.GetDeal(ctx, m.DealID)
	if err != nil {
		return Review{}, ledgerErr(op, "deal", err)
	}
	var subject string
	switch p.AuthorID {
	case d.InitiatorID:
		subject = d.CounterpartyID
	case d.CounterpartyID:
		subject = d.InitiatorID
	default:
		return Review{}, escrowerr.New(escrowerr.KindUnauthorized, op, "cannot review: not a party to this deal")
	}

	rv := Review{
		ID:          s.idGenerator(),
		DealID:      d.ID,
		MilestoneID: m.ID,
		AuthorID:    p.AuthorID,
		SubjectID:   subject,
		Score:       p.Score,
		Comment:     comment,
		CreatedAt:   s.now(),
	}
	if err := s.repo.InsertReview(ctx, rv); err != nil {
		if errors.Is(err, ErrDuplicateReview) {
			return Review{}, escrowerr.Wrap(escrowerr.KindValidation, op, err, "you have already reviewed this milestone")
		}
		return Review{}, err
	}
	return rv, nil
}

// Profile summarises a user's track record.
func (s *Service) Profile(ctx context.Context, handle string) (Profile, error) {
	u, err := s.ByHandle(ctx, handle)
	if err != nil {
		return Profile{}, err
	}
	completed, err := s.ledger.CountCompletedDeals(ctx, u.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("user: count completed deals: %w", err)
	}
	count, avg, err := s.repo.ReviewStats(ctx, u.ID)
	if err != nil {
		return Profile{}, err
	}
	recent, err := s.repo.RecentReviews(ctx, u.ID, recentReviewSize)
	if err != nil {
		return Profile{}, err
	}
	referrals, err := s.repo.CountReferrals(ctx, u.ID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		User:           u,
		CompletedDeals: completed,
		RatingCount:    count,
		AverageRating:  avg,
		RecentReviews:  recent,
		Referrals:      referrals,
	}, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return escrowerr.Wrap(escrowerr.KindNotFound, op, err, "user not found")
	}
	return err
}

func ledgerErr(op, what string, err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return escrowerr.Wrap(escrowerr.KindNotFound, op, err, "%s not found", what)
	}
	return fmt.Errorf("user: load %s: %w", what, err)
}
