package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the user does not exist.
	ErrNotFound = errors.New("user: not found")
	// ErrDuplicateUser signals the handle or external id is already taken.
	ErrDuplicateUser = errors.New("user: handle or external id already registered")
	// ErrPayoutAccountInUse signals another user already connected the account.
	ErrPayoutAccountInUse = errors.New("user: payout account already connected to another user")
	// ErrAlreadyReferred signals the user already has a referrer.
	ErrAlreadyReferred = errors.New("user: already referred")
	// ErrDuplicateReview signals the author already reviewed the milestone.
	ErrDuplicateReview = errors.New("user: milestone already reviewed")
)

// Repository handles data access for users, referrals and reviews.
type Repository interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByHandle(ctx context.Context, handle string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	SetPayoutAccount(ctx context.Context, id, account string) error
	SetVerified(ctx context.Context, id string, verified bool) error
	// ClaimFreeTrade spends one credit, reporting false when none is left.
	ClaimFreeTrade(ctx context.Context, id string) (bool, error)
	AddFreeTrades(ctx context.Context, id string, n int) error

	InsertReferral(ctx context.Context, referrerID, referredID string) error
	CountReferrals(ctx context.Context, referrerID string) (int, error)

	InsertReview(ctx context.Context, r Review) error
	ReviewStats(ctx context.Context, subjectID string) (count int, average float64, err error)
	RecentReviews(ctx context.Context, subjectID string, limit int) ([]Review, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

// NewRepository creates a PostgreSQL-backed user repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id::text, external_id, handle, verified, COALESCE(payout_account, ''), free_trades_remaining, created_at, updated_at`

func (r *PGRepository) CreateUser(ctx context.Context, u User) (User, error) {
	const insertSQL = `
		INSERT INTO users (id, external_id, handle, free_trades_remaining)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns

	created, err := scanUser(r.pool.QueryRow(ctx, insertSQL, u.ID, u.ExternalID, u.Handle, u.FreeTradesRemaining))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("user: create user: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetUserByID(ctx context.Context, id string) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id::text = $1`, id))
	return u, lookupErr("get user by id", err)
}

func (r *PGRepository) GetUserByHandle(ctx context.Context, handle string) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(handle) = lower($1)`, handle))
	return u, lookupErr("get user by handle", err)
}

func (r *PGRepository) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	return u, lookupErr("get user by external id", err)
}

func (r *PGRepository) SetPayoutAccount(ctx context.Context, id, account string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET payout_account = $2, updated_at = now() WHERE id::text = $1`, id, account)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPayoutAccountInUse
		}
		return fmt.Errorf("user: set payout account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetVerified(ctx context.Context, id string, verified bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET verified = $2, updated_at = now() WHERE id::text = $1`, id, verified)
	if err != nil {
		return fmt.Errorf("user: set verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ClaimFreeTrade(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET free_trades_remaining = free_trades_remaining - 1, updated_at = now()
		WHERE id::text = $1 AND free_trades_remaining > 0`, id)
	if err != nil {
		return false, fmt.Errorf("user: claim free trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) AddFreeTrades(ctx context.Context, id string, n int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET free_trades_remaining = free_trades_remaining + $2, updated_at = now()
		WHERE id::text = $1`, id, n)
	if err != nil {
		return fmt.Errorf("user: add free trades: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) InsertReferral(ctx context.Context, referrerID, referredID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO referrals (referrer_id, referred_id) VALUES ($1, $2)`, referrerID, referredID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyReferred
		}
		return fmt.Errorf("user: insert referral: %w", err)
	}
	return nil
}

func (r *PGRepository) CountReferrals(ctx context.Context, referrerID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM referrals WHERE referrer_id::text = $1`, referrerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("user: count referrals: %w", err)
	}
	return n, nil
}

func (r *PGRepository) InsertReview(ctx context.Context, rv Review) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reviews (id, deal_id, milestone_id, author_id, subject_id, score, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rv.ID, rv.DealID, rv.MilestoneID, rv.AuthorID, rv.SubjectID, rv.Score, rv.Comment, rv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReview
		}
		return fmt.Errorf("user: insert review: %w", err)
	}
	return nil
}

func (r *PGRepository) ReviewStats(ctx context.Context, subjectID string) (int, float64, error) {
	var (
		count int
		avg   float64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(avg(score), 0)::float8
		FROM reviews WHERE subject_id::text = $1`, subjectID).Scan(&count, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("user: review stats: %w", err)
	}
	return count, avg, nil
}

func (r *PGRepository) RecentReviews(ctx context.Context, subjectID string, limit int) ([]Review, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rv.id::text, rv.deal_id::text, rv.milestone_id::text, rv.author_id::text, u.handle,
		       rv.subject_id::text, rv.score, rv.comment, rv.created_at
		FROM reviews rv
		JOIN users u ON u.id = rv.author_id
		WHERE rv.subject_id::text = $1
		ORDER BY rv.created_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("user: recent reviews: %w", err)
	}
	defer rows.Close()

	out := make([]Review, 0, limit)
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.ID, &rv.DealID, &rv.MilestoneID, &rv.AuthorID, &rv.AuthorHandle,
			&rv.SubjectID, &rv.Score, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("user: scan review: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user: iterate reviews: %w", err)
	}
	return out, nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.ExternalID,
		&u.Handle,
		&u.Verified,
		&u.PayoutAccount,
		&u.FreeTradesRemaining,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func lookupErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("user: %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
