// Package usertest provides an in-memory user.Repository for tests.
package usertest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"escrowflow/user"
)

type Memory struct {
	mu        sync.Mutex
	users     map[string]user.User
	referrals map[string]string // referred -> referrer
	reviews   []user.Review
}

var _ user.Repository = (*Memory)(nil)

func New() *Memory {
	return &Memory{users: map[string]user.User{}, referrals: map[string]string{}}
}

func (m *Memory) CreateUser(_ context.Context, u user.User) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.ExternalID == u.ExternalID || strings.EqualFold(existing.Handle, u.Handle) {
			return user.User{}, user.ErrDuplicateUser
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByHandle(_ context.Context, handle string) (user.User, error) {
	return m.find(func(u user.User) bool { return strings.EqualFold(u.Handle, handle) })
}

func (m *Memory) GetUserByExternalID(_ context.Context, externalID string) (user.User, error) {
	return m.find(func(u user.User) bool { return u.ExternalID == externalID })
}

func (m *Memory) find(match func(user.User) bool) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (m *Memory) update(id string, fn func(*user.User) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *Memory) SetPayoutAccount(_ context.Context, id, account string) error {
	m.mu.Lock()
	for _, u := range m.users {
		if u.ID != id && u.PayoutAccount == account {
			m.mu.Unlock()
			return user.ErrPayoutAccountInUse
		}
	}
	m.mu.Unlock()
	return m.update(id, func(u *user.User) error {
		u.PayoutAccount = account
		return nil
	})
}

func (m *Memory) SetVerified(_ context.Context, id string, verified bool) error {
	return m.update(id, func(u *user.User) error {
		u.Verified = verified
		return nil
	})
}

func (m *Memory) ClaimFreeTrade(_ context.Context, id string) (bool, error) {
	claimed := false
	err := m.update(id, func(u *user.User) error {
		if u.FreeTradesRemaining > 0 {
			u.FreeTradesRemaining--
			claimed = true
		}
		return nil
	})
	if errors.Is(err, user.ErrNotFound) {
		return false, nil
	}
	return claimed, err
}

func (m *Memory) AddFreeTrades(_ context.Context, id string, n int) error {
	return m.update(id, func(u *user.User) error {
		u.FreeTradesRemaining += n
		return nil
	})
}

func (m *Memory) InsertReferral(_ context.Context, referrerID, referredID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referrals[referredID]; ok {
		return user.ErrAlreadyReferred
	}
	m.referrals[referredID] = referrerID
	return nil
}

func (m *Memory) CountReferrals(_ context.Context, referrerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.referrals {
		if r == referrerID {
			n++
		}
	}
	return n, nil
}

// Referrer returns who referred the user, or "".
func (m *Memory) Referrer(referredID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referrals[referredID]
}

func (m *Memory) InsertReview(_ context.Context, r user.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.AuthorID == r.AuthorID && existing.MilestoneID == r.MilestoneID {
			return user.ErrDuplicateReview
		}
	}
	m.reviews = append(m.reviews, r)
	return nil
}

func (m *Memory) ReviewStats(_ context.Context, subjectID string) (int, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, sum := 0, 0
	for _, r := range m.reviews {
		if r.SubjectID == subjectID {
			count++
			sum += r.Score
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return count, float64(sum) / float64(count), nil
}

func (m *Memory) RecentReviews(_ context.Context, subjectID string, limit int) ([]user.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []user.Review{}
	for _, r := range m.reviews {
		if r.SubjectID == subjectID {
			r.AuthorHandle = m.users[r.AuthorID].Handle
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
