package user

import "time"

// User is a participant identified by the chat platform id of the front end.
type User struct {
	ID                  string
	ExternalID          string
	Handle              string
	Verified            bool
	PayoutAccount       string
	FreeTradesRemaining int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Review is one party rating the other after a settled milestone.
type Review struct {
	ID           string
	DealID       string
	MilestoneID  string
	AuthorID     string
	AuthorHandle string
	SubjectID    string
	Score        int
	Comment      string
	CreatedAt    time.Time
}

// Profile is the public reputation summary of a user.
type Profile struct {
	User           User
	CompletedDeals int
	RatingCount    int
	AverageRating  float64
	RecentReviews  []Review
	Referrals      int
}

type RegisterParams struct {
	ExternalID string
	Handle     string
	// ReferralCode is the "ref_<handle>" code the user arrived with.
	ReferralCode string
}

type ReviewParams struct {
	AuthorID    string
	MilestoneID string
	Score       int
	Comment     string
}
