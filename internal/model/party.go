package model

import "time"

// MatchStatus tracks the resolution lifecycle of a buyer or supplier name.
type MatchStatus string

// Match lifecycle states.
const (
	MatchPending       MatchStatus = "pending"
	MatchMatched       MatchStatus = "matched"
	MatchNoMatch       MatchStatus = "no_match"
	MatchSkipped       MatchStatus = "skipped"
	MatchPendingReview MatchStatus = "pending_review"
)

// Buyer is a name-keyed paying organisation. Name is unique; once resolved
// it links to exactly one canonical entity.
type Buyer struct {
	ID               int64       `json:"id" db:"id"`
	Name             string      `json:"name" db:"name"`
	EntityID         *int64      `json:"entity_id,omitempty" db:"entity_id"`
	MatchStatus      MatchStatus `json:"match_status" db:"match_status"`
	Confidence       *float64    `json:"confidence,omitempty" db:"confidence"`
	ManuallyVerified bool        `json:"manually_verified" db:"manually_verified"`
	LastMatchAttempt *time.Time  `json:"last_match_attempt,omitempty" db:"last_match_attempt"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// Supplier is a name-keyed paid organisation, same lifecycle as Buyer.
type Supplier struct {
	ID               int64       `json:"id" db:"id"`
	Name             string      `json:"name" db:"name"`
	EntityID         *int64      `json:"entity_id,omitempty" db:"entity_id"`
	MatchStatus      MatchStatus `json:"match_status" db:"match_status"`
	Confidence       *float64    `json:"confidence,omitempty" db:"confidence"`
	ManuallyVerified bool        `json:"manually_verified" db:"manually_verified"`
	LastMatchAttempt *time.Time  `json:"last_match_attempt,omitempty" db:"last_match_attempt"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}
