package ratelimit

import (
	"time"

	"github.com/google/uuid"
)

// GlobalPolicyKey is the key of the single policy row.
const GlobalPolicyKey = "global"

// CostClass categorizes a request by how many tokens it consumes.
type CostClass int

const (
	Standard CostClass = iota
	ShortenURL
)

func (c CostClass) String() string {
	switch c {
	case Standard:
		return "standard"
	case ShortenURL:
		return "shorten_url"
	default:
		return "unknown"
	}
}

// Bounds on the float policy fields. They keep ceil(60/rate), the seconds
// until a full bucket, and the blacklist end time inside int64.
const (
	MinRefillRatePerMinute    = 0.001
	MaxBlacklistDurationHours = 100 * 365 * 24
)

// Policy holds the token economics and escalation thresholds shared by every subject.
type Policy struct {
	MaxTokens              int
	RefillRatePerMinute    float64
	StandardRequestCost    int
	ShortenURLCost         int
	BlacklistThreshold     int
	BlacklistDurationHours float64
	UpdatedAt              time.Time
}

// DefaultPolicy returns the policy created on first access.
func DefaultPolicy() Policy {
	return Policy{
		MaxTokens:              20,
		RefillRatePerMinute:    10,
		StandardRequestCost:    2,
		ShortenURLCost:         4,
		BlacklistThreshold:     20,
		BlacklistDurationHours: 24,
	}
}

// Cost returns the token cost of a request in the given class.
func (p Policy) Cost(class CostClass) int {
	if class == ShortenURL {
		return p.ShortenURLCost
	}
	return p.StandardRequestCost
}

// BlacklistDuration converts BlacklistDurationHours to a time.Duration.
func (p Policy) BlacklistDuration() time.Duration {
	return time.Duration(p.BlacklistDurationHours * float64(time.Hour))
}

// Bucket is the per-subject token bucket plus its abuse-window counter.
// AttemptWindowStart is nil whenever AttemptCount is 0.
type Bucket struct {
	SubjectID          string
	Tokens             int
	LastRefillAt       time.Time
	AttemptCount       int
	AttemptWindowStart *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BlacklistEntry is a temporary suspension of a subject.
type BlacklistEntry struct {
	ID               uuid.UUID
	SubjectID        string
	BlacklistedAt    time.Time
	BlacklistedUntil time.Time
	Reason           string
}

// Active reports whether the suspension is still in force at now.
func (e BlacklistEntry) Active(now time.Time) bool {
	return e.BlacklistedUntil.After(now)
}

// Outcome is the result of an admission decision.
type Outcome int

const (
	Allowed Outcome = iota + 1
	Denied
	Blacklisted
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Blacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Decision is returned by Controller.Admit. Which fields are meaningful
// depends on Outcome:
//   - Allowed: TokensRemaining, Limit, ResetEpochSeconds.
//   - Denied: TokensRemaining, ResetSeconds, AttemptCount, AttemptThreshold,
//     AttemptsResetMinutes, Warning.
//   - Blacklisted: Reason, BlacklistedUntil, HoursRemaining, Escalated.
type Decision struct {
	Outcome Outcome

	TokensRemaining   int
	Limit             int
	ResetEpochSeconds int64

	ResetSeconds         int
	AttemptCount         int
	AttemptThreshold     int
	AttemptsResetMinutes int
	Warning              string

	Reason           string
	BlacklistedUntil time.Time
	HoursRemaining   int
	// Escalated is true when this very request created the blacklist entry.
	Escalated bool
}

// Clock is the time source for every decision.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
