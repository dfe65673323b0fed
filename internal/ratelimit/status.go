package ratelimit

import (
	"context"
	"errors"

	"github.com/sundayezeilo/tokengate/internal/errx"
)

// RequestCosts lists the token cost of each class.
type RequestCosts struct {
	Standard   int
	ShortenURL int
}

// AbuseStatus describes the subject's abuse window.
type AbuseStatus struct {
	RateLimitedAttempts  int
	Threshold            int
	WindowMinutes        int
	AttemptsResetMinutes *int    // nil when no window is open
	Active               bool    // true while attempts are being counted
	WarningMessage       *string // nil when there are no attempts
}

// Status is a subject's self-service view of its bucket.
type Status struct {
	SubjectID           string
	TokensRemaining     int
	MaxTokens           int
	RefillRatePerMinute float64
	RequestCosts        RequestCosts
	ResetSeconds        int // until the bucket is full again
	Abuse               AbuseStatus
}

// Status refills the subject's bucket and expires a lapsed abuse window
// without charging anything, persists the result, and reports it. It returns
// errx.NotFound for a subject that has never been admitted.
func (c *Controller) Status(ctx context.Context, subjectID string) (Status, error) {
	const op = "ratelimit.Controller.Status"

	if subjectID == "" {
		return Status{}, errx.E(op, errx.Invalid, errors.New("subject id cannot be empty"))
	}

	unlock := c.locks.Lock(subjectID)
	defer unlock()

	b, err := c.repo.GetBucket(ctx, subjectID)
	if err != nil {
		return Status{}, errx.E(op, errx.KindOf(err), err)
	}

	p, err := c.policies.Current(ctx)
	if err != nil {
		return Status{}, errx.E(op, errx.KindOf(err), err)
	}

	now := c.clock.Now()
	clearExpiredWindow(&b, now)
	refill(&b, p, now)

	if _, err := c.repo.SaveBucket(ctx, b); err != nil {
		return Status{}, errx.E(op, errx.KindOf(err), err)
	}

	abuse := AbuseStatus{
		RateLimitedAttempts: b.AttemptCount,
		Threshold:           p.BlacklistThreshold,
		WindowMinutes:       WindowMinutes,
		Active:              b.AttemptCount > 0,
	}
	if b.AttemptWindowStart != nil {
		minutes := attemptsResetMinutes(*b.AttemptWindowStart, now)
		abuse.AttemptsResetMinutes = &minutes
		if b.AttemptCount > 0 {
			msg := warningMessage(b.AttemptCount, p.BlacklistThreshold, minutes)
			abuse.WarningMessage = &msg
		}
	}

	return Status{
		SubjectID:           subjectID,
		TokensRemaining:     b.Tokens,
		MaxTokens:           p.MaxTokens,
		RefillRatePerMinute: p.RefillRatePerMinute,
		RequestCosts: RequestCosts{
			Standard:   p.StandardRequestCost,
			ShortenURL: p.ShortenURLCost,
		},
		ResetSeconds: secondsUntilFull(p, b.Tokens),
		Abuse:        abuse,
	}, nil
}
