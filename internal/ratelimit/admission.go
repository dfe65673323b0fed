package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sundayezeilo/tokengate/internal/errx"
)

// Controller decides allow, deny or blacklist for one request at a time and
// serves the self-service status view with the same arithmetic.
type Controller struct {
	repo     Repository
	policies PolicyProvider
	clock    Clock
	logger   *slog.Logger
	recorder Recorder
	locks    *SubjectLocks
}

// ControllerConfig holds configuration for the controller.
type ControllerConfig struct {
	Repo     Repository
	Policies PolicyProvider // default: a PolicyCache over Repo with no caching
	Clock    Clock
	Logger   *slog.Logger
	Recorder Recorder
	// SubjectLocks serializes Admit and Status per subject within this
	// process. Nil leaves concurrent requests of one subject unsynchronized.
	SubjectLocks *SubjectLocks
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	policies := cfg.Policies
	if policies == nil {
		policies = NewPolicyCache(PolicyCacheConfig{Repo: cfg.Repo, Clock: clock})
	}

	return &Controller{
		repo:     cfg.Repo,
		policies: policies,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
		locks:    cfg.SubjectLocks,
	}
}

// Admit charges one request of the given class against subjectID's bucket.
// Store failures are returned as errors; no decision is made in that case.
func (c *Controller) Admit(ctx context.Context, subjectID string, class CostClass) (Decision, error) {
	const op = "ratelimit.Controller.Admit"

	if subjectID == "" {
		return Decision{}, errx.E(op, errx.Invalid, errors.New("subject id cannot be empty"))
	}

	unlock := c.locks.Lock(subjectID)
	defer unlock()

	now := c.clock.Now()
	d, err := c.admit(ctx, subjectID, class, now)

	ev := Event{SubjectID: subjectID, Class: class, At: now}
	if err != nil {
		ev.Outcome = OutcomeError
		c.recorder.Record(ctx, ev)
		return Decision{}, errx.E(op, errx.KindOf(err), err)
	}
	ev.Outcome = d.Outcome.String()
	ev.Escalated = d.Escalated
	c.recorder.Record(ctx, ev)

	return d, nil
}

func (c *Controller) admit(ctx context.Context, subjectID string, class CostClass, now time.Time) (Decision, error) {
	// An active suspension short-circuits everything and writes nothing.
	entry, err := c.repo.FindActiveBlacklist(ctx, subjectID, now)
	switch {
	case err == nil:
		return Decision{
			Outcome:          Blacklisted,
			Reason:           entry.Reason,
			BlacklistedUntil: entry.BlacklistedUntil,
			HoursRemaining:   hoursUntil(entry.BlacklistedUntil, now),
		}, nil
	case !errx.Is(err, errx.NotFound):
		return Decision{}, err
	}

	p, err := c.policies.Current(ctx)
	if err != nil {
		return Decision{}, err
	}

	b, err := c.loadBucket(ctx, subjectID, p, now)
	if err != nil {
		return Decision{}, err
	}

	refill(&b, p, now)
	cost := p.Cost(class)

	if b.Tokens < cost {
		recordDenial(&b, now)

		if b.AttemptCount >= p.BlacklistThreshold {
			return c.escalate(ctx, b, p, now)
		}

		if _, err := c.repo.SaveBucket(ctx, b); err != nil {
			return Decision{}, err
		}

		minutes := attemptsResetMinutes(*b.AttemptWindowStart, now)
		return Decision{
			Outcome:              Denied,
			TokensRemaining:      b.Tokens,
			Limit:                p.MaxTokens,
			ResetSeconds:         secondsPerToken(p),
			AttemptCount:         b.AttemptCount,
			AttemptThreshold:     p.BlacklistThreshold,
			AttemptsResetMinutes: minutes,
			Warning:              warningMessage(b.AttemptCount, p.BlacklistThreshold, minutes),
		}, nil
	}

	b.Tokens -= cost
	if _, err := c.repo.SaveBucket(ctx, b); err != nil {
		return Decision{}, err
	}

	return Decision{
		Outcome:           Allowed,
		TokensRemaining:   b.Tokens,
		Limit:             p.MaxTokens,
		ResetEpochSeconds: resetEpochSeconds(p, now),
	}, nil
}

// escalate suspends the subject and returns its abuse counter to idle. The
// entry and the bucket are written separately; if the bucket write fails the
// next denial escalates again.
func (c *Controller) escalate(ctx context.Context, b Bucket, p Policy, now time.Time) (Decision, error) {
	until := now.Add(p.BlacklistDuration())

	entry, err := c.repo.CreateBlacklist(ctx, BlacklistEntry{
		SubjectID:        b.SubjectID,
		BlacklistedAt:    now,
		BlacklistedUntil: until,
		Reason:           storedBlacklistReason(p.BlacklistThreshold),
	})
	if err != nil {
		return Decision{}, err
	}

	resetWindow(&b)
	if _, err := c.repo.SaveBucket(ctx, b); err != nil {
		return Decision{}, err
	}

	c.logger.WarnContext(ctx, "subject blacklisted",
		"subject_id", b.SubjectID,
		"blacklist_id", entry.ID.String(),
		"threshold", p.BlacklistThreshold,
		"blacklisted_until", until,
	)

	return Decision{
		Outcome:          Blacklisted,
		Reason:           escalationReason(p.BlacklistThreshold),
		BlacklistedUntil: until,
		HoursRemaining:   hoursUntil(until, now),
		Escalated:        true,
	}, nil
}

// loadBucket returns the stored bucket or a full one for a new subject.
func (c *Controller) loadBucket(ctx context.Context, subjectID string, p Policy, now time.Time) (Bucket, error) {
	b, err := c.repo.GetBucket(ctx, subjectID)
	if err == nil {
		return b, nil
	}
	if !errx.Is(err, errx.NotFound) {
		return Bucket{}, err
	}
	return Bucket{
		SubjectID:    subjectID,
		Tokens:       p.MaxTokens,
		LastRefillAt: now,
	}, nil
}
