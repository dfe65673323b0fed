package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/sundayezeilo/tokengate/internal/errx"
)

// PolicyUpdate carries the fields of a partial policy update. Nil fields are
// left unchanged.
type PolicyUpdate struct {
	MaxTokens              *int
	RefillRatePerMinute    *float64
	StandardRequestCost    *int
	ShortenURLCost         *int
	BlacklistThreshold     *int
	BlacklistDurationHours *float64
}

func (u PolicyUpdate) empty() bool {
	return u.MaxTokens == nil && u.RefillRatePerMinute == nil &&
		u.StandardRequestCost == nil && u.ShortenURLCost == nil &&
		u.BlacklistThreshold == nil && u.BlacklistDurationHours == nil
}

// Validate requires at least one field and every present field to be positive
// and within the Min/Max policy bounds.
// Field names in errors match the JSON names of the admin API.
func (u PolicyUpdate) Validate() error {
	const op = "ratelimit.PolicyUpdate.Validate"

	if u.empty() {
		return errx.Invalidf(op, "settings", "no settings provided")
	}

	ints := []struct {
		name string
		v    *int
	}{
		{"maxTokens", u.MaxTokens},
		{"standardRequestCost", u.StandardRequestCost},
		{"shortenUrlCost", u.ShortenURLCost},
		{"blacklistThreshold", u.BlacklistThreshold},
	}
	for _, f := range ints {
		if f.v == nil {
			continue
		}
		if *f.v <= 0 {
			return errx.Invalidf(op, f.name, "%s must be positive", f.name)
		}
		if *f.v > math.MaxInt32 {
			return errx.Invalidf(op, f.name, "%s is too large", f.name)
		}
	}

	floats := []struct {
		name     string
		v        *float64
		min, max float64
	}{
		{"refillRatePerMinute", u.RefillRatePerMinute, MinRefillRatePerMinute, math.MaxFloat64},
		{"blacklistDurationHours", u.BlacklistDurationHours, 0, MaxBlacklistDurationHours},
	}
	for _, f := range floats {
		if f.v == nil {
			continue
		}
		if math.IsNaN(*f.v) || math.IsInf(*f.v, 0) || *f.v <= 0 {
			return errx.Invalidf(op, f.name, "%s must be positive", f.name)
		}
		if *f.v < f.min {
			return errx.Invalidf(op, f.name, "%s must be at least %g", f.name, f.min)
		}
		if *f.v > f.max {
			return errx.Invalidf(op, f.name, "%s must be at most %g", f.name, f.max)
		}
	}
	return nil
}

// Apply returns p with the present fields replaced.
func (u PolicyUpdate) Apply(p Policy) Policy {
	if u.MaxTokens != nil {
		p.MaxTokens = *u.MaxTokens
	}
	if u.RefillRatePerMinute != nil {
		p.RefillRatePerMinute = *u.RefillRatePerMinute
	}
	if u.StandardRequestCost != nil {
		p.StandardRequestCost = *u.StandardRequestCost
	}
	if u.ShortenURLCost != nil {
		p.ShortenURLCost = *u.ShortenURLCost
	}
	if u.BlacklistThreshold != nil {
		p.BlacklistThreshold = *u.BlacklistThreshold
	}
	if u.BlacklistDurationHours != nil {
		p.BlacklistDurationHours = *u.BlacklistDurationHours
	}
	return p
}

// Overview is the administrative aggregate view.
type Overview struct {
	Policy  Policy
	Buckets []Bucket
}

// Admin applies policy updates and manages blacklist entries.
type Admin struct {
	repo     Repository
	policies PolicyProvider
	clock    Clock
	logger   *slog.Logger
}

// AdminConfig holds configuration for Admin.
type AdminConfig struct {
	Repo     Repository
	Policies PolicyProvider
	Clock    Clock
	Logger   *slog.Logger
}

// NewAdmin creates an Admin.
func NewAdmin(cfg AdminConfig) *Admin {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = NewPolicyCache(PolicyCacheConfig{Repo: cfg.Repo, Clock: clock})
	}

	return &Admin{
		repo:     cfg.Repo,
		policies: policies,
		clock:    clock,
		logger:   logger,
	}
}

// Policy returns the stored policy, creating it with defaults if needed.
func (a *Admin) Policy(ctx context.Context) (Policy, error) {
	const op = "ratelimit.Admin.Policy"

	a.policies.Invalidate()
	p, err := a.policies.Current(ctx)
	if err != nil {
		return Policy{}, errx.E(op, errx.KindOf(err), err)
	}
	return p, nil
}

// UpdatePolicy merges the present fields of upd into the stored policy.
// Concurrent updates are last-write-wins.
func (a *Admin) UpdatePolicy(ctx context.Context, upd PolicyUpdate) (Policy, error) {
	const op = "ratelimit.Admin.UpdatePolicy"

	if err := upd.Validate(); err != nil {
		return Policy{}, errx.E(op, errx.Invalid, err)
	}

	current, err := a.Policy(ctx)
	if err != nil {
		return Policy{}, errx.E(op, errx.KindOf(err), err)
	}

	saved, err := a.repo.SavePolicy(ctx, GlobalPolicyKey, upd.Apply(current))
	if err != nil {
		return Policy{}, errx.E(op, errx.KindOf(err), err)
	}
	a.policies.Invalidate()

	a.logger.InfoContext(ctx, "rate limit policy updated",
		"max_tokens", saved.MaxTokens,
		"refill_rate_per_minute", saved.RefillRatePerMinute,
		"standard_request_cost", saved.StandardRequestCost,
		"shorten_url_cost", saved.ShortenURLCost,
		"blacklist_threshold", saved.BlacklistThreshold,
		"blacklist_duration_hours", saved.BlacklistDurationHours,
	)
	return saved, nil
}

// Overview returns the policy and every bucket.
func (a *Admin) Overview(ctx context.Context) (Overview, error) {
	const op = "ratelimit.Admin.Overview"

	p, err := a.Policy(ctx)
	if err != nil {
		return Overview{}, errx.E(op, errx.KindOf(err), err)
	}
	buckets, err := a.repo.ListBuckets(ctx)
	if err != nil {
		return Overview{}, errx.E(op, errx.KindOf(err), err)
	}
	return Overview{Policy: p, Buckets: buckets}, nil
}

// ListBlacklist returns every entry, active or expired, newest first.
func (a *Admin) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	const op = "ratelimit.Admin.ListBlacklist"

	entries, err := a.repo.ListBlacklist(ctx)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return entries, nil
}

// RemoveBlacklist lifts the active suspension of subjectID. Expired entries
// are history and are never removed; errx.NotFound is returned when nothing
// active exists.
func (a *Admin) RemoveBlacklist(ctx context.Context, subjectID string) error {
	const op = "ratelimit.Admin.RemoveBlacklist"

	if subjectID == "" {
		return errx.E(op, errx.Invalid, errors.New("subject id cannot be empty"))
	}

	n, err := a.repo.DeleteActiveBlacklist(ctx, subjectID, a.clock.Now())
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	if n == 0 {
		return errx.E(op, errx.NotFound, errors.New("no active blacklist found for this user"))
	}

	a.logger.InfoContext(ctx, "blacklist removed", "subject_id", subjectID)
	return nil
}
