package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	db "github.com/sundayezeilo/tokengate/internal/db/sqlc"
	"github.com/sundayezeilo/tokengate/internal/errx"
	"github.com/sundayezeilo/tokengate/internal/idgen"
)

// querier is an internal interface that abstracts *db.Queries
type querier interface {
	GetBucket(ctx context.Context, subjectID string) (db.RateLimitBucket, error)
	UpsertBucket(ctx context.Context, arg db.UpsertBucketParams) (db.RateLimitBucket, error)
	ListBuckets(ctx context.Context) ([]db.RateLimitBucket, error)
	GetActiveBlacklistEntry(ctx context.Context, arg db.GetActiveBlacklistEntryParams) (db.BlacklistEntry, error)
	CreateBlacklistEntry(ctx context.Context, arg db.CreateBlacklistEntryParams) (db.BlacklistEntry, error)
	ListBlacklistEntries(ctx context.Context) ([]db.BlacklistEntry, error)
	DeleteActiveBlacklistEntries(ctx context.Context, arg db.DeleteActiveBlacklistEntriesParams) (int64, error)
	GetPolicy(ctx context.Context, key string) (db.RateLimitPolicy, error)
	CreatePolicy(ctx context.Context, arg db.CreatePolicyParams) (db.RateLimitPolicy, error)
	UpdatePolicy(ctx context.Context, arg db.UpdatePolicyParams) (db.RateLimitPolicy, error)
}

type repo struct {
	q   querier
	ids idgen.Generator
}

// RepositoryConfig holds configuration for the repository
type RepositoryConfig struct {
	IDGenerator idgen.Generator
}

// NewRepository creates a new Repository implementation
func NewRepository(q querier, config *RepositoryConfig) Repository {
	if config == nil {
		config = &RepositoryConfig{}
	}

	// Blacklist entries are listed newest first; v7 keeps inserts ordered.
	if config.IDGenerator == nil {
		config.IDGenerator = idgen.NewV7(idgen.WithRetries(1))
	}

	return &repo{
		q:   q,
		ids: config.IDGenerator,
	}
}

func mustTime(ts pgtype.Timestamptz, field string) (time.Time, error) {
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("%s unexpectedly NULL", field)
	}
	return ts.Time, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func toNullTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return toTimestamptz(*t)
}

func toInt32(v int, field string) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%s out of range: %d", field, v)
	}
	return int32(v), nil
}

func toDomainBucket(x db.RateLimitBucket) (Bucket, error) {
	lastRefill, err := mustTime(x.LastRefillAt, "last_refill_at")
	if err != nil {
		return Bucket{}, err
	}
	createdAt, err := mustTime(x.CreatedAt, "created_at")
	if err != nil {
		return Bucket{}, err
	}
	updatedAt, err := mustTime(x.UpdatedAt, "updated_at")
	if err != nil {
		return Bucket{}, err
	}

	return Bucket{
		SubjectID:          x.SubjectID,
		Tokens:             int(x.Tokens),
		LastRefillAt:       lastRefill,
		AttemptCount:       int(x.AttemptCount),
		AttemptWindowStart: timePtr(x.AttemptWindowStart),
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}, nil
}

func toDomainEntry(x db.BlacklistEntry) (BlacklistEntry, error) {
	at, err := mustTime(x.BlacklistedAt, "blacklisted_at")
	if err != nil {
		return BlacklistEntry{}, err
	}
	until, err := mustTime(x.BlacklistedUntil, "blacklisted_until")
	if err != nil {
		return BlacklistEntry{}, err
	}

	return BlacklistEntry{
		ID:               x.ID,
		SubjectID:        x.SubjectID,
		BlacklistedAt:    at,
		BlacklistedUntil: until,
		Reason:           x.Reason,
	}, nil
}

func toDomainPolicy(x db.RateLimitPolicy) (Policy, error) {
	updatedAt, err := mustTime(x.UpdatedAt, "updated_at")
	if err != nil {
		return Policy{}, err
	}

	return Policy{
		MaxTokens:              int(x.MaxTokens),
		RefillRatePerMinute:    x.RefillRatePerMinute,
		StandardRequestCost:    int(x.StandardRequestCost),
		ShortenURLCost:         int(x.ShortenUrlCost),
		BlacklistThreshold:     int(x.BlacklistThreshold),
		BlacklistDurationHours: x.BlacklistDurationHours,
		UpdatedAt:              updatedAt,
	}, nil
}

// policyColumns narrows the integer fields of p to the column type.
func policyColumns(p Policy) (maxTokens, standard, shorten, threshold int32, err error) {
	if maxTokens, err = toInt32(p.MaxTokens, "max_tokens"); err != nil {
		return
	}
	if standard, err = toInt32(p.StandardRequestCost, "standard_request_cost"); err != nil {
		return
	}
	if shorten, err = toInt32(p.ShortenURLCost, "shorten_url_cost"); err != nil {
		return
	}
	threshold, err = toInt32(p.BlacklistThreshold, "blacklist_threshold")
	return
}

func mapRepoError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errx.E(op, errx.NotFound, err)

	case isUniqueViolation(err):
		return errx.E(op, errx.Conflict, err)

	case isCheckViolation(err):
		return errx.E(op, errx.Invalid, err)

	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func (r *repo) GetBucket(ctx context.Context, subjectID string) (Bucket, error) {
	const op = "ratelimit.repo.GetBucket"

	row, err := r.q.GetBucket(ctx, subjectID)
	if err != nil {
		return Bucket{}, mapRepoError(op, err)
	}
	b, err := toDomainBucket(row)
	if err != nil {
		return Bucket{}, errx.E(op, errx.Internal, err)
	}
	return b, nil
}

func (r *repo) SaveBucket(ctx context.Context, b Bucket) (Bucket, error) {
	const op = "ratelimit.repo.SaveBucket"

	tokens, err := toInt32(b.Tokens, "tokens")
	if err != nil {
		return Bucket{}, errx.E(op, errx.Invalid, err)
	}
	attempts, err := toInt32(b.AttemptCount, "attempt_count")
	if err != nil {
		return Bucket{}, errx.E(op, errx.Invalid, err)
	}

	row, err := r.q.UpsertBucket(ctx, db.UpsertBucketParams{
		SubjectID:          b.SubjectID,
		Tokens:             tokens,
		LastRefillAt:       toTimestamptz(b.LastRefillAt),
		AttemptCount:       attempts,
		AttemptWindowStart: toNullTimestamptz(b.AttemptWindowStart),
	})
	if err != nil {
		return Bucket{}, mapRepoError(op, err)
	}
	saved, err := toDomainBucket(row)
	if err != nil {
		return Bucket{}, errx.E(op, errx.Internal, err)
	}
	return saved, nil
}

func (r *repo) ListBuckets(ctx context.Context) ([]Bucket, error) {
	const op = "ratelimit.repo.ListBuckets"

	rows, err := r.q.ListBuckets(ctx)
	if err != nil {
		return nil, mapRepoError(op, err)
	}

	buckets := make([]Bucket, 0, len(rows))
	for _, row := range rows {
		b, err := toDomainBucket(row)
		if err != nil {
			return nil, errx.E(op, errx.Internal, err)
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

func (r *repo) FindActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (BlacklistEntry, error) {
	const op = "ratelimit.repo.FindActiveBlacklist"

	row, err := r.q.GetActiveBlacklistEntry(ctx, db.GetActiveBlacklistEntryParams{
		SubjectID: subjectID,
		Now:       toTimestamptz(now),
	})
	if err != nil {
		return BlacklistEntry{}, mapRepoError(op, err)
	}
	e, err := toDomainEntry(row)
	if err != nil {
		return BlacklistEntry{}, errx.E(op, errx.Internal, err)
	}
	return e, nil
}

func (r *repo) CreateBlacklist(ctx context.Context, e BlacklistEntry) (BlacklistEntry, error) {
	const op = "ratelimit.repo.CreateBlacklist"

	if e.ID == uuid.Nil {
		id, err := r.ids.Generate()
		if err != nil {
			return BlacklistEntry{}, errx.E(op, errx.Unavailable, err)
		}
		e.ID = id
	}

	row, err := r.q.CreateBlacklistEntry(ctx, db.CreateBlacklistEntryParams{
		ID:               e.ID,
		SubjectID:        e.SubjectID,
		BlacklistedAt:    toTimestamptz(e.BlacklistedAt),
		BlacklistedUntil: toTimestamptz(e.BlacklistedUntil),
		Reason:           e.Reason,
	})
	if err != nil {
		return BlacklistEntry{}, mapRepoError(op, err)
	}
	created, err := toDomainEntry(row)
	if err != nil {
		return BlacklistEntry{}, errx.E(op, errx.Internal, err)
	}
	return created, nil
}

func (r *repo) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	const op = "ratelimit.repo.ListBlacklist"

	rows, err := r.q.ListBlacklistEntries(ctx)
	if err != nil {
		return nil, mapRepoError(op, err)
	}

	entries := make([]BlacklistEntry, 0, len(rows))
	for _, row := range rows {
		e, err := toDomainEntry(row)
		if err != nil {
			return nil, errx.E(op, errx.Internal, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *repo) DeleteActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	const op = "ratelimit.repo.DeleteActiveBlacklist"

	n, err := r.q.DeleteActiveBlacklistEntries(ctx, db.DeleteActiveBlacklistEntriesParams{
		SubjectID: subjectID,
		Now:       toTimestamptz(now),
	})
	if err != nil {
		return 0, mapRepoError(op, err)
	}
	return n, nil
}

func (r *repo) GetPolicy(ctx context.Context, key string) (Policy, error) {
	const op = "ratelimit.repo.GetPolicy"

	row, err := r.q.GetPolicy(ctx, key)
	if err != nil {
		return Policy{}, mapRepoError(op, err)
	}
	p, err := toDomainPolicy(row)
	if err != nil {
		return Policy{}, errx.E(op, errx.Internal, err)
	}
	return p, nil
}

func (r *repo) CreatePolicy(ctx context.Context, key string, p Policy) (Policy, error) {
	const op = "ratelimit.repo.CreatePolicy"

	maxTokens, standard, shorten, threshold, err := policyColumns(p)
	if err != nil {
		return Policy{}, errx.E(op, errx.Invalid, err)
	}

	row, err := r.q.CreatePolicy(ctx, db.CreatePolicyParams{
		Key:                    key,
		MaxTokens:              maxTokens,
		RefillRatePerMinute:    p.RefillRatePerMinute,
		StandardRequestCost:    standard,
		ShortenUrlCost:         shorten,
		BlacklistThreshold:     threshold,
		BlacklistDurationHours: p.BlacklistDurationHours,
	})
	if err != nil {
		return Policy{}, mapRepoError(op, err)
	}
	created, err := toDomainPolicy(row)
	if err != nil {
		return Policy{}, errx.E(op, errx.Internal, err)
	}
	return created, nil
}

func (r *repo) SavePolicy(ctx context.Context, key string, p Policy) (Policy, error) {
	const op = "ratelimit.repo.SavePolicy"

	maxTokens, standard, shorten, threshold, err := policyColumns(p)
	if err != nil {
		return Policy{}, errx.E(op, errx.Invalid, err)
	}

	row, err := r.q.UpdatePolicy(ctx, db.UpdatePolicyParams{
		Key:                    key,
		MaxTokens:              maxTokens,
		RefillRatePerMinute:    p.RefillRatePerMinute,
		StandardRequestCost:    standard,
		ShortenUrlCost:         shorten,
		BlacklistThreshold:     threshold,
		BlacklistDurationHours: p.BlacklistDurationHours,
	})
	if err != nil {
		return Policy{}, mapRepoError(op, err)
	}
	saved, err := toDomainPolicy(row)
	if err != nil {
		return Policy{}, errx.E(op, errx.Internal, err)
	}
	return saved, nil
}
