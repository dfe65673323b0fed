package ratelimit

import (
	"context"
	"time"
)

// Repository is the durable record store for buckets, blacklist entries and
// the policy row. Lookups that find nothing return an errx.NotFound error.
type Repository interface {
	GetBucket(ctx context.Context, subjectID string) (Bucket, error)
	SaveBucket(ctx context.Context, b Bucket) (Bucket, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)

	FindActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (BlacklistEntry, error)
	CreateBlacklist(ctx context.Context, e BlacklistEntry) (BlacklistEntry, error)
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)
	// DeleteActiveBlacklist removes entries still active at now and returns how many went.
	DeleteActiveBlacklist(ctx context.Context, subjectID string, now time.Time) (int64, error)

	GetPolicy(ctx context.Context, key string) (Policy, error)
	CreatePolicy(ctx context.Context, key string, p Policy) (Policy, error)
	SavePolicy(ctx context.Context, key string, p Policy) (Policy, error)
}
