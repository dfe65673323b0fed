package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// OutcomeError labels an admission that failed before reaching a decision.
const OutcomeError = "error"

// Event describes one admission attempt.
type Event struct {
	SubjectID string
	Class     CostClass
	Outcome   string // Outcome.String() or OutcomeError
	Escalated bool
	At        time.Time
}

// Recorder receives admission events. Implementations must not block the
// request for long and must not fail it.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// NopRecorder discards events.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}

type multiRecorder []Recorder

func (m multiRecorder) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}

// Recorders fans an event out to every non-nil recorder.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return NopRecorder{}
	case 1:
		return out[0]
	}
	return out
}

// RedisStats keeps admission counters in Redis hashes:
//
//	<prefix>:total                 cumulative, never expires
//	<prefix>:minute:<yyyymmddhhmm> per minute, expires after TTL
//	<prefix>:class                 "<class>:<outcome>" fields
//	<prefix>:subject:<id>          per subject, expires after TTL
type RedisStats struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type RedisStatsOption func(*RedisStats)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

func WithStatsLogger(l *slog.Logger) RedisStatsOption {
	return func(s *RedisStats) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewRedisStats creates a Redis-backed Recorder.
func NewRedisStats(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "tokengate:stats",
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStats) Record(ctx context.Context, ev Event) {
	if err := s.write(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to record admission stats",
			"error", err.Error(),
			"subject_id", ev.SubjectID,
			"outcome", ev.Outcome,
		)
	}
}

func (s *RedisStats) write(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Outcome

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.TotalKey(), field, 1)
	if ev.Escalated {
		pipe.HIncrBy(ctx, s.TotalKey(), "escalated", 1)
	}

	minuteKey := s.MinuteKey(at)
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	pipe.HIncrBy(ctx, s.prefix+":class", ev.Class.String()+":"+field, 1)

	if id := strings.TrimSpace(ev.SubjectID); id != "" {
		subjectKey := s.SubjectKey(id)
		pipe.HIncrBy(ctx, subjectKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, subjectKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStats) TotalKey() string { return s.prefix + ":total" }

func (s *RedisStats) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStats) SubjectKey(subjectID string) string {
	return s.prefix + ":subject:" + subjectID
}
