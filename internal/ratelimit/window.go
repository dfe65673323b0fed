package ratelimit

import (
	"fmt"
	"math"
	"time"
)

const (
	// AbuseWindow is the fixed interval, anchored at the first denial, in which
	// denials count toward escalation.
	AbuseWindow   = 10 * time.Minute
	WindowMinutes = int(AbuseWindow / time.Minute)
)

// refill adds floor(elapsedMinutes*rate) tokens, capped at MaxTokens, and returns
// the number added. LastRefillAt only moves when at least one token is added so
// fractional progress keeps accumulating across calls.
func refill(b *Bucket, p Policy, now time.Time) int {
	// A lowered MaxTokens takes effect on the next touch.
	if b.Tokens > p.MaxTokens {
		b.Tokens = p.MaxTokens
	}

	toAdd := math.Floor(now.Sub(b.LastRefillAt).Minutes() * p.RefillRatePerMinute)
	if toAdd < 1 {
		return 0
	}

	before := b.Tokens
	if toAdd >= float64(p.MaxTokens) {
		b.Tokens = p.MaxTokens
	} else {
		b.Tokens = min(b.Tokens+int(toAdd), p.MaxTokens)
	}
	b.LastRefillAt = now
	return b.Tokens - before
}

// windowExpired reports whether a denial at now must open a new abuse window.
func windowExpired(b *Bucket, now time.Time) bool {
	return b.AttemptWindowStart == nil || b.AttemptWindowStart.Before(now.Add(-AbuseWindow))
}

// recordDenial counts a denial, opening a new window when the current one is
// missing or older than AbuseWindow.
func recordDenial(b *Bucket, now time.Time) {
	if windowExpired(b, now) {
		start := now
		b.AttemptCount = 1
		b.AttemptWindowStart = &start
		return
	}
	b.AttemptCount++
}

// clearExpiredWindow resets the counter when its window has lapsed and reports
// whether it did.
func clearExpiredWindow(b *Bucket, now time.Time) bool {
	if b.AttemptWindowStart == nil || !windowExpired(b, now) {
		return false
	}
	b.AttemptCount = 0
	b.AttemptWindowStart = nil
	return true
}

// resetWindow returns the counter to idle after an escalation.
func resetWindow(b *Bucket) {
	b.AttemptCount = 0
	b.AttemptWindowStart = nil
}

// secondsPerToken is the wait until the next whole token: ceil(60/rate).
func secondsPerToken(p Policy) int {
	return int(math.Ceil(60 / p.RefillRatePerMinute))
}

// secondsUntilFull is ceil((MaxTokens-tokens)/rate*60), or 0 when full.
func secondsUntilFull(p Policy, tokens int) int {
	missing := p.MaxTokens - tokens
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(float64(missing) / p.RefillRatePerMinute * 60))
}

// attemptsResetMinutes is the number of whole minutes, rounded up, until the
// window opened at start closes.
func attemptsResetMinutes(start, now time.Time) int {
	return int(math.Ceil(start.Add(AbuseWindow).Sub(now).Minutes()))
}

// hoursUntil is ceil((until-now)/1h).
func hoursUntil(until, now time.Time) int {
	return int(math.Ceil(until.Sub(now).Hours()))
}

// resetEpochSeconds is the X-RateLimit-Reset value: the current unix second,
// rounded up, plus the wait for one token.
func resetEpochSeconds(p Policy, now time.Time) int64 {
	sec := int64(math.Ceil(float64(now.UnixMilli()) / 1000))
	return sec + int64(secondsPerToken(p))
}

func warningMessage(count, threshold, minutes int) string {
	return fmt.Sprintf(
		"Warning: You have made %d of %d allowed attempts while rate limited. This counter resets in %d minutes",
		count, threshold, minutes,
	)
}

func storedBlacklistReason(threshold int) string {
	return fmt.Sprintf("Exceeded rate limit threshold of %d attempts in %d minutes", threshold, WindowMinutes)
}

func escalationReason(threshold int) string {
	return fmt.Sprintf("Exceeded %d attempts in %d minutes while rate limited", threshold, WindowMinutes)
}
