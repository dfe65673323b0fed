package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sundayezeilo/tokengate/internal/errx"
	"github.com/sundayezeilo/tokengate/internal/httpx"
	"github.com/sundayezeilo/tokengate/internal/identity"
)

// Admitter is the request-path surface of Controller.
type Admitter interface {
	Admit(ctx context.Context, subjectID string, class CostClass) (Decision, error)
	Status(ctx context.Context, subjectID string) (Status, error)
}

// Administrator is the admin surface of Admin.
type Administrator interface {
	UpdatePolicy(ctx context.Context, upd PolicyUpdate) (Policy, error)
	Overview(ctx context.Context) (Overview, error)
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)
	RemoveBlacklist(ctx context.Context, subjectID string) error
}

// HTTPPolicyUpdateRequest is the JSON body of PUT /admin/rate-limits.
type HTTPPolicyUpdateRequest struct {
	MaxTokens              *int     `json:"maxTokens"`
	RefillRatePerMinute    *float64 `json:"refillRatePerMinute"`
	StandardRequestCost    *int     `json:"standardRequestCost"`
	ShortenURLCost         *int     `json:"shortenUrlCost"`
	BlacklistThreshold     *int     `json:"blacklistThreshold"`
	BlacklistDurationHours *float64 `json:"blacklistDurationHours"`
}

// PolicyResponse is the JSON form of a Policy.
type PolicyResponse struct {
	MaxTokens              int       `json:"maxTokens"`
	RefillRatePerMinute    float64   `json:"refillRatePerMinute"`
	StandardRequestCost    int       `json:"standardRequestCost"`
	ShortenURLCost         int       `json:"shortenUrlCost"`
	BlacklistThreshold     int       `json:"blacklistThreshold"`
	BlacklistDurationHours float64   `json:"blacklistDurationHours"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// BucketResponse is the JSON form of a Bucket.
type BucketResponse struct {
	UserID              string     `json:"userId"`
	Tokens              int        `json:"tokens"`
	LastRefill          time.Time  `json:"lastRefill"`
	RateLimitedAttempts int        `json:"rateLimitedAttempts"`
	AttemptWindowStart  *time.Time `json:"rateLimitedAttemptsResetTime"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// BlacklistEntryResponse is the JSON form of a BlacklistEntry.
type BlacklistEntryResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	BlacklistedAt    time.Time `json:"blacklistedAt"`
	BlacklistedUntil time.Time `json:"blacklistedUntil"`
	Reason           string    `json:"reason"`
}

// StatusResponse is the JSON body of GET /api/rate-limit/status.
type StatusResponse struct {
	UserID              string  `json:"userId"`
	TokensRemaining     int     `json:"tokensRemaining"`
	MaxTokens           int     `json:"maxTokens"`
	RefillRatePerMinute float64 `json:"refillRatePerMinute"`
	RequestCosts        struct {
		Standard   int `json:"standard"`
		ShortenURL int `json:"shortenUrl"`
	} `json:"requestCosts"`
	BlacklistStatus struct {
		RateLimitedAttempts  int     `json:"rateLimitedAttempts"`
		Threshold            int     `json:"threshold"`
		WindowMinutes        int     `json:"windowMinutes"`
		AttemptsResetMinutes *int    `json:"attemptsResetMinutes"`
		Active               bool    `json:"active"`
		WarningMessage       *string `json:"warningMessage"`
	} `json:"blacklistStatus"`
	ResetSeconds int `json:"resetSeconds"`
}

// DeniedResponse is the 429 body.
type DeniedResponse struct {
	Error                string `json:"error"`
	TokensRemaining      int    `json:"tokensRemaining"`
	ResetSeconds         int    `json:"resetSeconds"`
	RateLimitedAttempts  int    `json:"rateLimitedAttempts"`
	AttemptsResetMinutes int    `json:"attemptsResetMinutes"`
	WarningMessage       string `json:"warningMessage"`
}

// BlacklistedResponse is the 403 body for suspended subjects.
type BlacklistedResponse struct {
	Error            string    `json:"error"`
	Reason           string    `json:"reason"`
	BlacklistedUntil time.Time `json:"blacklistedUntil"`
	HoursRemaining   int       `json:"hoursRemaining"`
}

// Handler provides the admission middleware and the rate-limit HTTP endpoints.
type Handler struct {
	admitter Admitter
	admin    Administrator
	classify func(*http.Request) CostClass
	logger   *slog.Logger
}

// HandlerConfig holds configuration for the handler.
type HandlerConfig struct {
	Admitter Admitter
	Admin    Administrator
	Classify func(*http.Request) CostClass // default: every request is Standard
	Logger   *slog.Logger
}

// NewHandler creates a new Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classify := cfg.Classify
	if classify == nil {
		classify = func(*http.Request) CostClass { return Standard }
	}

	return &Handler{
		admitter: cfg.Admitter,
		admin:    cfg.Admin,
		classify: classify,
		logger:   logger,
	}
}

// Admission charges requests of role "user" before they reach next. Every
// other role passes through untouched.
func (h *Handler) Admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		p, ok := identity.FromContext(ctx)
		if !ok || p.Role != identity.RoleUser {
			next.ServeHTTP(w, r)
			return
		}

		class := h.classify(r)
		d, err := h.admitter.Admit(ctx, p.SubjectID, class)
		if err != nil {
			h.handleError(ctx, w, err, "Unable to evaluate rate limit at this time")
			return
		}

		logger := h.logger.With(
			"request_id", httpx.GetRequestID(ctx),
			"subject_id", p.SubjectID,
			"cost_class", class.String(),
		)

		switch d.Outcome {
		case Allowed:
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.TokensRemaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetEpochSeconds, 10))
			next.ServeHTTP(w, r)

		case Denied:
			logger.InfoContext(ctx, "request rate limited",
				"tokens_remaining", d.TokensRemaining,
				"attempts", d.AttemptCount,
				"threshold", d.AttemptThreshold,
			)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.TokensRemaining))
			w.Header().Set("Retry-After", strconv.Itoa(d.ResetSeconds))
			httpx.WriteJSON(w, http.StatusTooManyRequests, DeniedResponse{
				Error:                "Rate limit exceeded",
				TokensRemaining:      d.TokensRemaining,
				ResetSeconds:         d.ResetSeconds,
				RateLimitedAttempts:  d.AttemptCount,
				AttemptsResetMinutes: d.AttemptsResetMinutes,
				WarningMessage:       d.Warning,
			})

		case Blacklisted:
			msg := "User is blacklisted"
			if d.Escalated {
				msg = "Account blacklisted"
			}
			logger.WarnContext(ctx, "request from blacklisted subject",
				"escalated", d.Escalated,
				"blacklisted_until", d.BlacklistedUntil,
			)
			httpx.WriteJSON(w, http.StatusForbidden, BlacklistedResponse{
				Error:            msg,
				Reason:           d.Reason,
				BlacklistedUntil: d.BlacklistedUntil,
				HoursRemaining:   d.HoursRemaining,
			})

		default:
			logger.ErrorContext(ctx, "unknown admission outcome", "outcome", int(d.Outcome))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error",
				"Unable to evaluate rate limit at this time", nil)
		}
	})
}

// Status handles GET /api/rate-limit/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, ok := identity.FromContext(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
		return
	}

	st, err := h.admitter.Status(ctx, p.SubjectID)
	if err != nil {
		if errx.Is(err, errx.NotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "Rate limit information not found", nil)
			return
		}
		h.handleError(ctx, w, err, "Failed to get rate limit status")
		return
	}

	var resp StatusResponse
	resp.UserID = st.SubjectID
	resp.TokensRemaining = st.TokensRemaining
	resp.MaxTokens = st.MaxTokens
	resp.RefillRatePerMinute = st.RefillRatePerMinute
	resp.RequestCosts.Standard = st.RequestCosts.Standard
	resp.RequestCosts.ShortenURL = st.RequestCosts.ShortenURL
	resp.BlacklistStatus.RateLimitedAttempts = st.Abuse.RateLimitedAttempts
	resp.BlacklistStatus.Threshold = st.Abuse.Threshold
	resp.BlacklistStatus.WindowMinutes = st.Abuse.WindowMinutes
	resp.BlacklistStatus.AttemptsResetMinutes = st.Abuse.AttemptsResetMinutes
	resp.BlacklistStatus.Active = st.Abuse.Active
	resp.BlacklistStatus.WarningMessage = st.Abuse.WarningMessage
	resp.ResetSeconds = st.ResetSeconds

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// GetRateLimits handles GET /admin/rate-limits.
func (h *Handler) GetRateLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ov, err := h.admin.Overview(ctx)
	if err != nil {
		h.handleError(ctx, w, err, "Failed to retrieve rate limits")
		return
	}

	buckets := make([]BucketResponse, 0, len(ov.Buckets))
	for _, b := range ov.Buckets {
		buckets = append(buckets, toBucketResponse(b))
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"settings":       toPolicyResponse(ov.Policy),
		"userRateLimits": buckets,
	})
}

// UpdateRateLimits handles PUT /admin/rate-limits.
func (h *Handler) UpdateRateLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httpx.DecodeJSON[HTTPPolicyUpdateRequest](r)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to decode policy update",
			"request_id", httpx.GetRequestID(ctx),
			"error", err.Error(),
		)
		httpx.WriteErr(w, err, "")
		return
	}

	saved, err := h.admin.UpdatePolicy(ctx, PolicyUpdate(req))
	if err != nil {
		h.handleError(ctx, w, err, "Failed to update rate limit settings")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":  "Rate limit settings updated successfully",
		"settings": toPolicyResponse(saved),
	})
}

// ListBlacklist handles GET /admin/blacklist.
func (h *Handler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.admin.ListBlacklist(ctx)
	if err != nil {
		h.handleError(ctx, w, err, "Failed to retrieve blacklist")
		return
	}

	out := make([]BlacklistEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, BlacklistEntryResponse{
			ID:               e.ID.String(),
			UserID:           e.SubjectID,
			BlacklistedAt:    e.BlacklistedAt,
			BlacklistedUntil: e.BlacklistedUntil,
			Reason:           e.Reason,
		})
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"blacklistEntries": out})
}

// RemoveBlacklist handles DELETE /admin/blacklist/{subjectId}.
func (h *Handler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := r.PathValue("subjectId")

	if err := h.admin.RemoveBlacklist(ctx, subjectID); err != nil {
		if errx.Is(err, errx.NotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "No active blacklist found for this user", nil)
			return
		}
		h.handleError(ctx, w, err, "Failed to remove user from blacklist")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "User removed from blacklist successfully",
		"userId":  subjectID,
	})
}

// handleError logs err at a level matching its kind and writes the response.
func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error, publicMessage string) {
	kind := errx.KindOf(err)

	logAttrs := []any{
		"request_id", httpx.GetRequestID(ctx),
		"error", err.Error(),
		"error_kind", kind,
		"operation", errx.OpOf(err),
	}

	switch kind {
	case errx.Invalid, errx.NotFound:
		h.logger.WarnContext(ctx, "rate limit request rejected", logAttrs...)
	case errx.Unavailable:
		h.logger.ErrorContext(ctx, "rate limit store unavailable", logAttrs...)
	default:
		h.logger.ErrorContext(ctx, "unexpected rate limit error", logAttrs...)
	}

	httpx.WriteErr(w, err, publicMessage)
}

func toPolicyResponse(p Policy) PolicyResponse {
	return PolicyResponse{
		MaxTokens:              p.MaxTokens,
		RefillRatePerMinute:    p.RefillRatePerMinute,
		StandardRequestCost:    p.StandardRequestCost,
		ShortenURLCost:         p.ShortenURLCost,
		BlacklistThreshold:     p.BlacklistThreshold,
		BlacklistDurationHours: p.BlacklistDurationHours,
		UpdatedAt:              p.UpdatedAt,
	}
}

func toBucketResponse(b Bucket) BucketResponse {
	return BucketResponse{
		UserID:              b.SubjectID,
		Tokens:              b.Tokens,
		LastRefill:          b.LastRefillAt,
		RateLimitedAttempts: b.AttemptCount,
		AttemptWindowStart:  b.AttemptWindowStart,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}
