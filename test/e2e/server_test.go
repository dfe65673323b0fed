package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sundayezeilo/tokengate/internal/config"
	"github.com/sundayezeilo/tokengate/internal/db"
	sqlc "github.com/sundayezeilo/tokengate/internal/db/sqlc"
	"github.com/sundayezeilo/tokengate/internal/gateway"
	"github.com/sundayezeilo/tokengate/internal/identity"
	"github.com/sundayezeilo/tokengate/internal/obs"
	"github.com/sundayezeilo/tokengate/internal/ratelimit"
	"github.com/sundayezeilo/tokengate/internal/server"
)

const (
	userKey  = "alice-secret"
	adminKey = "root-secret"
)

// manualClock only moves when told to, so no token refills unless a test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testApp holds the application components for e2e testing
type testApp struct {
	handler  http.Handler
	dbPool   *pgxpool.Pool
	clock    *manualClock
	upstream *httptest.Server
	cleanup  func()
}

// setupTestApp creates a test application with a real database
func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	// Get connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := db.Migrate(ctx, dbPool); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	// Upstream echoes the forwarded identity
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":    r.URL.Path,
			"subject": r.Header.Get(gateway.SubjectHeader),
			"apiKey":  r.Header.Get("X-API-Key"),
		})
	}))
	upstreamURL, _ := url.Parse(upstream.URL)

	logger := setupTestLogger()
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	repo := ratelimit.NewRepository(sqlc.New(dbPool), nil)
	policies := ratelimit.NewPolicyCache(ratelimit.PolicyCacheConfig{Repo: repo, Clock: clock})
	controller := ratelimit.NewController(ratelimit.ControllerConfig{
		Repo:         repo,
		Policies:     policies,
		Clock:        clock,
		Logger:       logger,
		SubjectLocks: ratelimit.NewSubjectLocks(0),
	})
	admin := ratelimit.NewAdmin(ratelimit.AdminConfig{
		Repo:     repo,
		Policies: policies,
		Clock:    clock,
		Logger:   logger,
	})

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            "8080",
			Host:            "localhost",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		App: config.AppConfig{
			Environment: "test",
			LogLevel:    "error",
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "tokengate-test",
			ServiceVersion: "test",
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
	}

	reg := obs.NewRegistry()
	srv := server.New(cfg, logger, server.Deps{
		RateLimit: ratelimit.NewHandler(ratelimit.HandlerConfig{
			Admitter: controller,
			Admin:    admin,
			Classify: gateway.Classifier("/api/shorten"),
			Logger:   logger,
		}),
		Identity: identity.NewStatic(identity.StoreConfig{
			Keys: map[string]identity.Principal{
				userKey:  {SubjectID: "alice", Role: identity.RoleUser},
				adminKey: {SubjectID: "root", Role: identity.RoleAdmin},
			},
			Logger: logger,
		}),
		Upstream: gateway.NewProxy(gateway.ProxyConfig{
			Upstream:     upstreamURL,
			Timeout:      5 * time.Second,
			StripHeaders: []string{"X-API-Key"},
			Logger:       logger,
		}),
		Metrics:        obs.NewMetrics(reg),
		MetricsHandler: obs.Handler(reg),
	})

	cleanup := func() {
		upstream.Close()
		dbPool.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}

	return &testApp{
		handler:  srv.Handler(),
		dbPool:   dbPool,
		clock:    clock,
		upstream: upstream,
		cleanup:  cleanup,
	}
}

func (a *testApp) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v (status %d)", err, rr.Code)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	rr := app.do(t, http.MethodGet, "/x/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["status"] != "ok" || resp["service"] != "tokengate-test" {
		t.Errorf("unexpected health response: %v", resp)
	}
}

func TestProxy_ForwardsIdentity_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/links", nil)
	req.Header.Set("X-API-Key", userKey)
	req.Header.Set(gateway.SubjectHeader, "mallory")
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode(t, rr)
	if resp["subject"] != "alice" {
		t.Errorf("expected forwarded subject alice, got %v", resp["subject"])
	}
	if resp["apiKey"] != "" {
		t.Errorf("api key leaked upstream: %v", resp["apiKey"])
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "18" {
		t.Errorf("expected X-RateLimit-Remaining 18, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "20" {
		t.Errorf("expected X-RateLimit-Limit 20, got %q", got)
	}
}

func TestShortenCostsMore_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	rr := app.do(t, http.MethodPost, "/api/shorten", userKey, map[string]string{"url": "https://example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "16" {
		t.Errorf("expected X-RateLimit-Remaining 16, got %q", got)
	}
}

func TestAdmissionToBlacklist_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	// 20 tokens at cost 2
	for i := range 10 {
		if rr := app.do(t, http.MethodGet, "/api/links", userKey, nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	// Denials 1..19 stay below the threshold
	for i := range 19 {
		rr := app.do(t, http.MethodGet, "/api/links", userKey, nil)
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("denial %d: expected 429, got %d", i+1, rr.Code)
		}
		if i == 0 {
			resp := decode(t, rr)
			if resp["error"] != "Rate limit exceeded" || resp["rateLimitedAttempts"] != float64(1) {
				t.Errorf("unexpected denial body: %v", resp)
			}
			if rr.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After on denial")
			}
		}
	}

	// The 20th denial escalates
	rr := app.do(t, http.MethodGet, "/api/links", userKey, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on escalation, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["error"] != "Account blacklisted" {
		t.Errorf("expected 'Account blacklisted', got %v", resp["error"])
	}

	rr = app.do(t, http.MethodGet, "/api/links", userKey, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 while blacklisted, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["error"] != "User is blacklisted" || resp["hoursRemaining"] != float64(24) {
		t.Errorf("unexpected blacklisted body: %v", resp)
	}

	// Admin view lists the entry
	rr = app.do(t, http.MethodGet, "/admin/blacklist", adminKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from blacklist listing, got %d", rr.Code)
	}
	entries, _ := decode(t, rr)["blacklistEntries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 blacklist entry, got %d", len(entries))
	}

	// Removal lets the subject back in; the empty bucket still denies
	rr = app.do(t, http.MethodDelete, "/admin/blacklist/alice", adminKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from removal, got %d", rr.Code)
	}
	rr = app.do(t, http.MethodDelete, "/admin/blacklist/alice", adminKey, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second removal, got %d", rr.Code)
	}

	rr = app.do(t, http.MethodGet, "/api/links", userKey, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after removal, got %d", rr.Code)
	}

	// One minute refills 10 tokens
	app.clock.Advance(time.Minute)
	if rr := app.do(t, http.MethodGet, "/api/links", userKey, nil); rr.Code != http.StatusOK {
		t.Errorf("expected 200 after refill, got %d", rr.Code)
	}
}

func TestStatus_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	rr := app.do(t, http.MethodGet, "/api/rate-limit/status", userKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	resp := decode(t, rr)
	if resp["userId"] != "alice" {
		t.Errorf("expected userId alice, got %v", resp["userId"])
	}
	// The status request itself was charged
	if resp["tokensRemaining"] != float64(18) || resp["maxTokens"] != float64(20) {
		t.Errorf("unexpected token view: %v", resp)
	}
	costs, _ := resp["requestCosts"].(map[string]any)
	if costs["standard"] != float64(2) || costs["shortenUrl"] != float64(4) {
		t.Errorf("unexpected request costs: %v", costs)
	}
}

func TestAdminPolicyUpdate_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	tests := []struct {
		name           string
		body           any
		key            string
		expectedStatus int
	}{
		{"user cannot update", map[string]int{"maxTokens": 40}, userKey, http.StatusForbidden},
		{"empty update", map[string]int{}, adminKey, http.StatusBadRequest},
		{"non-positive value", map[string]int{"standardRequestCost": 0}, adminKey, http.StatusBadRequest},
		{"unknown field", map[string]int{"burst": 3}, adminKey, http.StatusBadRequest},
		{"valid update", map[string]any{"maxTokens": 40, "refillRatePerMinute": 2.5}, adminKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := app.do(t, http.MethodPut, "/admin/rate-limits", tt.key, tt.body)
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
		})
	}

	rr := app.do(t, http.MethodGet, "/admin/rate-limits", adminKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	settings, _ := decode(t, rr)["settings"].(map[string]any)
	if settings["maxTokens"] != float64(40) || settings["refillRatePerMinute"] != 2.5 {
		t.Errorf("policy not persisted: %v", settings)
	}

	// New subjects start at the updated maximum
	rr = app.do(t, http.MethodGet, "/api/links", userKey, nil)
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "38" {
		t.Errorf("expected X-RateLimit-Remaining 38, got %q", got)
	}
}

func TestConcurrentAdmission_E2E(t *testing.T) {
	app := setupTestApp(t)
	defer app.cleanup()

	const workers = 25
	codes := make(chan int, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/links", nil)
			req.Header.Set("X-API-Key", userKey)
			rr := httptest.NewRecorder()
			app.handler.ServeHTTP(rr, req)
			codes <- rr.Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	if counts[http.StatusOK] != 10 || counts[http.StatusTooManyRequests] != 15 {
		t.Errorf("expected 10 allowed and 15 denied, got %v", counts)
	}

	var tokens int32
	err := app.dbPool.QueryRow(context.Background(),
		"SELECT tokens FROM rate_limit_buckets WHERE subject_id = $1", "alice").Scan(&tokens)
	if err != nil {
		t.Fatalf("failed to read bucket: %v", err)
	}
	if tokens != 0 {
		t.Errorf("expected 0 tokens left, got %d", tokens)
	}
}

func setupTestLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	})
	return slog.New(handler)
}
