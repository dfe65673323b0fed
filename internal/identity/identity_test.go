package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sundayezeilo/tokengate/internal/httpx"
)

/*** Mocks ***/

type mockFailures struct {
	exhausted map[string]bool
	penalized map[string]int
}

func newMockFailures() *mockFailures {
	return &mockFailures{exhausted: map[string]bool{}, penalized: map[string]int{}}
}

func (m *mockFailures) Exhausted(key string) bool { return m.exhausted[key] }
func (m *mockFailures) Penalize(key string)       { m.penalized[key]++ }

func newTestStore(f FailureLimiter) *Store {
	return NewStatic(StoreConfig{
		Header: "X-API-Key",
		Keys: map[string]Principal{
			"alice-secret": {SubjectID: "alice", Role: RoleUser},
			"root-secret":  {SubjectID: "root", Role: RoleAdmin},
		},
		Failures: f,
	})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) httpx.ErrorResponse {
	t.Helper()
	var resp httpx.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		wantStatus  int
		wantMessage string
		wantSubject string
		wantPenalty int
	}{
		{
			name:        "valid user key",
			key:         "alice-secret",
			wantStatus:  http.StatusOK,
			wantSubject: "alice",
		},
		{
			name:        "valid key with surrounding spaces",
			key:         "  root-secret ",
			wantStatus:  http.StatusOK,
			wantSubject: "root",
		},
		{
			name:        "missing key",
			key:         "",
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Authentication required",
			wantPenalty: 1,
		},
		{
			name:        "unknown key",
			key:         "guess",
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Invalid token",
			wantPenalty: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := newMockFailures()
			store := newTestStore(failures)

			var gotSubject string
			handler := store.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p, _ := FromContext(r.Context())
				gotSubject = p.SubjectID
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/api/rate-limit/status", nil)
			req.RemoteAddr = "198.51.100.4:1234"
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantMessage != "" {
				if got := decodeError(t, rr).Message; got != tt.wantMessage {
					t.Errorf("message = %q, want %q", got, tt.wantMessage)
				}
			}
			if gotSubject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", gotSubject, tt.wantSubject)
			}
			if failures.penalized["198.51.100.4"] != tt.wantPenalty {
				t.Errorf("penalties = %d, want %d", failures.penalized["198.51.100.4"], tt.wantPenalty)
			}
		})
	}
}

func TestAuthenticate_ThrottledIPIsRejectedEvenWithValidKey(t *testing.T) {
	failures := newMockFailures()
	failures.exhausted["198.51.100.4"] = true
	store := newTestStore(failures)

	called := false
	handler := store.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("GET", "/api/things", nil)
	req.RemoteAddr = "198.51.100.4:1234"
	req.Header.Set("X-API-Key", "alice-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if called {
		t.Error("next handler should not run for a throttled client")
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
}

func TestAuthenticate_NilFailureLimiter(t *testing.T) {
	store := newTestStore(nil)
	handler := store.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name        string
		principal   *Principal
		role        Role
		wantStatus  int
		wantMessage string
	}{
		{"matching role", &Principal{SubjectID: "alice", Role: RoleUser}, RoleUser, http.StatusOK, ""},
		{"admin on user route", &Principal{SubjectID: "root", Role: RoleAdmin}, RoleUser, http.StatusForbidden, "User access required"},
		{"user on admin route", &Principal{SubjectID: "alice", Role: RoleUser}, RoleAdmin, http.StatusForbidden, "Admin access required"},
		{"no principal", nil, RoleAdmin, http.StatusUnauthorized, "Authentication required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := "User access required"
			if tt.role == RoleAdmin {
				message = "Admin access required"
			}
			handler := RequireRole(tt.role, message)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tt.principal))
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantMessage != "" {
				if got := decodeError(t, rr).Message; got != tt.wantMessage {
					t.Errorf("message = %q, want %q", got, tt.wantMessage)
				}
			}
		})
	}
}

func TestFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := FromContext(req.Context()); ok {
		t.Error("FromContext() ok = true on empty context")
	}
}

func TestNewStatic_CopiesKeys(t *testing.T) {
	keys := map[string]Principal{"s": {SubjectID: "a", Role: RoleUser}}
	store := NewStatic(StoreConfig{Keys: keys})
	delete(keys, "s")

	if _, ok := store.Lookup("s"); !ok {
		t.Error("Lookup() lost a key after the caller mutated its map")
	}
	if store.header != "X-API-Key" {
		t.Errorf("header = %q, want default X-API-Key", store.header)
	}
}
