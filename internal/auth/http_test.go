// ABOUTME: Tests for the HTTP auth middleware and context helpers
// ABOUTME: Covers header and query tokens, scope enforcement and error responses

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, errMsg := extractBearerToken(tt.header)
		if got != tt.want || (errMsg != "") != tt.wantErr {
			t.Errorf("extractBearerToken(%q) = %q, %q", tt.header, got, errMsg)
		}
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	observeToken, _ := verifier.Generate("dash", ScopeObserve, time.Hour)
	operateToken, _ := verifier.Generate("ops", ScopeOperate, time.Hour)

	var gotClaims Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		need       Scope
		header     string
		query      string
		wantStatus int
		wantSub    string
	}{
		{"missing token", ScopeObserve, "", "", http.StatusUnauthorized, ""},
		{"bad header", ScopeObserve, "Token x", "", http.StatusUnauthorized, ""},
		{"invalid token", ScopeObserve, "Bearer junk", "", http.StatusUnauthorized, ""},
		{"observe via header", ScopeObserve, "Bearer " + observeToken, "", http.StatusOK, "dash"},
		{"observe via query", ScopeObserve, "", observeToken, http.StatusOK, "dash"},
		{"observe cannot operate", ScopeOperate, "Bearer " + observeToken, "", http.StatusForbidden, ""},
		{"operate can observe", ScopeObserve, "Bearer " + operateToken, "", http.StatusOK, "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotClaims = Claims{}
			target := "/api/agents"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier, tt.need)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if gotClaims.Subject != tt.wantSub {
				t.Errorf("subject = %q, want %q", gotClaims.Subject, tt.wantSub)
			}
			if tt.wantStatus != http.StatusOK && rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("error response content type = %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestPermits(t *testing.T) {
	ctx := context.Background()
	if !Permits(ctx, ScopeOperate) {
		t.Error("unauthenticated context should be permitted")
	}

	observer := WithClaims(ctx, Claims{Subject: "dash", Scope: ScopeObserve})
	if Permits(observer, ScopeOperate) {
		t.Error("observe scope should not permit operate")
	}
	if !Permits(observer, ScopeObserve) {
		t.Error("observe scope should permit observe")
	}
}
