// internal/authority/token_test.go
package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/storage"
)

// tokenServer counts refresh calls and serves a fixed token response.
func tokenServer(t *testing.T, calls *int64, response map[string]interface{}, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST to token endpoint, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode token request: %v", err)
		}
		if body["grant_type"] != "client_credentials" {
			t.Errorf("unexpected grant_type %q", body["grant_type"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenUsesStoredWhenFresh(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()

	if err := s.PutAuthorityToken(ctx, model.AuthorityToken{
		AccessToken: "stored-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutAuthorityToken failed: %v", err)
	}

	var calls int64
	srv := tokenServer(t, &calls, map[string]interface{}{"access_token": "new-token", "expires_in": 3600}, http.StatusOK)

	ts := NewTokenSource(s, srv.URL, "aud", "id", "secret")
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "stored-token" {
		t.Errorf("expected stored token, got %q", tok)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("expected no refresh calls, got %d", calls)
	}
}

func TestTokenRefreshesWhenMissing(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()

	var calls int64
	srv := tokenServer(t, &calls, map[string]interface{}{"access_token": "new-token", "expires_in": 3600}, http.StatusOK)

	ts := NewTokenSource(s, srv.URL, "aud", "id", "secret")
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "new-token" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected one refresh call, got %d", calls)
	}

	// The refreshed token was persisted with a conservative expiry
	stored, err := s.GetAuthorityToken(ctx)
	if err != nil {
		t.Fatalf("GetAuthorityToken failed: %v", err)
	}
	if stored.AccessToken != "new-token" {
		t.Errorf("expected persisted token, got %q", stored.AccessToken)
	}
	until := time.Until(stored.ExpiresAt)
	if until < 50*time.Minute || until > time.Hour {
		t.Errorf("unexpected stored expiry %s from now", until)
	}
}

func TestTokenRefreshesWhenNearExpiry(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()

	if err := s.PutAuthorityToken(ctx, model.AuthorityToken{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(time.Minute), // inside the 5 minute buffer
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutAuthorityToken failed: %v", err)
	}

	var calls int64
	srv := tokenServer(t, &calls, map[string]interface{}{"access_token": "new-token", "expires_in": 3600}, http.StatusOK)

	ts := NewTokenSource(s, srv.URL, "aud", "id", "secret")
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "new-token" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
}

func TestTokenFallsBackToStoredOnRefreshFailure(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()

	if err := s.PutAuthorityToken(ctx, model.AuthorityToken{
		AccessToken: "stale-token",
		ExpiresAt:   time.Now().Add(time.Minute),
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutAuthorityToken failed: %v", err)
	}

	var calls int64
	srv := tokenServer(t, &calls, map[string]interface{}{"error": "server_error"}, http.StatusInternalServerError)

	ts := NewTokenSource(s, srv.URL, "aud", "id", "secret")
	tok, err := ts.Token(ctx)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "stale-token" {
		t.Errorf("expected stale token fallback, got %q", tok)
	}
}

func TestTokenFailsWithNoStoredAndFailedRefresh(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()

	var calls int64
	srv := tokenServer(t, &calls, map[string]interface{}{"error": "server_error"}, http.StatusInternalServerError)

	ts := NewTokenSource(s, srv.URL, "aud", "id", "secret")
	if _, err := ts.Token(ctx); err == nil {
		t.Fatal("expected error with no stored token and failing endpoint")
	}
}

func TestTokenExpiryFromJWTClaim(t *testing.T) {
	// The endpoint omits expires_in; the exp claim of the JWT decides
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	claims := jwt.MapClaims{"exp": float64(exp.Unix())}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign test JWT: %v", err)
	}

	got := tokenExpiry(tokenResponse{AccessToken: signed}, time.Now())
	want := exp.Add(-expirySlack)
	if !got.Equal(want) {
		t.Errorf("tokenExpiry = %s, want %s", got, want)
	}
}

func TestTokenExpiryFallback(t *testing.T) {
	now := time.Now()
	got := tokenExpiry(tokenResponse{AccessToken: "not-a-jwt"}, now)
	if !got.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("expected 10 minute fallback expiry, got %s", got.Sub(now))
	}
}
