// internal/authority/token.go
// Package authority integrates with the external claim authority API. It
// manages the OAuth2 client-credentials token and exposes claim status
// lookups used by the confirmation endpoint and the reconciliation worker.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/storage"
)

// refreshBuffer is how close to expiry a stored token is still considered
// usable. Tokens inside the buffer are refreshed before use.
const refreshBuffer = 5 * time.Minute

// expirySlack is subtracted from the reported lifetime so the stored expiry
// is conservative against clock skew between us and the issuer.
const expirySlack = time.Minute

// TokenSource obtains access tokens for the claim authority. Tokens are
// persisted through the store so independent processes share one credential
// instead of each holding a private in-memory copy.
type TokenSource struct {
	store        storage.Store
	httpClient   *http.Client
	authURL      string
	audience     string
	clientID     string
	clientSecret string
}

// NewTokenSource creates a token source backed by the given store.
func NewTokenSource(store storage.Store, authURL, audience, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		store:        store,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		authURL:      authURL,
		audience:     audience,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Token returns a usable access token, refreshing lazily when the stored one
// is missing or inside the expiry buffer. A concurrent refresh in another
// process is harmless: the store keeps whichever token expires later.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	stored, err := ts.store.GetAuthorityToken(ctx)
	if err == nil && time.Until(stored.ExpiresAt) > refreshBuffer {
		return stored.AccessToken, nil
	}
	if err != nil && err != storage.ErrNotFound {
		return "", fmt.Errorf("failed to load authority token: %w", err)
	}

	tok, err := ts.refresh(ctx)
	if err != nil {
		// A stale-but-unexpired token beats a hard failure
		if stored != nil && time.Now().Before(stored.ExpiresAt) {
			slog.Warn("token refresh failed, using stored token", "error", err)
			return stored.AccessToken, nil
		}
		return "", err
	}

	if err := ts.store.PutAuthorityToken(ctx, *tok); err != nil {
		slog.Warn("failed to persist authority token", "error", err)
	}
	return tok.AccessToken, nil
}

// tokenResponse is the OAuth2 token endpoint payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// refresh requests a fresh token via the client-credentials grant.
func (ts *TokenSource) refresh(ctx context.Context) (*model.AuthorityToken, error) {
	body, err := json.Marshal(map[string]string{
		"audience":      ts.audience,
		"grant_type":    "client_credentials",
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access token")
	}

	now := time.Now().UTC()
	expiresAt := tokenExpiry(tr, now)

	return &model.AuthorityToken{
		AccessToken: tr.AccessToken,
		ExpiresAt:   expiresAt,
		UpdatedAt:   now,
	}, nil
}

// tokenExpiry derives the token expiry from expires_in, falling back to the
// JWT exp claim when the endpoint omits the lifetime. The claim is read
// without signature verification; we only consume the token, the authority
// verifies it.
func tokenExpiry(tr tokenResponse, now time.Time) time.Time {
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn)*time.Second - expirySlack)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-expirySlack)
		}
	}

	// No lifetime information at all; keep the token briefly
	return now.Add(10 * time.Minute)
}
