// internal/ens/ens.go
// Package ens validates claimant wallet addresses and resolves their primary
// names through public resolver APIs. Resolution is best effort: a claim is
// never blocked on a name lookup.
package ens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IsAddress reports whether s is a well-formed hex wallet address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Checksum normalizes a hex address to its EIP-55 checksummed form.
// Callers must validate with IsAddress first.
func Checksum(s string) string {
	return common.HexToAddress(s).Hex()
}

// Resolver performs reverse lookups from an address to its primary name.
type Resolver struct {
	httpClient  *http.Client
	primaryURL  string
	fallbackURL string
}

// NewResolver creates a resolver querying the primary endpoint first and the
// fallback on miss or failure. Either URL may be empty to disable that tier.
func NewResolver(primaryURL, fallbackURL string) *Resolver {
	return &Resolver{
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
	}
}

// Reverse resolves the primary name for an address. It returns the empty
// string when the address has no name or every resolver tier fails.
func (r *Resolver) Reverse(ctx context.Context, address string) string {
	if !IsAddress(address) {
		return ""
	}
	addr := Checksum(address)

	if r.primaryURL != "" {
		if name, err := r.queryPrimary(ctx, addr); err == nil {
			return name
		} else {
			slog.Debug("primary name resolver failed", "address", addr, "error", err)
		}
	}

	if r.fallbackURL != "" {
		if name, err := r.queryFallback(ctx, addr); err == nil {
			return name
		} else {
			slog.Debug("fallback name resolver failed", "address", addr, "error", err)
		}
	}

	return ""
}

// queryPrimary hits an ensideas-style resolve endpoint: GET {base}/{address}
// returning {"name": "...", "address": "..."}.
func (r *Resolver) queryPrimary(ctx context.Context, addr string) (string, error) {
	endpoint := strings.TrimRight(r.primaryURL, "/") + "/" + url.PathEscape(addr)

	var payload struct {
		Name string `json:"name"`
	}
	if err := r.getJSON(ctx, endpoint, &payload); err != nil {
		return "", err
	}
	return payload.Name, nil
}

// queryFallback hits a web3.bio-style profile endpoint: GET {base}/ens/{address}
// returning {"identity": "..."}.
func (r *Resolver) queryFallback(ctx context.Context, addr string) (string, error) {
	endpoint := strings.TrimRight(r.fallbackURL, "/") + "/ens/" + url.PathEscape(addr)

	var payload struct {
		Identity string `json:"identity"`
	}
	if err := r.getJSON(ctx, endpoint, &payload); err != nil {
		return "", err
	}
	// The profile endpoint echoes the address back when no name exists
	if strings.EqualFold(payload.Identity, addr) {
		return "", nil
	}
	return payload.Identity, nil
}

func (r *Resolver) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resolver returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
