// internal/authority/client.go
// Claim status lookups against the authority's QR endpoint. Responses are
// schema-validated before extraction so a drifting upstream payload surfaces
// as an explicit error instead of silently attributing claims to nobody.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/moclas17/poap.cards/internal/metrics"
	"github.com/xeipuuv/gojsonschema"
)

// claimResponseSchema constrains the claim-qr payload to the fields we rely
// on. Extra fields are allowed; type drift on the ones we read is not.
const claimResponseSchema = `{
	"type": "object",
	"required": ["claimed"],
	"properties": {
		"claimed": {"type": "boolean"},
		"owner": {"type": ["string", "null"]},
		"beneficiary": {"type": ["string", "null"]},
		"to": {"type": ["string", "null"]},
		"user_input": {"type": ["string", "null"]},
		"ens": {"type": ["string", "null"]},
		"ens_name": {"type": ["string", "null"]},
		"claimed_date": {"type": ["string", "null"]}
	}
}`

// ClaimStatus is the authority's view of one claim code.
type ClaimStatus struct {
	Found       bool      // Code known to the authority
	Claimed     bool      // Redemption completed
	Beneficiary string    // Claimant wallet address, if any
	ENSName     string    // Claimant ENS name, if any
	Email       string    // Claimant email, if any
	ClaimedAt   time.Time // Zero when the authority omits the timestamp
}

// Client queries the claim authority API.
type Client struct {
	httpClient *http.Client
	tokens     *TokenSource
	metrics    *metrics.Metrics
	baseURL    string
	apiKey     string
	schema     *gojsonschema.Schema
}

// NewClient creates an authority client. The token source supplies bearer
// credentials; the API key is sent alongside on every request.
func NewClient(tokens *TokenSource, baseURL, apiKey string, m *metrics.Metrics) (*Client, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(claimResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid claim response schema: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		metrics:    m,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		schema:     schema,
	}, nil
}

// claimResponse mirrors the subset of the claim-qr payload we consume.
type claimResponse struct {
	Claimed     bool   `json:"claimed"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	To          string `json:"to"`
	UserInput   string `json:"user_input"`
	ENS         string `json:"ens"`
	ENSName     string `json:"ens_name"`
	ClaimedDate string `json:"claimed_date"`
}

// ClaimInfo fetches the claim status for one QR hash. A 404 means the
// authority does not know the code; this maps to Found=false rather than an
// error so callers can treat it as simply unclaimed.
func (c *Client) ClaimInfo(ctx context.Context, qrHash string) (*ClaimStatus, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain authority token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/actions/claim-qr?qr_hash=%s", c.baseURL, url.QueryEscape(qrHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build claim request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe("claim_info", "error", start)
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.observe("claim_info", "not_found", start)
		return &ClaimStatus{Found: false}, nil
	case resp.StatusCode != http.StatusOK:
		c.observe("claim_info", "error", start)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("claim endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.observe("claim_info", "error", start)
		return nil, fmt.Errorf("failed to read claim response: %w", err)
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.observe("claim_info", "error", start)
		return nil, fmt.Errorf("claim response validation error: %w", err)
	}
	if !result.Valid() {
		c.observe("claim_info", "invalid", start)
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, fmt.Errorf("claim response rejected: %s", strings.Join(errs, "; "))
	}

	var cr claimResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		c.observe("claim_info", "error", start)
		return nil, fmt.Errorf("failed to decode claim response: %w", err)
	}
	c.observe("claim_info", "ok", start)

	status := &ClaimStatus{
		Found:       true,
		Claimed:     cr.Claimed,
		Beneficiary: firstNonEmpty(cr.Beneficiary, cr.Owner, cr.To),
		ENSName:     firstNonEmpty(cr.ENS, cr.ENSName),
	}
	// user_input carries an email when the claimant redeemed without a wallet
	if strings.Contains(cr.UserInput, "@") {
		status.Email = cr.UserInput
	} else if status.Beneficiary == "" {
		status.Beneficiary = cr.UserInput
	}
	if cr.ClaimedDate != "" {
		if t, err := time.Parse(time.RFC3339, cr.ClaimedDate); err == nil {
			status.ClaimedAt = t
		}
	}
	return status, nil
}

func (c *Client) observe(operation, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.AuthorityRequestTotal.WithLabelValues(operation, status).Inc()
	c.metrics.AuthorityRequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
