// internal/model/api.go
// Request and response types for the HTTP surface.
package model

import "time"

// TapStatus is the top-level outcome of a tap request.
type TapStatus string

const (
	StatusServed TapStatus = "served"
	StatusMinted TapStatus = "minted"
	StatusError  TapStatus = "error"
)

// TapReason identifies why a tap did not serve a code. Terminal reasons are
// decided locally; database_error is the only retryable one.
type TapReason string

const (
	ReasonMissingSDMParams TapReason = "missing_sdm_params"
	ReasonSDMInvalid       TapReason = "sdm_invalid"
	ReasonUnclaimedCard    TapReason = "unclaimed_card"
	ReasonUnassignedDrop   TapReason = "unassigned_drop"
	ReasonNoCodes          TapReason = "no_codes"
	ReasonDatabaseError    TapReason = "database_error"
	ReasonInternalError    TapReason = "internal_error"
)

// TapResponse is the JSON body returned by the tap endpoint.
type TapResponse struct {
	Status   TapStatus `json:"status"`
	ClaimURL string    `json:"claimUrl,omitempty"`
	CodeID   string    `json:"codeId,omitempty"`
	Reason   TapReason `json:"reason,omitempty"`
}

// ConfirmRequest is the server-to-server claim confirmation payload.
type ConfirmRequest struct {
	CodeID  string `json:"codeId"`
	Claimer string `json:"claimer"`
}

// ConfirmResponse returns the resolved claimant identity after confirmation.
type ConfirmResponse struct {
	Success bool   `json:"success"`
	Claimer string `json:"claimer"`
	ENSName string `json:"ensName,omitempty"`
}

// ReconcileStats aggregates the outcome of one reconciliation run.
// Per-item failures are isolated and accumulated here rather than aborting
// the batch.
type ReconcileStats struct {
	Processed  int       `json:"processed"`
	Claimed    int       `json:"claimed"`
	Pending    int       `json:"pending"`
	RolledBack int       `json:"rolledBack"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
