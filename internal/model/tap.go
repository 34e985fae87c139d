// internal/model/tap.go
// Package model defines the data structures used throughout the tap
// redemption service. These structures represent the core domain objects for
// drops, claim codes, cards, and the tap ledger.
package model

import (
	"time"
)

// CodeState describes the lifecycle of a claim code within a drop.
// Transitions are monotonic (available -> allocated -> claimed) with one
// permitted backward step: allocated -> available, applied by the
// reconciliation worker when a hand-off is abandoned. Claimed is terminal.
type CodeState string

const (
	CodeAvailable CodeState = "available" // In the pool, never handed out
	CodeAllocated CodeState = "allocated" // Handed to a tap, not yet confirmed used
	CodeClaimed   CodeState = "claimed"   // Confirmed used by the claim authority
)

// ReadState describes the lifecycle of a tap ledger entry.
// served -> minted only; a minted entry never regresses.
type ReadState string

const (
	ReadServed ReadState = "served" // Code hand-off recorded, not yet confirmed
	ReadMinted ReadState = "minted" // Redemption confirmed externally
)

// Drop is an ordered inventory of single-use claim codes belonging to one
// owner. Codes are allocated in creation order.
type Drop struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	OwnerID   string    `json:"ownerId" db:"owner_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Code is one entry in a drop's inventory. The QRHash is the external
// identifier used both for deduplication against re-imported inventories and
// for claim lookups against the authority. Claimant fields are populated only
// once a claim is confirmed.
type Code struct {
	ID            string     `json:"id" db:"id"`
	DropID        string     `json:"dropId" db:"drop_id"`
	QRHash        string     `json:"qrHash" db:"qr_hash"`
	ClaimURL      string     `json:"claimUrl" db:"claim_url"`
	State         CodeState  `json:"state" db:"state"`
	FailedChecks  int        `json:"failedChecks" db:"failed_checks"`
	UsedByAddress string     `json:"usedByAddress,omitempty" db:"used_by_address"`
	UsedByENS     string     `json:"usedByEns,omitempty" db:"used_by_ens"`
	UsedByEmail   string     `json:"usedByEmail,omitempty" db:"used_by_email"`
	UsedAt        *time.Time `json:"usedAt,omitempty" db:"used_at"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// Card represents a physical NFC tag claimed by an owner. The NTAG UID is
// exclusively owned by at most one claimed card.
type Card struct {
	ID        string    `json:"id" db:"id"`
	NtagUID   string    `json:"ntagUid" db:"ntag_uid"`
	OwnerID   string    `json:"ownerId" db:"owner_id"`
	IsSecure  bool      `json:"isSecure" db:"is_secure"` // Tag supports SDM vs static mode
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// CardAssignment binds a card to a drop. A card has at most one active
// assignment at any time; the storage layer enforces the 1:1 relationship.
type CardAssignment struct {
	ID        string    `json:"id" db:"id"`
	CardID    string    `json:"cardId" db:"card_id"`
	DropID    string    `json:"dropId" db:"drop_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TapRead is one tap ledger entry, created on first successful authentication
// of a given MAC value. The MAC is the idempotency key: a second tap
// presenting the same MAC returns this entry's result instead of allocating
// again. Entries are never deleted.
type TapRead struct {
	ID          string    `json:"id" db:"id"`
	CardID      string    `json:"cardId" db:"card_id"`
	SDMCtr      uint32    `json:"sdmCtr" db:"sdm_ctr"`    // Tag counter at time of tap
	SDMCMAC     string    `json:"sdmCmac" db:"sdm_cmac"`  // Unique key, lowercase hex
	CodeID      string    `json:"codeId" db:"code_id"`    // Empty until allocation succeeds
	State       ReadState `json:"state" db:"state"`
	FirstSeenAt time.Time `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"lastSeenAt" db:"last_seen_at"`
}

// AuthorityToken is the persisted access token for the external claim
// authority. A single row with an expiry check replaces in-process singleton
// caching so that independent processes share one credential.
type AuthorityToken struct {
	AccessToken string    `json:"accessToken" db:"access_token"`
	ExpiresAt   time.Time `json:"expiresAt" db:"expires_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// DropStats reports inventory counters for one drop.
// Available + Allocated + Claimed always equals Total.
type DropStats struct {
	DropID    string `json:"dropId"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Allocated int    `json:"allocated"`
	Claimed   int    `json:"claimed"`
}

// ClaimantIdentity holds the resolved identity of whoever redeemed a code.
type ClaimantIdentity struct {
	Address string `json:"address"`
	ENSName string `json:"ensName,omitempty"`
	Email   string `json:"email,omitempty"`
}
