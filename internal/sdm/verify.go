// internal/sdm/verify.go
// Package sdm validates the dynamic authentication parameters produced by
// NTAG424 DNA tags in Secure Dynamic Messaging mode. Verification is a pure
// function of the tap parameters and the master secret: no I/O, no state.
//
// Each tag carries a per-tag key derived from the master key and the tag UID
// (one-way, so one tag's traffic reveals nothing about another tag's key or
// the master key). The tag emits its UID, a monotonic tap counter, and a MAC
// over both; the verifier recomputes the MAC and compares in constant time.
package sdm

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// UID length for NTAG424 DNA: 7 bytes, 14 hex characters.
const uidHexLen = 14

// MAC length on the wire: first 8 bytes of the keyed hash, 16 hex characters.
const macHexLen = 16

// Params are the dynamic tap parameters as received on the wire.
type Params struct {
	UID  string // Tag UID, hex
	Ctr  string // Tap counter, hex digits
	CMAC string // MAC over UID and counter, hex
}

// Result is the outcome of a verification. Malformed input is a verification
// failure with a reason, never an error.
type Result struct {
	Valid  bool
	Reason string
}

// Verifier decides the authenticity of tap parameters.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(p Params) Result
}

// ParseParams extracts tap parameters from a query string.
// The second return value is false when any parameter is absent.
func ParseParams(q url.Values) (Params, bool) {
	p := Params{
		UID:  q.Get("uid"),
		Ctr:  q.Get("ctr"),
		CMAC: q.Get("cmac"),
	}
	if p.UID == "" || p.Ctr == "" || p.CMAC == "" {
		return Params{}, false
	}
	return p, true
}

// NormalizeUID cleans a UID for card lookup. Some encoder tools append an
// "x"-prefixed suffix to the UID placeholder; everything from the first x/X
// is dropped, and the remainder is uppercased.
func NormalizeUID(uid string) string {
	uid = strings.TrimSpace(uid)
	if i := strings.IndexAny(uid, "xX"); i >= 0 {
		uid = uid[:i]
	}
	return strings.ToUpper(uid)
}

// ParseCtr parses the tap counter as a non-negative hex integer.
func ParseCtr(ctr string) (uint32, error) {
	n, err := strconv.ParseUint(ctr, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid counter %q: %w", ctr, err)
	}
	return uint32(n), nil
}

// StrictVerifier performs full cryptographic SDM verification against a
// 16-byte master key.
type StrictVerifier struct {
	master []byte
}

// NewStrictVerifier returns a verifier bound to the given master key.
func NewStrictVerifier(master []byte) (*StrictVerifier, error) {
	if len(master) != 16 {
		return nil, fmt.Errorf("master key must be 16 bytes, got %d", len(master))
	}
	key := make([]byte, len(master))
	copy(key, master)
	return &StrictVerifier{master: key}, nil
}

// Verify authenticates the tap. The UID must be 14 hex characters, the
// counter up to 6 hex digits, and the MAC 16 hex characters; anything else
// is rejected as malformed before any key material is touched.
func (v *StrictVerifier) Verify(p Params) Result {
	uid := strings.ToUpper(strings.TrimSpace(p.UID))
	if len(uid) != uidHexLen {
		return Result{Reason: "uid must be 14 hex characters"}
	}
	if _, err := hex.DecodeString(uid); err != nil {
		return Result{Reason: "uid is not valid hex"}
	}

	ctr, err := ParseCtr(p.Ctr)
	if err != nil {
		return Result{Reason: "counter is not a hex integer"}
	}

	mac := strings.ToLower(strings.TrimSpace(p.CMAC))
	if len(mac) != macHexLen {
		return Result{Reason: "cmac must be 16 hex characters"}
	}
	if _, err := hex.DecodeString(mac); err != nil {
		return Result{Reason: "cmac is not valid hex"}
	}

	expected, err := ComputeMAC(v.master, uid, ctr)
	if err != nil {
		return Result{Reason: "mac computation failed"}
	}

	// Both sides are normalized lowercase hex of fixed length, so the
	// comparison time does not depend on where they differ.
	if subtle.ConstantTimeCompare([]byte(expected), []byte(mac)) != 1 {
		return Result{Reason: "cmac mismatch"}
	}
	return Result{Valid: true}
}

// ComputeMAC derives the per-tag session key and computes the expected MAC
// for a given UID and counter. Exported so that tag provisioning and tests
// can mint valid parameters.
func ComputeMAC(master []byte, uid string, ctr uint32) (string, error) {
	tagKey, err := diversifyKey(master, uid)
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, tagKey)
	fmt.Fprintf(h, "%s%06x", strings.ToUpper(uid), ctr)
	return hex.EncodeToString(h.Sum(nil)[:macHexLen/2]), nil
}

// diversifyKey derives the per-tag key: one AES block encryption of the UID
// followed by the constant 0x01, zero-padded to the block size. AES is a
// pseudorandom permutation under the master key, so the derivation is
// one-way with respect to both the master key and sibling tag keys.
func diversifyKey(master []byte, uid string) ([]byte, error) {
	uidBytes, err := hex.DecodeString(uid)
	if err != nil {
		return nil, fmt.Errorf("uid is not valid hex: %w", err)
	}
	if len(uidBytes)+1 > aes.BlockSize {
		return nil, fmt.Errorf("uid too long for diversification block")
	}

	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, err
	}

	in := make([]byte, aes.BlockSize)
	copy(in, uidBytes)
	in[len(uidBytes)] = 0x01

	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, in)
	return out, nil
}

// MockVerifier accepts any syntactically well-formed triple without
// cryptographic proof. It exists for development and testing; configuration
// refuses to select it in production deployments.
type MockVerifier struct{}

// Verify checks shape only: a hex UID of at least 8 characters, a hex
// counter, and a hex MAC of at least 8 characters.
func (MockVerifier) Verify(p Params) Result {
	uid := strings.ToUpper(strings.TrimSpace(p.UID))
	if len(uid) < 8 {
		return Result{Reason: "uid too short"}
	}
	if _, err := hex.DecodeString(uid); err != nil {
		return Result{Reason: "uid is not valid hex"}
	}
	if _, err := ParseCtr(p.Ctr); err != nil {
		return Result{Reason: "counter is not a hex integer"}
	}
	mac := strings.ToLower(strings.TrimSpace(p.CMAC))
	if len(mac) < 8 {
		return Result{Reason: "cmac too short"}
	}
	if _, err := hex.DecodeString(mac); err != nil {
		return Result{Reason: "cmac is not valid hex"}
	}
	return Result{Valid: true}
}
