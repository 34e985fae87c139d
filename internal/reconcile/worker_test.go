// internal/reconcile/worker_test.go
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/moclas17/poap.cards/internal/authority"
	"github.com/moclas17/poap.cards/internal/ens"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/storage"
)

// nopPublisher satisfies event.Publisher for tests.
type nopPublisher struct{}

func (nopPublisher) PublishCodeServed(ctx context.Context, read model.TapRead, code model.Code) error {
	return nil
}
func (nopPublisher) PublishCodeClaimed(ctx context.Context, code model.Code) error   { return nil }
func (nopPublisher) PublishCodeReleased(ctx context.Context, code model.Code) error  { return nil }
func (nopPublisher) PublishReconcileRun(ctx context.Context, s model.ReconcileStats) error {
	return nil
}
func (nopPublisher) Close() error { return nil }

// fakeAuthority serves claim-qr lookups from an in-memory map. Hashes absent
// from the map answer 404; hashes mapped to nil answer 500.
type fakeAuthority struct {
	mu        sync.Mutex
	responses map[string]map[string]interface{}
}

func (f *fakeAuthority) set(qrHash string, resp map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[qrHash] = resp
}

func (f *fakeAuthority) handler(w http.ResponseWriter, r *http.Request) {
	qrHash := r.URL.Query().Get("qr_hash")
	f.mu.Lock()
	resp, ok := f.responses[qrHash]
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// newTestWorker wires a worker against a fake authority and a seeded store.
func newTestWorker(t *testing.T, maxFailedChecks int) (*Worker, storage.Store, *fakeAuthority) {
	t.Helper()
	ctx := context.Background()

	fake := &fakeAuthority{responses: make(map[string]map[string]interface{})}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	s := storage.NewMemory()
	if err := s.CreateDrop(ctx, model.Drop{ID: "drop-1", Name: "Test Drop", OwnerID: "owner-1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateDrop failed: %v", err)
	}

	// Pre-seeded token keeps the worker off the token endpoint entirely
	if err := s.PutAuthorityToken(ctx, model.AuthorityToken{
		AccessToken: "test-token",
		ExpiresAt:   time.Now().Add(time.Hour),
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutAuthorityToken failed: %v", err)
	}

	tokens := authority.NewTokenSource(s, srv.URL+"/oauth/token", "aud", "id", "secret")
	client, err := authority.NewClient(tokens, srv.URL, "api-key", nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	w := NewWorker(s, client, nil, nopPublisher{}, nil, nil, Options{
		BatchSize:       50,
		ItemDelay:       0,
		ItemTimeout:     5 * time.Second,
		MaxFailedChecks: maxFailedChecks,
	})
	return w, s, fake
}

// allocate seeds one available code and allocates it.
func allocate(t *testing.T, s storage.Store, id, qrHash string) *model.Code {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCode(ctx, model.Code{
		ID: id, DropID: "drop-1", QRHash: qrHash,
		ClaimURL:  "https://claim.example/" + id,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateCode failed: %v", err)
	}
	code, err := s.AllocateCode(ctx, "drop-1")
	if err != nil {
		t.Fatalf("AllocateCode failed: %v", err)
	}
	return code
}

func TestRunBackfillsConfirmedClaim(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	code := allocate(t, s, "code-1", "qr-1")
	fake.set("qr-1", map[string]interface{}{
		"claimed":     true,
		"beneficiary": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"ens":         "alice.eth",
	})

	// A ledger entry referencing the code must move to minted
	now := time.Now().UTC()
	if err := s.CreateTapRead(ctx, model.TapRead{
		ID: "read-1", CardID: "card-1", SDMCtr: 1, SDMCMAC: "aabbccddeeff0011",
		CodeID: code.ID, State: model.ReadServed, FirstSeenAt: now, LastSeenAt: now,
	}); err != nil {
		t.Fatalf("CreateTapRead failed: %v", err)
	}

	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Processed != 1 || stats.Claimed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	got, err := s.GetCode(ctx, code.ID)
	if err != nil {
		t.Fatalf("GetCode failed: %v", err)
	}
	if got.State != model.CodeClaimed {
		t.Errorf("expected claimed code, got %s", got.State)
	}
	// Beneficiary gets checksummed on the way in
	if got.UsedByAddress != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("unexpected claimant address %q", got.UsedByAddress)
	}
	if got.UsedByENS != "alice.eth" {
		t.Errorf("unexpected ens %q", got.UsedByENS)
	}

	read, err := s.GetTapReadByMAC(ctx, "aabbccddeeff0011")
	if err != nil {
		t.Fatalf("GetTapReadByMAC failed: %v", err)
	}
	if read.State != model.ReadMinted {
		t.Errorf("expected minted ledger entry, got %s", read.State)
	}
}

func TestRunResolvesClaimantNameWhenAuthorityOmitsIt(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	// ensideas-style endpoint: GET /{address} -> {"name": ...}
	ensSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"name":"bob.eth"}`)
	}))
	t.Cleanup(ensSrv.Close)
	w.resolver = ens.NewResolver(ensSrv.URL, "")

	code := allocate(t, s, "code-1", "qr-1")
	fake.set("qr-1", map[string]interface{}{
		"claimed":     true,
		"beneficiary": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	})

	if _, err := w.Run(ctx, "test"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := s.GetCode(ctx, code.ID)
	if err != nil {
		t.Fatalf("GetCode failed: %v", err)
	}
	if got.UsedByENS != "bob.eth" {
		t.Errorf("expected reverse-resolved name, got %q", got.UsedByENS)
	}
}

func TestRunKeepsAuthorityProvidedName(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	// Resolver answering a different name; it must not be consulted
	ensSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"name":"wrong.eth"}`)
	}))
	t.Cleanup(ensSrv.Close)
	w.resolver = ens.NewResolver(ensSrv.URL, "")

	code := allocate(t, s, "code-1", "qr-1")
	fake.set("qr-1", map[string]interface{}{
		"claimed":     true,
		"beneficiary": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"ens":         "alice.eth",
	})

	if _, err := w.Run(ctx, "test"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := s.GetCode(ctx, code.ID)
	if err != nil {
		t.Fatalf("GetCode failed: %v", err)
	}
	if got.UsedByENS != "alice.eth" {
		t.Errorf("expected authority name kept, got %q", got.UsedByENS)
	}
}

func TestRunRollsBackAfterMaxFailedChecks(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	code := allocate(t, s, "code-1", "qr-1")
	fake.set("qr-1", map[string]interface{}{"claimed": false})

	// First pass: one strike, still allocated
	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Pending != 1 || stats.RolledBack != 0 {
		t.Errorf("unexpected stats after first pass: %+v", stats)
	}
	got, _ := s.GetCode(ctx, code.ID)
	if got.State != model.CodeAllocated || got.FailedChecks != 1 {
		t.Errorf("after first pass: state=%s failedChecks=%d", got.State, got.FailedChecks)
	}

	// Second pass: second strike, rolled back to the pool
	stats, err = w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.RolledBack != 1 {
		t.Errorf("unexpected stats after second pass: %+v", stats)
	}
	got, _ = s.GetCode(ctx, code.ID)
	if got.State != model.CodeAvailable {
		t.Errorf("expected released code, got %s", got.State)
	}
	if got.FailedChecks != 0 {
		t.Errorf("expected failed checks reset on release, got %d", got.FailedChecks)
	}

	// The released code is allocatable again
	realloc, err := s.AllocateCode(ctx, "drop-1")
	if err != nil {
		t.Fatalf("AllocateCode after rollback failed: %v", err)
	}
	if realloc.ID != code.ID {
		t.Errorf("expected rolled back code to be reallocated, got %s", realloc.ID)
	}
}

func TestRunTreatsUnknownCodeAsUnclaimed(t *testing.T) {
	w, s, _ := newTestWorker(t, 2)
	ctx := context.Background()

	// No fake response registered: the authority answers 404
	code := allocate(t, s, "code-1", "qr-1")

	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Pending != 1 || stats.Errors != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	got, _ := s.GetCode(ctx, code.ID)
	if got.FailedChecks != 1 {
		t.Errorf("expected one strike for unknown code, got %d", got.FailedChecks)
	}
}

func TestRunBackfillsClaimantOnClaimedCode(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	code := allocate(t, s, "code-1", "qr-1")
	if err := s.MarkCodeClaimed(ctx, code.ID, model.ClaimantIdentity{}, time.Now().UTC()); err != nil {
		t.Fatalf("MarkCodeClaimed failed: %v", err)
	}

	fake.set("qr-1", map[string]interface{}{
		"claimed":    true,
		"user_input": "alice@example.com",
	})

	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Claimed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	got, _ := s.GetCode(ctx, code.ID)
	if got.State != model.CodeClaimed {
		t.Errorf("expected code to stay claimed, got %s", got.State)
	}
	if got.UsedByEmail != "alice@example.com" {
		t.Errorf("expected email backfilled, got %q", got.UsedByEmail)
	}
}

func TestRunIsolatesPerItemErrors(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	bad := allocate(t, s, "code-1", "qr-bad")
	good := allocate(t, s, "code-2", "qr-good")

	fake.set("qr-bad", nil) // 500 from the authority
	fake.set("qr-good", map[string]interface{}{
		"claimed":     true,
		"beneficiary": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	})

	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Processed != 2 {
		t.Errorf("expected both items processed, got %d", stats.Processed)
	}
	if stats.Errors != 1 || stats.Claimed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// The failing item took no strike: the authority state is unknown
	gotBad, _ := s.GetCode(ctx, bad.ID)
	if gotBad.State != model.CodeAllocated || gotBad.FailedChecks != 0 {
		t.Errorf("failing item mutated: state=%s failedChecks=%d", gotBad.State, gotBad.FailedChecks)
	}

	gotGood, _ := s.GetCode(ctx, good.ID)
	if gotGood.State != model.CodeClaimed {
		t.Errorf("expected good item claimed, got %s", gotGood.State)
	}
}

func TestRunRespectsBatchSize(t *testing.T) {
	w, s, fake := newTestWorker(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allocate(t, s, fmt.Sprintf("code-%d", i), fmt.Sprintf("qr-%d", i))
		fake.set(fmt.Sprintf("qr-%d", i), map[string]interface{}{"claimed": false})
	}
	w.opts.BatchSize = 3

	stats, err := w.Run(ctx, "test")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Processed != 3 {
		t.Errorf("expected batch size to cap processing at 3, got %d", stats.Processed)
	}
}
