// internal/storage/memory.go
// Package storage provides implementations of the Store interface for both
// in-memory and PostgreSQL storage backends. The store is the sole point of
// shared mutable state: allocation and ledger idempotency rely on its atomic
// conditional writes, never on application-level locks, so request handlers
// stay correct when run as multiple independent processes.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/moclas17/poap.cards/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound  = errors.New("not found")  // Returned when a row is not found
	ErrConflict  = errors.New("conflict")   // Returned when a uniqueness constraint or state condition fails
	ErrExhausted = errors.New("no codes available") // Returned when a drop has no available codes
)

// Store defines the storage operations required by the tap redemption
// service. Implemented by the in-memory and PostgreSQL backends.
type Store interface {
	// Card and assignment resolution
	GetCardByUID(ctx context.Context, ntagUID string) (*model.Card, error)
	GetAssignmentByCardID(ctx context.Context, cardID string) (*model.CardAssignment, error)

	// Code allocation and lifecycle. AllocateCode atomically flips the
	// oldest available code of the drop to allocated; concurrent callers
	// each receive a distinct code or ErrExhausted. ReleaseCode undoes an
	// allocation (allocated -> available only) and detaches ledger
	// references to the code. MarkCodeClaimed moves allocated -> claimed
	// with the claimant identity; SetCodeClaimant backfills identity on an
	// already-claimed code.
	AllocateCode(ctx context.Context, dropID string) (*model.Code, error)
	ReleaseCode(ctx context.Context, codeID string) error
	MarkCodeClaimed(ctx context.Context, codeID string, who model.ClaimantIdentity, at time.Time) error
	SetCodeClaimant(ctx context.Context, codeID string, who model.ClaimantIdentity) error
	IncrementFailedChecks(ctx context.Context, codeID string) (int, error)
	GetCode(ctx context.Context, codeID string) (*model.Code, error)
	ListUnattributedCodes(ctx context.Context, limit int) ([]model.Code, error)
	GetDropStats(ctx context.Context, dropID string) (*model.DropStats, error)

	// Tap ledger. CreateTapRead is insert-if-absent on the MAC and returns
	// ErrConflict when an entry already exists. SetTapReadCode attaches a
	// code only while the entry is served and code-less, ErrConflict
	// otherwise. MarkReadMintedByCode moves served -> minted for the entry
	// referencing the code; minted entries never regress.
	GetTapReadByMAC(ctx context.Context, mac string) (*model.TapRead, error)
	CreateTapRead(ctx context.Context, read model.TapRead) error
	TouchTapRead(ctx context.Context, id string, at time.Time) error
	SetTapReadCode(ctx context.Context, id, codeID string, at time.Time) error
	MarkReadMintedByCode(ctx context.Context, codeID string) error

	// Persisted claim-authority token: a single row replaced only by a
	// token with a later expiry, so concurrent refreshers cannot clobber a
	// fresher credential.
	GetAuthorityToken(ctx context.Context) (*model.AuthorityToken, error)
	PutAuthorityToken(ctx context.Context, tok model.AuthorityToken) error

	// Fixture/import operations (inventory ingestion itself is handled by
	// an external collaborator; these are the minimal inserts it uses).
	CreateDrop(ctx context.Context, drop model.Drop) error
	CreateCode(ctx context.Context, code model.Code) error
	CreateCard(ctx context.Context, card model.Card) error
	AssignCardToDrop(ctx context.Context, a model.CardAssignment) error
}

// memory implements the Store interface using in-memory maps.
// It is intended for development and testing; all conditional-write
// semantics match the PostgreSQL backend.
type memory struct {
	mu          sync.Mutex
	drops       map[string]*model.Drop
	codes       map[string]*model.Code
	cards       map[string]*model.Card           // by card ID
	cardsByUID  map[string]*model.Card           // by NTAG UID
	assignments map[string]*model.CardAssignment // by card ID
	reads       map[string]*model.TapRead        // by read ID
	readsByMAC  map[string]*model.TapRead        // by MAC
	token       *model.AuthorityToken
	seq         int // Tiebreaker for codes created at the same instant
	codeSeq     map[string]int
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		drops:       make(map[string]*model.Drop),
		codes:       make(map[string]*model.Code),
		cards:       make(map[string]*model.Card),
		cardsByUID:  make(map[string]*model.Card),
		assignments: make(map[string]*model.CardAssignment),
		reads:       make(map[string]*model.TapRead),
		readsByMAC:  make(map[string]*model.TapRead),
		codeSeq:     make(map[string]int),
	}
}

func (m *memory) GetCardByUID(ctx context.Context, ntagUID string) (*model.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	card, exists := m.cardsByUID[ntagUID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *card
	return &cp, nil
}

func (m *memory) GetAssignmentByCardID(ctx context.Context, cardID string) (*model.CardAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.assignments[cardID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// AllocateCode reserves the oldest available code of the drop. The whole
// select-and-flip happens under the store lock, mirroring the conditional
// UPDATE the PostgreSQL backend uses.
func (m *memory) AllocateCode(ctx context.Context, dropID string) (*model.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *model.Code
	for _, c := range m.codes {
		if c.DropID != dropID || c.State != model.CodeAvailable {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) ||
			(c.CreatedAt.Equal(oldest.CreatedAt) && m.codeSeq[c.ID] < m.codeSeq[oldest.ID]) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, ErrExhausted
	}

	oldest.State = model.CodeAllocated
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

// ReleaseCode rolls an allocated code back to available, clearing its
// allocation metadata and detaching any ledger entry that references it.
// Claimed codes are terminal and are never released.
func (m *memory) ReleaseCode(ctx context.Context, codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.codes[codeID]
	if !exists {
		return ErrNotFound
	}
	if c.State != model.CodeAllocated {
		return ErrConflict
	}
	c.State = model.CodeAvailable
	c.UsedByAddress, c.UsedByENS, c.UsedByEmail = "", "", ""
	c.UsedAt = nil
	c.FailedChecks = 0
	c.UpdatedAt = time.Now().UTC()

	for _, r := range m.reads {
		if r.CodeID == codeID {
			r.CodeID = ""
		}
	}
	return nil
}

func (m *memory) MarkCodeClaimed(ctx context.Context, codeID string, who model.ClaimantIdentity, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.codes[codeID]
	if !exists {
		return ErrNotFound
	}
	if c.State != model.CodeAllocated {
		return ErrConflict
	}
	c.State = model.CodeClaimed
	c.UsedByAddress = who.Address
	c.UsedByENS = who.ENSName
	c.UsedByEmail = who.Email
	used := at
	c.UsedAt = &used
	c.FailedChecks = 0
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) SetCodeClaimant(ctx context.Context, codeID string, who model.ClaimantIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.codes[codeID]
	if !exists {
		return ErrNotFound
	}
	if c.State != model.CodeClaimed {
		return ErrConflict
	}
	c.UsedByAddress = who.Address
	c.UsedByENS = who.ENSName
	c.UsedByEmail = who.Email
	c.FailedChecks = 0
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) IncrementFailedChecks(ctx context.Context, codeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.codes[codeID]
	if !exists {
		return 0, ErrNotFound
	}
	c.FailedChecks++
	c.UpdatedAt = time.Now().UTC()
	return c.FailedChecks, nil
}

func (m *memory) GetCode(ctx context.Context, codeID string) (*model.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.codes[codeID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListUnattributedCodes returns codes the reconciliation worker still needs
// to resolve: allocated codes, and claimed codes whose claimant identity is
// entirely unknown.
func (m *memory) ListUnattributedCodes(ctx context.Context, limit int) ([]model.Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Code
	for _, c := range m.codes {
		needsIdentity := c.State == model.CodeClaimed &&
			c.UsedByAddress == "" && c.UsedByENS == "" && c.UsedByEmail == ""
		if c.State == model.CodeAllocated || needsIdentity {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return m.codeSeq[out[i].ID] < m.codeSeq[out[j].ID]
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) GetDropStats(ctx context.Context, dropID string) (*model.DropStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.drops[dropID]; !exists {
		return nil, ErrNotFound
	}
	stats := &model.DropStats{DropID: dropID}
	for _, c := range m.codes {
		if c.DropID != dropID {
			continue
		}
		stats.Total++
		switch c.State {
		case model.CodeAvailable:
			stats.Available++
		case model.CodeAllocated:
			stats.Allocated++
		case model.CodeClaimed:
			stats.Claimed++
		}
	}
	return stats, nil
}

func (m *memory) GetTapReadByMAC(ctx context.Context, mac string) (*model.TapRead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.readsByMAC[mac]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memory) CreateTapRead(ctx context.Context, read model.TapRead) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.readsByMAC[read.SDMCMAC]; exists {
		return ErrConflict
	}
	cp := read
	m.reads[read.ID] = &cp
	m.readsByMAC[read.SDMCMAC] = &cp
	return nil
}

func (m *memory) TouchTapRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.reads[id]
	if !exists {
		return ErrNotFound
	}
	r.LastSeenAt = at
	return nil
}

func (m *memory) SetTapReadCode(ctx context.Context, id, codeID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.reads[id]
	if !exists {
		return ErrNotFound
	}
	if r.State != model.ReadServed || r.CodeID != "" {
		return ErrConflict
	}
	r.CodeID = codeID
	r.LastSeenAt = at
	return nil
}

func (m *memory) MarkReadMintedByCode(ctx context.Context, codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.reads {
		if r.CodeID == codeID && r.State == model.ReadServed {
			r.State = model.ReadMinted
			r.LastSeenAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *memory) GetAuthorityToken(ctx context.Context) (*model.AuthorityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		return nil, ErrNotFound
	}
	cp := *m.token
	return &cp, nil
}

// PutAuthorityToken replaces the stored token only when the new one expires
// later, the same condition the PostgreSQL upsert applies.
func (m *memory) PutAuthorityToken(ctx context.Context, tok model.AuthorityToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && !m.token.ExpiresAt.Before(tok.ExpiresAt) {
		return nil
	}
	cp := tok
	m.token = &cp
	return nil
}

func (m *memory) CreateDrop(ctx context.Context, drop model.Drop) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.drops[drop.ID]; exists {
		return ErrConflict
	}
	cp := drop
	m.drops[drop.ID] = &cp
	return nil
}

func (m *memory) CreateCode(ctx context.Context, code model.Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.codes[code.ID]; exists {
		return ErrConflict
	}
	// qr_hash is unique within a drop
	for _, c := range m.codes {
		if c.DropID == code.DropID && c.QRHash == code.QRHash {
			return ErrConflict
		}
	}
	cp := code
	if cp.State == "" {
		cp.State = model.CodeAvailable
	}
	m.seq++
	m.codeSeq[code.ID] = m.seq
	m.codes[code.ID] = &cp
	return nil
}

func (m *memory) CreateCard(ctx context.Context, card model.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cards[card.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.cardsByUID[card.NtagUID]; exists {
		return ErrConflict
	}
	cp := card
	m.cards[card.ID] = &cp
	m.cardsByUID[card.NtagUID] = &cp
	return nil
}

// AssignCardToDrop binds a card to a drop. The card-ID key enforces the
// invariant that a card is never bound to two drops at once.
func (m *memory) AssignCardToDrop(ctx context.Context, a model.CardAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cards[a.CardID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.assignments[a.CardID]; exists {
		return ErrConflict
	}
	cp := a
	m.assignments[a.CardID] = &cp
	return nil
}
