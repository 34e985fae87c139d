// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, intended for production
// use. All cross-request coordination happens through conditional writes and
// uniqueness constraints here; the tap path holds no in-process locks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moclas17/poap.cards/internal/model"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation. It establishes
// a connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already
// exist. The uniqueness constraints on (ntag_uid), (sdm_cmac), (card_id) and
// (drop_id, qr_hash) are load-bearing for correctness, not incidental.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS drops (
		    id TEXT PRIMARY KEY,
		    name TEXT NOT NULL,
		    owner_id TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS poap_codes (
		    id TEXT PRIMARY KEY,
		    drop_id TEXT NOT NULL REFERENCES drops(id) ON DELETE CASCADE,
		    qr_hash TEXT NOT NULL,
		    claim_url TEXT NOT NULL,
		    state TEXT NOT NULL DEFAULT 'available',
		    failed_checks INTEGER NOT NULL DEFAULT 0,
		    used_by_address TEXT NOT NULL DEFAULT '',
		    used_by_ens TEXT NOT NULL DEFAULT '',
		    used_by_email TEXT NOT NULL DEFAULT '',
		    used_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE (drop_id, qr_hash)           -- Dedup against re-imported inventories
		);

		-- FIFO allocation scans by drop, state and creation order
		CREATE INDEX IF NOT EXISTS idx_poap_codes_drop_state_created ON poap_codes(drop_id, state, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_poap_codes_state ON poap_codes(state, updated_at);

		CREATE TABLE IF NOT EXISTS cards (
		    id TEXT PRIMARY KEY,
		    ntag_uid TEXT NOT NULL UNIQUE,      -- A UID belongs to at most one claimed card
		    owner_id TEXT NOT NULL,
		    is_secure BOOLEAN NOT NULL DEFAULT TRUE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS card_drop_assignments (
		    id TEXT PRIMARY KEY,
		    card_id TEXT NOT NULL UNIQUE REFERENCES cards(id) ON DELETE CASCADE,  -- 1:1 card to drop
		    drop_id TEXT NOT NULL REFERENCES drops(id) ON DELETE CASCADE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS tap_reads (
		    id TEXT PRIMARY KEY,
		    card_id TEXT NOT NULL REFERENCES cards(id),
		    sdm_ctr BIGINT NOT NULL,
		    sdm_cmac TEXT NOT NULL UNIQUE,      -- Idempotency key: one entry per authenticated tap
		    code_id TEXT NOT NULL DEFAULT '',
		    state TEXT NOT NULL DEFAULT 'served',
		    first_seen_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    last_seen_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tap_reads_code ON tap_reads(code_id);

		CREATE TABLE IF NOT EXISTS authority_token (
		    id INTEGER PRIMARY KEY,
		    access_token TEXT NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) GetCardByUID(ctx context.Context, ntagUID string) (*model.Card, error) {
	query := `SELECT id, ntag_uid, owner_id, is_secure, created_at FROM cards WHERE ntag_uid = $1`
	var card model.Card

	err := p.db.QueryRow(ctx, query, ntagUID).Scan(&card.ID, &card.NtagUID, &card.OwnerID, &card.IsSecure, &card.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return &card, nil
}

func (p *postgres) GetAssignmentByCardID(ctx context.Context, cardID string) (*model.CardAssignment, error) {
	query := `SELECT id, card_id, drop_id, created_at FROM card_drop_assignments WHERE card_id = $1`
	var a model.CardAssignment

	err := p.db.QueryRow(ctx, query, cardID).Scan(&a.ID, &a.CardID, &a.DropID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

// AllocateCode atomically claims the oldest available code of a drop.
// The conditional UPDATE returns a row only if this caller won the flip, so
// each available code is handed to exactly one of N concurrent callers.
// SKIP LOCKED lets losers move straight to the next candidate instead of
// queueing on the row lock.
func (p *postgres) AllocateCode(ctx context.Context, dropID string) (*model.Code, error) {
	query := `
		UPDATE poap_codes SET state = 'allocated', updated_at = NOW()
		WHERE id = (
		    SELECT id FROM poap_codes
		    WHERE drop_id = $1 AND state = 'available'
		    ORDER BY created_at, id
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, drop_id, qr_hash, claim_url, state, failed_checks,
		          used_by_address, used_by_ens, used_by_email, used_at, created_at, updated_at`

	code, err := p.scanCode(p.db.QueryRow(ctx, query, dropID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExhausted
		}
		return nil, fmt.Errorf("failed to allocate code: %w", err)
	}
	return code, nil
}

// ReleaseCode rolls an allocated code back to the pool and detaches ledger
// references, in one transaction. The state condition makes the rollback a
// no-op race loser if a confirmation landed first.
func (p *postgres) ReleaseCode(ctx context.Context, codeID string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE poap_codes
		SET state = 'available', used_by_address = '', used_by_ens = '', used_by_email = '',
		    used_at = NULL, failed_checks = 0, updated_at = NOW()
		WHERE id = $1 AND state = 'allocated'`, codeID)
	if err != nil {
		return fmt.Errorf("failed to release code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM poap_codes WHERE id = $1)`, codeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check code: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if _, err := tx.Exec(ctx, `UPDATE tap_reads SET code_id = '' WHERE code_id = $1`, codeID); err != nil {
		return fmt.Errorf("failed to detach tap reads: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *postgres) MarkCodeClaimed(ctx context.Context, codeID string, who model.ClaimantIdentity, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE poap_codes
		SET state = 'claimed', used_by_address = $2, used_by_ens = $3, used_by_email = $4,
		    used_at = $5, failed_checks = 0, updated_at = NOW()
		WHERE id = $1 AND state = 'allocated'`,
		codeID, who.Address, who.ENSName, who.Email, at)
	if err != nil {
		return fmt.Errorf("failed to mark code claimed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM poap_codes WHERE id = $1)`, codeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check code: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *postgres) SetCodeClaimant(ctx context.Context, codeID string, who model.ClaimantIdentity) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE poap_codes
		SET used_by_address = $2, used_by_ens = $3, used_by_email = $4,
		    failed_checks = 0, updated_at = NOW()
		WHERE id = $1 AND state = 'claimed'`,
		codeID, who.Address, who.ENSName, who.Email)
	if err != nil {
		return fmt.Errorf("failed to set claimant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM poap_codes WHERE id = $1)`, codeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check code: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *postgres) IncrementFailedChecks(ctx context.Context, codeID string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `
		UPDATE poap_codes SET failed_checks = failed_checks + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_checks`, codeID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failed checks: %w", err)
	}
	return n, nil
}

func (p *postgres) GetCode(ctx context.Context, codeID string) (*model.Code, error) {
	query := `SELECT id, drop_id, qr_hash, claim_url, state, failed_checks,
	                 used_by_address, used_by_ens, used_by_email, used_at, created_at, updated_at
	          FROM poap_codes WHERE id = $1`

	code, err := p.scanCode(p.db.QueryRow(ctx, query, codeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}

func (p *postgres) ListUnattributedCodes(ctx context.Context, limit int) ([]model.Code, error) {
	query := `SELECT id, drop_id, qr_hash, claim_url, state, failed_checks,
	                 used_by_address, used_by_ens, used_by_email, used_at, created_at, updated_at
	          FROM poap_codes
	          WHERE state = 'allocated'
	             OR (state = 'claimed' AND used_by_address = '' AND used_by_ens = '' AND used_by_email = '')
	          ORDER BY updated_at, id
	          LIMIT $1`

	rows, err := p.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	defer rows.Close()

	var codes []model.Code
	for rows.Next() {
		code, err := p.scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		codes = append(codes, *code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating codes: %w", err)
	}
	return codes, nil
}

func (p *postgres) GetDropStats(ctx context.Context, dropID string) (*model.DropStats, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM drops WHERE id = $1)`, dropID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check drop: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `SELECT
	              COUNT(*),
	              COUNT(*) FILTER (WHERE state = 'available'),
	              COUNT(*) FILTER (WHERE state = 'allocated'),
	              COUNT(*) FILTER (WHERE state = 'claimed')
	          FROM poap_codes WHERE drop_id = $1`

	stats := &model.DropStats{DropID: dropID}
	err := p.db.QueryRow(ctx, query, dropID).Scan(&stats.Total, &stats.Available, &stats.Allocated, &stats.Claimed)
	if err != nil {
		return nil, fmt.Errorf("failed to get drop stats: %w", err)
	}
	return stats, nil
}

func (p *postgres) GetTapReadByMAC(ctx context.Context, mac string) (*model.TapRead, error) {
	query := `SELECT id, card_id, sdm_ctr, sdm_cmac, code_id, state, first_seen_at, last_seen_at
	          FROM tap_reads WHERE sdm_cmac = $1`
	var r model.TapRead

	err := p.db.QueryRow(ctx, query, mac).Scan(&r.ID, &r.CardID, &r.SDMCtr, &r.SDMCMAC, &r.CodeID, &r.State, &r.FirstSeenAt, &r.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tap read: %w", err)
	}
	return &r, nil
}

func (p *postgres) CreateTapRead(ctx context.Context, read model.TapRead) error {
	query := `INSERT INTO tap_reads (id, card_id, sdm_ctr, sdm_cmac, code_id, state, first_seen_at, last_seen_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.Exec(ctx, query,
		read.ID, read.CardID, int64(read.SDMCtr), read.SDMCMAC, read.CodeID, read.State, read.FirstSeenAt, read.LastSeenAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create tap read: %w", err)
	}
	return nil
}

func (p *postgres) TouchTapRead(ctx context.Context, id string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `UPDATE tap_reads SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch tap read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) SetTapReadCode(ctx context.Context, id, codeID string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE tap_reads SET code_id = $2, last_seen_at = $3
		WHERE id = $1 AND state = 'served' AND code_id = ''`, id, codeID, at)
	if err != nil {
		return fmt.Errorf("failed to set tap read code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkReadMintedByCode moves the ledger entry referencing a code from served
// to minted. The state condition makes the transition monotonic: a minted
// entry is never written again.
func (p *postgres) MarkReadMintedByCode(ctx context.Context, codeID string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE tap_reads SET state = 'minted', last_seen_at = NOW()
		WHERE code_id = $1 AND state = 'served'`, codeID)
	if err != nil {
		return fmt.Errorf("failed to mark read minted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) GetAuthorityToken(ctx context.Context) (*model.AuthorityToken, error) {
	query := `SELECT access_token, expires_at, updated_at FROM authority_token WHERE id = 1`
	var tok model.AuthorityToken

	err := p.db.QueryRow(ctx, query).Scan(&tok.AccessToken, &tok.ExpiresAt, &tok.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authority token: %w", err)
	}
	return &tok, nil
}

// PutAuthorityToken stores the single credential row. The WHERE clause on
// the upsert keeps the later-expiring token when concurrent refreshers race.
func (p *postgres) PutAuthorityToken(ctx context.Context, tok model.AuthorityToken) error {
	query := `INSERT INTO authority_token (id, access_token, expires_at, updated_at)
	          VALUES (1, $1, $2, $3)
	          ON CONFLICT (id) DO UPDATE
	          SET access_token = EXCLUDED.access_token,
	              expires_at = EXCLUDED.expires_at,
	              updated_at = EXCLUDED.updated_at
	          WHERE authority_token.expires_at < EXCLUDED.expires_at`

	_, err := p.db.Exec(ctx, query, tok.AccessToken, tok.ExpiresAt, tok.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store authority token: %w", err)
	}
	return nil
}

func (p *postgres) CreateDrop(ctx context.Context, drop model.Drop) error {
	query := `INSERT INTO drops (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, drop.ID, drop.Name, drop.OwnerID, drop.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create drop: %w", err)
	}
	return nil
}

func (p *postgres) CreateCode(ctx context.Context, code model.Code) error {
	if code.State == "" {
		code.State = model.CodeAvailable
	}
	query := `INSERT INTO poap_codes (id, drop_id, qr_hash, claim_url, state, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query, code.ID, code.DropID, code.QRHash, code.ClaimURL, code.State, code.CreatedAt, code.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create code: %w", err)
	}
	return nil
}

func (p *postgres) CreateCard(ctx context.Context, card model.Card) error {
	query := `INSERT INTO cards (id, ntag_uid, owner_id, is_secure, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.Exec(ctx, query, card.ID, card.NtagUID, card.OwnerID, card.IsSecure, card.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

func (p *postgres) AssignCardToDrop(ctx context.Context, a model.CardAssignment) error {
	query := `INSERT INTO card_drop_assignments (id, card_id, drop_id, created_at) VALUES ($1, $2, $3, $4)`
	_, err := p.db.Exec(ctx, query, a.ID, a.CardID, a.DropID, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to assign card: %w", err)
	}
	return nil
}

// scanCode reads one code row, mapping the nullable used_at column.
func (p *postgres) scanCode(row pgx.Row) (*model.Code, error) {
	var code model.Code
	var usedAt *time.Time
	err := row.Scan(&code.ID, &code.DropID, &code.QRHash, &code.ClaimURL, &code.State, &code.FailedChecks,
		&code.UsedByAddress, &code.UsedByENS, &code.UsedByEmail, &usedAt, &code.CreatedAt, &code.UpdatedAt)
	if err != nil {
		return nil, err
	}
	code.UsedAt = usedAt
	return &code, nil
}
