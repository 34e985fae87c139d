// internal/engine/engine.go
// Package engine implements the tap redemption flow: authenticate the tap,
// resolve the card and its drop, and hand out exactly one claim code per
// authenticated tap. All idempotency and allocation guarantees come from
// conditional writes in the storage layer, so concurrent requests across
// multiple processes stay correct.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/moclas17/poap.cards/internal/ens"
	taperrors "github.com/moclas17/poap.cards/internal/errors"
	"github.com/moclas17/poap.cards/internal/event"
	"github.com/moclas17/poap.cards/internal/metrics"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/sdm"
	"github.com/moclas17/poap.cards/internal/storage"
)

// Engine executes tap redemption and claim confirmation.
type Engine struct {
	store     storage.Store
	verifier  sdm.Verifier
	publisher event.Publisher
	resolver  *ens.Resolver
	metrics   *metrics.Metrics
	sdmMode   string
}

// New creates an Engine. The resolver may be nil to disable name resolution.
func New(store storage.Store, verifier sdm.Verifier, publisher event.Publisher, resolver *ens.Resolver, m *metrics.Metrics, sdmMode string) *Engine {
	return &Engine{
		store:     store,
		verifier:  verifier,
		publisher: publisher,
		resolver:  resolver,
		metrics:   m,
		sdmMode:   sdmMode,
	}
}

// Tap processes one tap request. It always returns a TapResponse; the error
// return is non-nil only for failures the caller should surface as HTTP 5xx
// (the response then carries database_error or internal_error).
//
// Outcomes:
//   - First authenticated tap: allocate the oldest available code, record
//     the ledger entry, respond served.
//   - Replayed tap (same MAC): respond with the original outcome, no new
//     allocation.
//   - Ledger entry whose code was rolled back: allocate a fresh code and
//     re-attach it.
func (e *Engine) Tap(ctx context.Context, query url.Values) (model.TapResponse, error) {
	params, ok := sdm.ParseParams(query)
	if !ok {
		return e.tapError(model.ReasonMissingSDMParams), nil
	}

	result := e.verifier.Verify(params)
	e.observeVerify(result.Valid)
	if !result.Valid {
		slog.Info("tap rejected", "reason", result.Reason)
		return e.tapError(model.ReasonSDMInvalid), nil
	}

	uid := sdm.NormalizeUID(params.UID)
	card, err := e.store.GetCardByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.tapError(model.ReasonUnclaimedCard), nil
		}
		return e.tapError(model.ReasonDatabaseError), err
	}

	assignment, err := e.store.GetAssignmentByCardID(ctx, card.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.tapError(model.ReasonUnassignedDrop), nil
		}
		return e.tapError(model.ReasonDatabaseError), err
	}

	mac := strings.ToLower(strings.TrimSpace(params.CMAC))

	read, err := e.store.GetTapReadByMAC(ctx, mac)
	if err == nil {
		return e.replay(ctx, read, assignment.DropID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return e.tapError(model.ReasonDatabaseError), err
	}

	return e.firstTap(ctx, params, card, assignment, mac)
}

// firstTap allocates a code and records the ledger entry for a MAC never
// seen before. Losing the insert race to a concurrent identical tap releases
// the freshly allocated code and replays the winner's entry.
func (e *Engine) firstTap(ctx context.Context, params sdm.Params, card *model.Card, assignment *model.CardAssignment, mac string) (model.TapResponse, error) {
	code, err := e.store.AllocateCode(ctx, assignment.DropID)
	if err != nil {
		if errors.Is(err, storage.ErrExhausted) {
			e.observeAllocation("exhausted")
			slog.Warn("drop exhausted", "dropId", assignment.DropID, "cardId", card.ID)
			return e.tapError(model.ReasonNoCodes), nil
		}
		e.observeAllocation("error")
		return e.tapError(model.ReasonDatabaseError), err
	}
	e.observeAllocation("ok")

	ctr, err := sdm.ParseCtr(params.Ctr)
	if err != nil {
		// Verification already parsed the counter; reaching this means the
		// verifier and parser disagree.
		e.release(ctx, code.ID)
		return e.tapError(model.ReasonInternalError), err
	}

	now := time.Now().UTC()
	read := model.TapRead{
		ID:          ulid.Make().String(),
		CardID:      card.ID,
		SDMCtr:      ctr,
		SDMCMAC:     mac,
		CodeID:      code.ID,
		State:       model.ReadServed,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}

	if err := e.store.CreateTapRead(ctx, read); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent identical tap won the insert. Return the winner's
			// outcome and put our code back in the pool.
			e.release(ctx, code.ID)
			existing, err := e.store.GetTapReadByMAC(ctx, mac)
			if err != nil {
				return e.tapError(model.ReasonDatabaseError), err
			}
			return e.replay(ctx, existing, assignment.DropID)
		}
		e.release(ctx, code.ID)
		return e.tapError(model.ReasonDatabaseError), err
	}

	slog.Info("code served", "cardId", card.ID, "dropId", assignment.DropID, "codeId", code.ID, "ctr", ctr)
	if err := e.publisher.PublishCodeServed(ctx, read, *code); err != nil {
		slog.Warn("failed to publish served event", "codeId", code.ID, "error", err)
	}
	e.observeTap(model.StatusServed, "")

	return model.TapResponse{
		Status:   model.StatusServed,
		ClaimURL: code.ClaimURL,
		CodeID:   code.ID,
	}, nil
}

// replay returns the outcome recorded for an existing ledger entry. An entry
// whose code was rolled back (empty CodeID, still served) gets a fresh
// allocation attached so the card keeps working after reconciliation.
func (e *Engine) replay(ctx context.Context, read *model.TapRead, dropID string) (model.TapResponse, error) {
	now := time.Now().UTC()
	if err := e.store.TouchTapRead(ctx, read.ID, now); err != nil {
		slog.Warn("failed to touch tap read", "readId", read.ID, "error", err)
	}

	// A redeemed code's claim link is not disclosed again.
	if read.State == model.ReadMinted {
		e.observeTap(model.StatusMinted, "")
		return model.TapResponse{Status: model.StatusMinted}, nil
	}

	if read.CodeID == "" {
		code, err := e.store.AllocateCode(ctx, dropID)
		if err != nil {
			if errors.Is(err, storage.ErrExhausted) {
				e.observeAllocation("exhausted")
				return e.tapError(model.ReasonNoCodes), nil
			}
			e.observeAllocation("error")
			return e.tapError(model.ReasonDatabaseError), err
		}
		e.observeAllocation("ok")

		if err := e.store.SetTapReadCode(ctx, read.ID, code.ID, now); err != nil {
			e.release(ctx, code.ID)
			if errors.Is(err, storage.ErrConflict) {
				// A concurrent replay attached its code first; serve that
				// one so the MAC keeps mapping to a single code.
				winner, gerr := e.store.GetTapReadByMAC(ctx, read.SDMCMAC)
				if gerr != nil {
					return e.tapError(model.ReasonDatabaseError), gerr
				}
				return e.replay(ctx, winner, dropID)
			}
			return e.tapError(model.ReasonDatabaseError), err
		}
		read.CodeID = code.ID

		slog.Info("code re-served after rollback", "readId", read.ID, "codeId", code.ID)
	}

	code, err := e.store.GetCode(ctx, read.CodeID)
	if err != nil {
		return e.tapError(model.ReasonDatabaseError), err
	}
	e.observeTap(model.StatusServed, "")

	return model.TapResponse{
		Status:   model.StatusServed,
		ClaimURL: code.ClaimURL,
		CodeID:   code.ID,
	}, nil
}

// Confirm finalizes a redemption reported by the claim page. The claimer
// address is validated and checksummed, its primary name resolved best
// effort, and the code moved allocated -> claimed together with its ledger
// entry served -> minted.
func (e *Engine) Confirm(ctx context.Context, req model.ConfirmRequest, correlationID string) (*model.ConfirmResponse, *taperrors.Error) {
	if req.CodeID == "" {
		return nil, taperrors.New(taperrors.TAP_BAD_REQUEST, "codeId is required", correlationID)
	}
	if !ens.IsAddress(req.Claimer) {
		return nil, taperrors.New(taperrors.TAP_BAD_ADDRESS, "claimer is not a valid address", correlationID)
	}
	claimer := ens.Checksum(req.Claimer)

	ensName := ""
	if e.resolver != nil {
		ensName = e.resolver.Reverse(ctx, claimer)
	}

	identity := model.ClaimantIdentity{Address: claimer, ENSName: ensName}
	err := e.store.MarkCodeClaimed(ctx, req.CodeID, identity, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, taperrors.New(taperrors.TAP_NOT_FOUND, "code not found", correlationID)
		case errors.Is(err, storage.ErrConflict):
			return nil, taperrors.New(taperrors.TAP_CONFLICT, "code is not in a claimable state", correlationID)
		default:
			return nil, taperrors.New(taperrors.TAP_INTERNAL, "failed to record claim", correlationID)
		}
	}

	if err := e.store.MarkReadMintedByCode(ctx, req.CodeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("failed to mark ledger entry minted", "codeId", req.CodeID, "error", err)
	}

	slog.Info("claim confirmed", "codeId", req.CodeID, "claimer", claimer, "ensName", ensName)
	if code, err := e.store.GetCode(ctx, req.CodeID); err == nil {
		if err := e.publisher.PublishCodeClaimed(ctx, *code); err != nil {
			slog.Warn("failed to publish claimed event", "codeId", req.CodeID, "error", err)
		}
	}

	return &model.ConfirmResponse{
		Success: true,
		Claimer: claimer,
		ENSName: ensName,
	}, nil
}

// DropStats reports inventory counters for a drop.
func (e *Engine) DropStats(ctx context.Context, dropID, correlationID string) (*model.DropStats, *taperrors.Error) {
	stats, err := e.store.GetDropStats(ctx, dropID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, taperrors.New(taperrors.TAP_NOT_FOUND, "drop not found", correlationID)
		}
		return nil, taperrors.New(taperrors.TAP_INTERNAL, "failed to load drop stats", correlationID)
	}
	return stats, nil
}

// release puts a code back in the pool, logging rather than failing when the
// release itself cannot complete.
func (e *Engine) release(ctx context.Context, codeID string) {
	if err := e.store.ReleaseCode(ctx, codeID); err != nil {
		slog.Error("failed to release code", "codeId", codeID, "error", err)
	}
}

func (e *Engine) tapError(reason model.TapReason) model.TapResponse {
	e.observeTap(model.StatusError, reason)
	return model.TapResponse{Status: model.StatusError, Reason: reason}
}

func (e *Engine) observeTap(status model.TapStatus, reason model.TapReason) {
	if e.metrics == nil {
		return
	}
	e.metrics.TapTotal.WithLabelValues(string(status), string(reason)).Inc()
}

func (e *Engine) observeVerify(valid bool) {
	if e.metrics == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	e.metrics.SDMVerifyTotal.WithLabelValues(e.sdmMode, result).Inc()
}

func (e *Engine) observeAllocation(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.AllocationTotal.WithLabelValues(result).Inc()
}
