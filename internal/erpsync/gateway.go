package erpsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// AttemptStore persists the append-only sync attempt log.
type AttemptStore interface {
	Insert(ctx context.Context, q db.Querier, attempt Attempt) error
	Latest(ctx context.Context, q db.Querier, documentID uuid.UUID) (Attempt, error)
	MarkOutcome(ctx context.Context, q db.Querier, attemptID uuid.UUID, outcome AttemptOutcome, externalRef, reason string) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]Attempt, error)
}

// Gateway posts finalized documents to the ERP, idempotently. Each document
// version gets one stable idempotency key; the gateway never sends a fresh
// key while a prior attempt is unresolved.
type Gateway struct {
	client   Client
	attempts AttemptStore
	logger   *slog.Logger
}

// NewGateway constructs Gateway.
func NewGateway(client Client, attempts AttemptStore, logger *slog.Logger) *Gateway {
	return &Gateway{client: client, attempts: attempts, logger: logger}
}

// IdempotencyKey derives the stable key for one document version.
func IdempotencyKey(documentID uuid.UUID, version int64) string {
	return fmt.Sprintf("%s:v%d", documentID, version)
}

// Post sends the snapshot to the ERP. If a prior attempt for this document
// is still open, Post reconciles it instead of sending a new key; if the
// latest attempt already acked, the stored outcome is returned without a
// wire call.
func (g *Gateway) Post(ctx context.Context, q db.Querier, snap Snapshot) (Outcome, error) {
	last, err := g.attempts.Latest(ctx, q, snap.DocumentID)
	switch {
	case err == nil && last.Outcome == AttemptAcked:
		return Outcome{Status: StatusAcked, ExternalRef: last.ExternalRef}, nil
	case err == nil && last.Open():
		return g.resolve(ctx, q, snap, last)
	case err != nil && !errors.Is(err, ErrNoAttempt):
		return Outcome{}, err
	}

	key := IdempotencyKey(snap.DocumentID, snap.Version)
	return g.send(ctx, q, snap, key)
}

// Reconcile resolves the latest open attempt for a document using its
// stored idempotency key. Already-resolved attempts are returned as-is so
// the reconciliation job is idempotent.
func (g *Gateway) Reconcile(ctx context.Context, q db.Querier, snap Snapshot) (Outcome, error) {
	last, err := g.attempts.Latest(ctx, q, snap.DocumentID)
	if err != nil {
		return Outcome{}, err
	}
	switch last.Outcome {
	case AttemptAcked:
		return Outcome{Status: StatusAcked, ExternalRef: last.ExternalRef}, nil
	case AttemptFailed:
		return Outcome{Status: StatusFailed, Reason: last.Reason}, nil
	}
	return g.resolve(ctx, q, snap, last)
}

// OpenAttempt reports whether the document's latest attempt is still
// unresolved. Callers use it to refuse actions that would abandon a document
// whose remote outcome is unknown.
func (g *Gateway) OpenAttempt(ctx context.Context, q db.Querier, documentID uuid.UUID) (bool, error) {
	last, err := g.attempts.Latest(ctx, q, documentID)
	if errors.Is(err, ErrNoAttempt) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return last.Open(), nil
}

// Attempts lists the audit trail for a document.
func (g *Gateway) Attempts(ctx context.Context, documentID uuid.UUID) ([]Attempt, error) {
	return g.attempts.ListForDocument(ctx, documentID)
}

// resolve asks the ERP what happened to an open attempt's key. Only a
// confirmed not-found permits a fresh send, and then with the same key.
func (g *Gateway) resolve(ctx context.Context, q db.Querier, snap Snapshot, open Attempt) (Outcome, error) {
	lookup, err := g.client.Lookup(ctx, open.IdempotencyKey)
	if err != nil {
		g.logger.Warn("erpsync lookup failed", slog.String("document_id", snap.DocumentID.String()), slog.Any("error", err))
		return Outcome{Status: StatusAmbiguous, Reason: err.Error()}, nil
	}
	if lookup.Found {
		switch normalizeStatus(lookup.Status) {
		case StatusAcked:
			if err := g.attempts.MarkOutcome(ctx, q, open.ID, AttemptAcked, lookup.ExternalRef, ""); err != nil {
				return Outcome{}, err
			}
			return Outcome{Status: StatusAcked, ExternalRef: lookup.ExternalRef}, nil
		case StatusFailed:
			if err := g.attempts.MarkOutcome(ctx, q, open.ID, AttemptFailed, "", lookup.Reason); err != nil {
				return Outcome{}, err
			}
			return Outcome{Status: StatusFailed, Reason: lookup.Reason}, nil
		}
		return Outcome{Status: StatusAmbiguous, Reason: "unrecognised lookup status " + lookup.Status}, nil
	}
	// The key never reached the ERP: the prior attempt is definitively
	// lost, so resending the same key cannot double-post.
	if err := g.attempts.MarkOutcome(ctx, q, open.ID, AttemptFailed, "", "not received by connector"); err != nil {
		return Outcome{}, err
	}
	return g.send(ctx, q, snap, open.IdempotencyKey)
}

// send records a pending attempt, then makes the wire call. The attempt row
// is written first so a crash mid-call is recoverable by reconciliation.
func (g *Gateway) send(ctx context.Context, q db.Querier, snap Snapshot, key string) (Outcome, error) {
	req := PostRequest{IdempotencyKey: key, Document: snap}
	attempt := Attempt{
		ID:             uuid.New(),
		DocumentID:     snap.DocumentID,
		IdempotencyKey: key,
		PayloadHash:    payloadHash(req),
		Outcome:        AttemptPending,
	}
	if err := g.attempts.Insert(ctx, q, attempt); err != nil {
		return Outcome{}, err
	}

	resp, err := g.client.Post(ctx, req)
	if err != nil {
		// Timeout or transport failure: remote state unknown. Never treat
		// as failed, never release the key.
		if markErr := g.attempts.MarkOutcome(ctx, q, attempt.ID, AttemptAmbiguous, "", err.Error()); markErr != nil {
			return Outcome{}, markErr
		}
		return Outcome{Status: StatusAmbiguous, Reason: err.Error()}, nil
	}

	switch normalizeStatus(resp.Status) {
	case StatusAcked:
		if resp.ExternalRef == "" {
			break
		}
		if err := g.attempts.MarkOutcome(ctx, q, attempt.ID, AttemptAcked, resp.ExternalRef, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusAcked, ExternalRef: resp.ExternalRef}, nil
	case StatusFailed:
		if err := g.attempts.MarkOutcome(ctx, q, attempt.ID, AttemptFailed, "", resp.Reason); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusFailed, Reason: resp.Reason}, nil
	}
	// Any response outside the known shapes counts as ambiguous.
	if err := g.attempts.MarkOutcome(ctx, q, attempt.ID, AttemptAmbiguous, "", "unrecognised response"); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusAmbiguous, Reason: "unrecognised response status " + resp.Status}, nil
}

func normalizeStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACKED", "ACK", "OK", "ACCEPTED":
		return StatusAcked
	case "REJECTED", "FAILED":
		return StatusFailed
	}
	return StatusAmbiguous
}

func payloadHash(req PostRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
