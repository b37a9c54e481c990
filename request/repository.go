package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/document"
)

var (
	// ErrNotFound is returned when no request row exists for the identifier.
	ErrNotFound = errors.New("request: not found")
	// ErrStaleTurn signals the conditional advance lost an optimistic race:
	// the turn pointer changed underneath the caller, who must re-fetch
	// status and retry with the corrected expectation.
	ErrStaleTurn = errors.New("request: stale turn, re-fetch status and retry")
	// ErrActiveRequestExists signals another non-cancelled request already
	// coordinates the same document.
	ErrActiveRequestExists = errors.New("request: document already has an active signing request")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// CreateParams enumerates the fields needed to open a signing request with
// its ordered signer list.
type CreateParams struct {
	DocumentID       string
	InitiatorID      string
	Description      string
	SignerIdentities []string
}

const requestColumns = `id, document_id, initiator_id, description, current_signer_index, status, created_at, completed_at`

func scanRequest(row pgx.Row) (SigningRequest, error) {
	var req SigningRequest
	err := row.Scan(
		&req.ID,
		&req.DocumentID,
		&req.InitiatorID,
		&req.Description,
		&req.CurrentSignerIndex,
		&req.Status,
		&req.CreatedAt,
		&req.CompletedAt,
	)
	return req, err
}

// Create inserts the request and its signer rows inside the caller's
// transaction. The partial unique index on active requests per document turns
// a lost creation race into ErrActiveRequestExists.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (SigningRequest, []RequiredSigner, error) {
	if params.DocumentID == "" {
		return SigningRequest{}, nil, fmt.Errorf("request: document id required")
	}
	if len(params.SignerIdentities) == 0 {
		return SigningRequest{}, nil, fmt.Errorf("request: at least one signer required")
	}

	const insertSQL = `
INSERT INTO signing_requests (document_id, initiator_id, description)
VALUES ($1, $2, $3)
RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, insertSQL, params.DocumentID, params.InitiatorID, params.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return SigningRequest{}, nil, ErrActiveRequestExists
		}
		return SigningRequest{}, nil, fmt.Errorf("request: insert: %w", err)
	}

	signers := make([]RequiredSigner, 0, len(params.SignerIdentities))
	const signerSQL = `
INSERT INTO required_signers (request_id, signer_identity, signing_order)
VALUES ($1, $2, $3)
RETURNING id, request_id, signer_identity, signing_order, status, signature, signed_at`

	for order, identity := range params.SignerIdentities {
		var s RequiredSigner
		err := tx.QueryRow(ctx, signerSQL, req.ID, identity, order).Scan(
			&s.ID, &s.RequestID, &s.SignerIdentity, &s.SigningOrder, &s.Status, &s.Signature, &s.SignedAt,
		)
		if err != nil {
			return SigningRequest{}, nil, fmt.Errorf("request: insert signer %d: %w", order, err)
		}
		signers = append(signers, s)
	}

	return req, signers, nil
}

// GetByID loads one request row.
func (r *Repository) GetByID(ctx context.Context, q document.Querier, id string) (SigningRequest, error) {
	req, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM signing_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningRequest{}, ErrNotFound
		}
		return SigningRequest{}, fmt.Errorf("request: get by id: %w", err)
	}
	return req, nil
}

// GetByDocumentID resolves the most recent non-cancelled request for a
// document, for the verification lookup path.
func (r *Repository) GetByDocumentID(ctx context.Context, q document.Querier, documentID string) (SigningRequest, error) {
	const query = `
SELECT ` + requestColumns + `
FROM signing_requests
WHERE document_id = $1 AND status <> 'cancelled'
ORDER BY created_at DESC
LIMIT 1`

	req, err := scanRequest(q.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningRequest{}, ErrNotFound
		}
		return SigningRequest{}, fmt.Errorf("request: get by document: %w", err)
	}
	return req, nil
}

// ListSigners returns a request's signers ordered by signing order.
func (r *Repository) ListSigners(ctx context.Context, q document.Querier, requestID string) ([]RequiredSigner, error) {
	const query = `
SELECT id, request_id, signer_identity, signing_order, status, signature, signed_at
FROM required_signers
WHERE request_id = $1
ORDER BY signing_order`

	rows, err := q.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list signers: %w", err)
	}
	defer rows.Close()

	var signers []RequiredSigner
	for rows.Next() {
		var s RequiredSigner
		if err := rows.Scan(&s.ID, &s.RequestID, &s.SignerIdentity, &s.SigningOrder, &s.Status, &s.Signature, &s.SignedAt); err != nil {
			return nil, fmt.Errorf("request: scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate signers: %w", err)
	}
	return signers, nil
}

// ListByInitiator returns the requests a user opened, newest first.
func (r *Repository) ListByInitiator(ctx context.Context, q document.Querier, initiatorID string) ([]SigningRequest, error) {
	return r.list(ctx, q, `SELECT `+requestColumns+` FROM signing_requests WHERE initiator_id = $1 ORDER BY created_at DESC`, initiatorID)
}

// ListBySigner returns the requests that include the identity as a signer,
// newest first.
func (r *Repository) ListBySigner(ctx context.Context, q document.Querier, identity string) ([]SigningRequest, error) {
	const query = `
SELECT ` + requestColumns + `
FROM signing_requests sr
WHERE EXISTS (
    SELECT 1 FROM required_signers rs
    WHERE rs.request_id = sr.id AND rs.signer_identity = $1
)
ORDER BY created_at DESC`
	return r.list(ctx, q, query, identity)
}

func (r *Repository) list(ctx context.Context, q document.Querier, query string, args ...any) ([]SigningRequest, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("request: list: %w", err)
	}
	defer rows.Close()

	var out []SigningRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate: %w", err)
	}
	return out, nil
}

// RecordSignatureParams enumerates the combined mark-signed-and-advance
// update. ExpectedIndex is the turn pointer the caller observed; the update
// commits only if it still holds.
type RecordSignatureParams struct {
	RequestID string
	SignerID  string
	Signature []byte

	ExpectedIndex int
	NextIndex     int
	Complete      bool
}

// RecordSignature marks the signer signed and advances the turn pointer (or
// completes the request) as one atomic unit inside the caller's transaction.
// Both updates are conditioned on the expected prior state, so a concurrent
// duplicate submission leaves exactly one winner; losers get ErrStaleTurn.
func (r *Repository) RecordSignature(ctx context.Context, tx pgx.Tx, params RecordSignatureParams) (*time.Time, error) {
	const signerSQL = `
UPDATE required_signers
SET status = 'signed',
    signature = $1,
    signed_at = now()
WHERE id = $2 AND status = 'pending'`

	tag, err := tx.Exec(ctx, signerSQL, params.Signature, params.SignerID)
	if err != nil {
		return nil, fmt.Errorf("request: mark signer signed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleTurn
	}

	if params.Complete {
		const completeSQL = `
UPDATE signing_requests
SET current_signer_index = $1,
    status = 'completed',
    completed_at = now()
WHERE id = $2 AND current_signer_index = $3 AND status = 'pending'
RETURNING completed_at`

		var completedAt time.Time
		err := tx.QueryRow(ctx, completeSQL, params.NextIndex, params.RequestID, params.ExpectedIndex).Scan(&completedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrStaleTurn
			}
			return nil, fmt.Errorf("request: complete: %w", err)
		}
		return &completedAt, nil
	}

	const advanceSQL = `
UPDATE signing_requests
SET current_signer_index = $1
WHERE id = $2 AND current_signer_index = $3 AND status = 'pending'`

	tag, err = tx.Exec(ctx, advanceSQL, params.NextIndex, params.RequestID, params.ExpectedIndex)
	if err != nil {
		return nil, fmt.Errorf("request: advance turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleTurn
	}
	return nil, nil
}

// Cancel transitions a pending request to cancelled inside the caller's
// transaction. Terminal states are left untouched.
func (r *Repository) Cancel(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE signing_requests SET status = 'cancelled' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("request: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueueOutbox appends a transactional outbox message for downstream
// delivery in the same transaction as the state change it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("request: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("request: enqueue outbox: %w", err)
	}
	return nil
}
