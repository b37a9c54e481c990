package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no document row matches the lookup.
	ErrNotFound = errors.New("document: not found")
	// ErrArtifactAlreadySet guards the set-once semantics of the signed
	// artifact fields.
	ErrArtifactAlreadySet = errors.New("document: artifact already recorded")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so repository methods
// can run standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertParams enumerates the fields required to persist a fresh upload.
type InsertParams struct {
	StorageKey   string
	OriginalHash ContentHash
	UploaderID   string
}

const documentColumns = `id, storage_key, original_hash, signed_hash, artifact_key, status, uploader_id, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var (
		doc        Document
		signedHash *string
	)
	err := row.Scan(
		&doc.ID,
		&doc.StorageKey,
		&doc.OriginalHash,
		&signedHash,
		&doc.ArtifactKey,
		&doc.Status,
		&doc.UploaderID,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if signedHash != nil {
		h := ContentHash(*signedHash)
		doc.SignedHash = &h
	}
	return doc, nil
}

// Insert persists a new uploaded document.
func (r *Repository) Insert(ctx context.Context, q Querier, params InsertParams) (Document, error) {
	if params.StorageKey == "" {
		return Document{}, fmt.Errorf("document: storage key required")
	}
	if params.OriginalHash == "" {
		return Document{}, fmt.Errorf("document: original hash required")
	}

	const insertSQL = `
INSERT INTO documents (storage_key, original_hash, status, uploader_id)
VALUES ($1, $2, 'uploaded', $3)
RETURNING ` + documentColumns

	doc, err := scanDocument(q.QueryRow(ctx, insertSQL, params.StorageKey, params.OriginalHash, params.UploaderID))
	if err != nil {
		return Document{}, fmt.Errorf("document: insert: %w", err)
	}
	return doc, nil
}

// GetByID loads one document row.
func (r *Repository) GetByID(ctx context.Context, q Querier, id string) (Document, error) {
	doc, err := scanDocument(q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: get by id: %w", err)
	}
	return doc, nil
}

// LatestByOriginalHash returns the most recent document sharing the given
// original content hash, for the duplicate guard.
func (r *Repository) LatestByOriginalHash(ctx context.Context, q Querier, hash ContentHash) (Document, error) {
	const query = `
SELECT ` + documentColumns + `
FROM documents
WHERE original_hash = $1
ORDER BY created_at DESC
LIMIT 1`

	doc, err := scanDocument(q.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: latest by hash: %w", err)
	}
	return doc, nil
}

// FindByEitherHash resolves a document whose original or signed hash matches
// the submitted bytes' hash. Users may submit either version, so both fields
// are checked.
func (r *Repository) FindByEitherHash(ctx context.Context, q Querier, hash ContentHash) (Document, error) {
	const query = `
SELECT ` + documentColumns + `
FROM documents
WHERE original_hash = $1 OR signed_hash = $1
ORDER BY created_at DESC
LIMIT 1`

	doc, err := scanDocument(q.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: find by hash: %w", err)
	}
	return doc, nil
}

// SetStatus mirrors the owning request's lifecycle onto the document row.
func (r *Repository) SetStatus(ctx context.Context, q Querier, id string, status Status) error {
	tag, err := q.Exec(ctx, `UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("document: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetArtifact records the assembled artifact's storage key and signed hash in
// one update. The signed_hash IS NULL condition enforces set-once semantics.
func (r *Repository) SetArtifact(ctx context.Context, q Querier, id string, artifactKey string, signedHash ContentHash) error {
	const updateSQL = `
UPDATE documents
SET signed_hash = $1,
    artifact_key = $2,
    status = 'completed',
    updated_at = now()
WHERE id = $3 AND signed_hash IS NULL`

	tag, err := q.Exec(ctx, updateSQL, signedHash, artifactKey, id)
	if err != nil {
		return fmt.Errorf("document: set artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrArtifactAlreadySet
	}
	return nil
}
