package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
	// ErrDuplicatePublicKey signals the public key is already bound to
	// another account.
	ErrDuplicatePublicKey = errors.New("auth: public key already registered")
)

// Repository handles data access for signer accounts.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, accountID string) (Account, error)
	GetAccountByPublicKey(ctx context.Context, publicKey string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	FullName     string
	PasswordHash string
	PublicKey    string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed account repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, email, full_name, password_hash, public_key, created_at`

// CreateAccount inserts a new signer account with hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO signers (email, full_name, password_hash, public_key)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.PublicKey))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "public_key") {
				return Account{}, ErrDuplicatePublicKey
			}
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return account, nil
}

// GetAccountByEmail retrieves an account by email address.
func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return r.getBy(ctx, "email", email)
}

// GetAccountByID retrieves an account by ID.
func (r *PGRepository) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	return r.getBy(ctx, "id", accountID)
}

// GetAccountByPublicKey retrieves the account bound to a signing identity.
func (r *PGRepository) GetAccountByPublicKey(ctx context.Context, publicKey string) (Account, error) {
	return r.getBy(ctx, "public_key", publicKey)
}

func (r *PGRepository) getBy(ctx context.Context, column, value string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM signers WHERE ` + column + ` = $1`

	account, err := scanAccount(r.pool.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by %s: %w", column, err)
	}

	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.FullName,
		&account.PasswordHash,
		&account.PublicKey,
		&account.CreatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
