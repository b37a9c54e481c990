package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"signflow/signature"
)

func testPublicKey(t *testing.T) string {
	t.Helper()
	priv, err := signature.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signature.Identity(priv)
}

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:     "alice@example.com",
		Password:  "supersafe",
		FullName:  "Alice Signer",
		PublicKey: testPublicKey(t),
	}

	ctx := context.Background()
	account, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if account.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, account.Email)
	}
	if account.PublicKey != req.PublicKey {
		t.Fatalf("register: expected public key to be stored verbatim")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Account.ID != account.ID {
		t.Fatalf("login: expected account id %q got %q", account.ID, resp.Account.ID)
	}

	tokenAccountID, tokenIdentity, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenAccountID != account.ID {
		t.Fatalf("verify token: expected %q got %q", account.ID, tokenAccountID)
	}
	if tokenIdentity != req.PublicKey {
		t.Fatal("verify token: expected the registered signing identity")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	key := testPublicKey(t)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "alice@example.com",
		Password:  "short",
		FullName:  "Alice Signer",
		PublicKey: key,
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "",
		Password:  "strongpassword",
		FullName:  "",
		PublicKey: key,
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "alice@example.com",
		Password:  "strongpassword",
		FullName:  "Alice Signer",
		PublicKey: "not-a-curve-point",
	}); err == nil {
		t.Fatal("expected validation error for malformed public key")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:     "alice@example.com",
		Password:  "strongpassword",
		FullName:  "Alice Signer",
		PublicKey: testPublicKey(t),
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	req.PublicKey = testPublicKey(t)
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_DuplicatePublicKey(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	key := testPublicKey(t)

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "alice@example.com",
		Password:  "strongpassword",
		FullName:  "Alice Signer",
		PublicKey: key,
	}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:     "bob@example.com",
		Password:  "strongpassword",
		FullName:  "Bob Signer",
		PublicKey: key,
	})
	if !errors.Is(err, ErrDuplicatePublicKey) {
		t.Fatalf("expected ErrDuplicatePublicKey, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Account
	byID    map[string]Account
	byKey   map[string]Account
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Account),
		byID:    make(map[string]Account),
		byKey:   make(map[string]Account),
		nextID:  1,
	}
}

func (f *fakeRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Account{}, ErrDuplicateEmail
	}
	if _, exists := f.byKey[params.PublicKey]; exists {
		return Account{}, ErrDuplicatePublicKey
	}

	id := fmt.Sprintf("account-%d", f.nextID)
	f.nextID++

	account := Account{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		PublicKey:    params.PublicKey,
		CreatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(account.Email)] = account
	f.byID[account.ID] = account
	f.byKey[account.PublicKey] = account

	return account, nil
}

func (f *fakeRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	account, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeRepository) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	account, ok := f.byID[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeRepository) GetAccountByPublicKey(ctx context.Context, publicKey string) (Account, error) {
	account, ok := f.byKey[publicKey]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
