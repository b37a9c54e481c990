package auth

import "time"

// Account is the domain representation of a registered signer. PublicKey is
// the encoded ECDSA verification key and doubles as the identity named in
// signing requests. No JSON annotations so it can be reused by different
// presentation layers.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	PublicKey    string
	CreatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	PublicKey string `json:"public_key"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
