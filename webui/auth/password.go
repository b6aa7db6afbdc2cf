// Package auth protects the control API with a single bcrypt-hashed password
// checked through HTTP Basic authentication.
package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt cost used when hashing a configured password.
	DefaultCost = 12

	// MinCost is the lowest cost a supplied hash may use.
	MinCost = 10
)

var (
	ErrEmptyPassword    = errors.New("auth: password cannot be empty")
	ErrPasswordMismatch = errors.New("auth: password does not match")
	ErrInvalidHash      = errors.New("auth: invalid password hash")
	ErrCostTooLow       = errors.New("auth: hash cost is below the minimum")
)

// HashPassword returns the bcrypt hash of password at DefaultCost.
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, DefaultCost)
}

// HashPasswordWithCost hashes with an explicit cost. Tests use bcrypt.MinCost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares password with hash.
func VerifyPassword(password, hash string) error {
	if password == "" {
		return ErrPasswordMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrPasswordMismatch
	default:
		return ErrInvalidHash
	}
}

// IsHash reports whether s looks like a bcrypt hash rather than a plaintext
// password.
func IsHash(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// ResolveHash accepts either a plaintext password, which is hashed, or an
// existing bcrypt hash, which must use at least MinCost.
func ResolveHash(configured string) (string, error) {
	if !IsHash(configured) {
		return HashPassword(configured)
	}
	cost, err := bcrypt.Cost([]byte(configured))
	if err != nil {
		return "", ErrInvalidHash
	}
	if cost < MinCost {
		return "", ErrCostTooLow
	}
	return configured, nil
}
