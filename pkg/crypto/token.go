package crypto

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки проверки токена подтверждения
var (
	ErrEmptyToken    = errors.New("confirmation token cannot be empty")
	ErrTokenMismatch = errors.New("confirmation token does not match")
	ErrInvalidHash   = errors.New("invalid token hash format")
)

// TokenVerifier - проверка токена подтверждения опасных операций
// (сброс аварийной остановки)
//
// Если задан bcrypt-хеш, токен сверяется с ним, иначе - точное
// совпадение с expected за постоянное время.
type TokenVerifier struct {
	expected string
	hash     string
}

// NewTokenVerifier создает проверку по точному токену и необязательному хешу
func NewTokenVerifier(expected, hash string) *TokenVerifier {
	return &TokenVerifier{
		expected: expected,
		hash:     strings.TrimSpace(hash),
	}
}

// Verify возвращает nil только при точном совпадении
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	if v.hash != "" {
		err := bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(token))
		if err == nil {
			return nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return ErrInvalidHash
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(v.expected)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

// HashToken хеширует токен для EMERGENCY_RESET_TOKEN_HASH
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
