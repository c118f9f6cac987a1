package auth

import (
	"crypto/subtle"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash stored in config for key.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty api key")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckAPIKey compares key against a bcrypt hash.
func CheckAPIKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// KeyChecker caches the last accepted key so bcrypt runs once per distinct key.
type KeyChecker struct {
	hash string

	mu       sync.Mutex
	accepted []byte
}

func NewKeyChecker(hash string) *KeyChecker {
	return &KeyChecker{hash: hash}
}

func (k *KeyChecker) Check(key string) bool {
	if k == nil || k.hash == "" {
		return false
	}
	k.mu.Lock()
	acc := k.accepted
	k.mu.Unlock()
	if acc != nil && subtle.ConstantTimeCompare(acc, []byte(key)) == 1 {
		return true
	}
	if !CheckAPIKey(k.hash, key) {
		return false
	}
	k.mu.Lock()
	k.accepted = []byte(key)
	k.mu.Unlock()
	return true
}
