// Package auth provides the admin API key hashing and verification used by
// the C14 HTTP admin routes.
package auth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAPIKey returns a cryptographically random, URL-safe 32-byte key,
// suitable for an operator to mint once and hash with HashPassword for
// config.Config.AdminAPIKeyHash.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashPassword returns a bcrypt hash of key, for storing in
// config.Config.AdminAPIKeyHash.
func HashPassword(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPasswordHash reports whether key matches the bcrypt hash.
func CheckPasswordHash(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
