package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const apiKeyPrefix = "obc_"

// GenerateAPIKey returns a new key and the hash to put in the config.
// Format: obc_<64 hex chars>
func GenerateAPIKey() (key, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	key = apiKeyPrefix + hex.EncodeToString(secret)
	return key, HashAPIKey(key), nil
}

// HashAPIKey hashes a key for storage
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsAPIKey checks if token has the API key shape.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, apiKeyPrefix) && len(token) == len(apiKeyPrefix)+64
}
