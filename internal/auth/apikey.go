package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey produces the bcrypt hash stored in the server config as http.admin_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

func CheckAPIKey(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
