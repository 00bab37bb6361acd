package crypto

import (
	"golang.org/x/crypto/bcrypt"
)

// TokenCost is the bcrypt cost for hashing ops tokens
const TokenCost = 12

// HashToken hashes a shared secret with bcrypt
func HashToken(token string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckToken compares a presented secret with its bcrypt hash
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
