package model

import "time"

// APIKey is a user's exchange credential pair, encrypted at rest.
type APIKey struct {
	UserID             string    `json:"user_id"`
	EncryptedAccessKey string    `json:"encrypted_access_key"`
	EncryptedSecretKey string    `json:"encrypted_secret_key"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Credential holds decrypted keys (in-memory only)
type Credential struct {
	AccessKey string
	SecretKey string
}

// CredentialRequest stores or replaces a user's exchange keys
type CredentialRequest struct {
	AccessKey string `json:"access_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
}
