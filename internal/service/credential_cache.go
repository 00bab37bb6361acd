package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/model"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/repository"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/crypto"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// DefaultCredentialTTL bounds how long decrypted keys stay in memory.
const DefaultCredentialTTL = 5 * time.Minute

type cachedCredential struct {
	cred      model.Credential
	expiresAt time.Time
}

// CredentialCache resolves decrypted exchange keys per user.
type CredentialCache struct {
	repo      *repository.APIKeyRepository
	encryptor *crypto.Encryptor
	ttl       time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]cachedCredential
	loads   int
	changed []func(userID string)
}

func NewCredentialCache(repo *repository.APIKeyRepository, encryptor *crypto.Encryptor, ttl time.Duration) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &CredentialCache{
		repo:      repo,
		encryptor: encryptor,
		ttl:       ttl,
		log:       logger.GetLogger().Component("credentials"),
		now:       time.Now,
		entries:   make(map[string]cachedCredential),
	}
}

// Get returns the user's keys, decrypting from the store on a miss.
// A user without keys yields util.ErrCredentialsMissing.
func (c *CredentialCache) Get(ctx context.Context, userID string) (model.Credential, error) {
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok && c.now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.cred, nil
	}
	c.mu.Unlock()

	apiKey, err := c.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return model.Credential{}, util.ErrCredentialsMissing
		}
		return model.Credential{}, fmt.Errorf("load api key for %s: %w", userID, err)
	}
	access, err := c.encryptor.Decrypt(apiKey.EncryptedAccessKey)
	if err != nil {
		return model.Credential{}, fmt.Errorf("decrypt access key for %s: %w", userID, err)
	}
	secret, err := c.encryptor.Decrypt(apiKey.EncryptedSecretKey)
	if err != nil {
		return model.Credential{}, fmt.Errorf("decrypt secret key for %s: %w", userID, err)
	}
	cred := model.Credential{AccessKey: access, SecretKey: secret}

	c.mu.Lock()
	c.entries[userID] = cachedCredential{cred: cred, expiresAt: c.now().Add(c.ttl)}
	c.loads++
	c.mu.Unlock()
	return cred, nil
}

// Store encrypts and saves a key pair, evicting any cached copy.
func (c *CredentialCache) Store(ctx context.Context, userID, accessKey, secretKey string) error {
	accessKey = strings.TrimSpace(accessKey)
	secretKey = strings.TrimSpace(secretKey)
	if accessKey == "" || secretKey == "" {
		return util.ErrBadRequest("access key and secret key are required")
	}

	encAccess, err := c.encryptor.Encrypt(accessKey)
	if err != nil {
		return fmt.Errorf("encrypt access key: %w", err)
	}
	encSecret, err := c.encryptor.Encrypt(secretKey)
	if err != nil {
		return fmt.Errorf("encrypt secret key: %w", err)
	}
	if err := c.repo.Save(ctx, &model.APIKey{
		UserID:             userID,
		EncryptedAccessKey: encAccess,
		EncryptedSecretKey: encSecret,
	}); err != nil {
		return err
	}
	c.Invalidate(userID)
	c.log.Infof("Stored API key for user %s", userID)
	return nil
}

// OnChange registers a hook run after a user's keys are stored or
// rotated, for holders of long-lived authenticated connections.
func (c *CredentialCache) OnChange(h func(userID string)) {
	c.mu.Lock()
	c.changed = append(c.changed, h)
	c.mu.Unlock()
}

// Invalidate evicts a user after credential rotation.
func (c *CredentialCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	hooks := c.changed
	c.mu.Unlock()
	for _, h := range hooks {
		h(userID)
	}
}
