// Package vault encrypts each user's upstream API credential at rest.
//
// A single operator-supplied master secret is stretched once at startup with
// PBKDF2-HMAC-SHA256 into a 256-bit AES key held only in memory. Every Put
// seals the credential with AES-256-GCM under a fresh 96-bit random IV;
// ciphertext, IV and GCM tag are stored as separate columns. Writes are
// serialized per user so concurrent logins for the same user cannot race.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/types"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyIterations is the PBKDF2 iteration count for master key stretching.
	keyIterations = 150_000

	// keyLength is the derived AES key size in bytes (AES-256).
	keyLength = 32

	// nonceLength is the GCM IV size in bytes (96 bits).
	nonceLength = 12

	// tagLength is the GCM authentication tag size in bytes.
	tagLength = 16
)

// keySalt is the fixed application-level salt for key derivation. The master
// secret itself is the only confidential input.
var keySalt = []byte("tasknexus-mcp-bridge/credential-vault/v1")

// ErrNotFound means the user never completed a login: no credential row
// exists. Callers must treat this as "not authenticated", not as corruption.
var ErrNotFound = errors.New("credential not found")

// ErrIntegrity means stored ciphertext failed GCM authentication: the row was
// tampered with or the master secret changed without migration. This is never
// downgraded to a not-found condition.
var ErrIntegrity = errors.New("credential integrity check failed")

// CredentialStore is the persistence the vault needs; *db.Store satisfies it.
type CredentialStore interface {
	SaveCredential(cred *types.UserCredential) error
	GetCredential(userID string) (*types.UserCredential, error)
	DeleteCredential(userID string) error
	HasCredential(userID string) (bool, error)
}

// Vault encrypts and decrypts per-user upstream credentials.
type Vault struct {
	store CredentialStore
	aead  cipher.AEAD
	log   *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-user write serialization
}

// New derives the encryption key from the master secret and returns a ready
// vault. The derived key is never persisted.
func New(masterSecret string, store CredentialStore, log *logrus.Logger) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret must not be empty")
	}
	key := pbkdf2.Key([]byte(masterSecret), keySalt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Vault{
		store: store,
		aead:  aead,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// userLock returns the mutex serializing writes for one user.
func (v *Vault) userLock(userID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[userID] = lock
	}
	return lock
}

// Put encrypts plaintext under a fresh random IV and upserts the user's row.
// Concurrent Puts for the same user are serialized.
func (v *Vault) Put(userID, plaintext string) error {
	if userID == "" {
		return errors.New("user ID must not be empty")
	}
	lock := v.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), []byte(userID))
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	cred := &types.UserCredential{
		UserID:     userID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}
	if err := v.store.SaveCredential(cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get decrypts and returns the user's credential. An absent row yields
// ErrNotFound; a failed authentication tag yields ErrIntegrity, which the
// caller must surface loudly rather than swallow.
func (v *Vault) Get(userID string) (string, error) {
	cred, err := v.store.GetCredential(userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("%w: user %q", ErrNotFound, userID)
		}
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cred.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrIntegrity)
	}
	nonce, err := base64.StdEncoding.DecodeString(cred.IV)
	if err != nil {
		return "", fmt.Errorf("%w: malformed IV", ErrIntegrity)
	}
	tag, err := base64.StdEncoding.DecodeString(cred.AuthTag)
	if err != nil {
		return "", fmt.Errorf("%w: malformed auth tag", ErrIntegrity)
	}
	if len(nonce) != nonceLength || len(tag) != tagLength {
		return "", fmt.Errorf("%w: unexpected IV or tag length", ErrIntegrity)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := v.aead.Open(nil, nonce, sealed, []byte(userID))
	if err != nil {
		v.log.WithField("user_id", userID).Error("credential failed GCM authentication")
		return "", fmt.Errorf("%w: user %q", ErrIntegrity, userID)
	}
	return string(plaintext), nil
}

// Delete removes the user's credential row.
func (v *Vault) Delete(userID string) error {
	lock := v.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return v.store.DeleteCredential(userID)
}

// Exists reports whether a credential is stored for the user.
func (v *Vault) Exists(userID string) bool {
	ok, err := v.store.HasCredential(userID)
	if err != nil {
		v.log.WithField("user_id", userID).WithError(err).Error("failed to check credential existence")
		return false
	}
	return ok
}
