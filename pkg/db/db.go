package db

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tasknexus/mcp-bridge/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrConsumed is returned when an authorization code or refresh token has
// already been spent. Exactly-once consumption is enforced by the delete
// inside a transaction, so a concurrent second exchange always gets this.
var ErrConsumed = errors.New("grant already consumed")

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = gorm.ErrRecordNotFound

// Store owns the client, pending-authorization, code, token and credential
// tables. All other components go through its methods; none touch the
// underlying tables directly.
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
	log    *logrus.Logger
}

// New opens the backing database and migrates the schema. An empty DSN uses
// SQLite at data/bridge.db; a postgres:// DSN uses PostgreSQL; anything else
// is treated as a SQLite file path.
func New(dsn string, log *logrus.Logger) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "bridge.db")), gormConfig)
		dbType = "sqlite"
	} else if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: gormDB, dbType: dbType, log: log}
	if err := store.db.AutoMigrate(
		&types.ClientInfo{},
		&types.PendingAuthorization{},
		&types.AuthorizationCode{},
		&types.TokenData{},
		&types.UserCredential{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return store, nil
}

// hashToken hashes a token or code for storage so a leaked table never yields
// usable bearer values.
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// --- Clients ---

// StoreClient persists a registered client.
func (s *Store) StoreClient(client *types.ClientInfo) error {
	return s.db.Create(client).Error
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(clientID string) (*types.ClientInfo, error) {
	var client types.ClientInfo
	if err := s.db.First(&client, "client_id = ?", clientID).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

// --- Pending authorizations ---

// StorePendingAuth persists a pending authorization awaiting login.
func (s *Store) StorePendingAuth(p *types.PendingAuthorization) error {
	return s.db.Create(p).Error
}

// GetPendingAuth retrieves a live pending authorization. Expired entries are
// treated as not found; the cleanup sweep removes the rows.
func (s *Store) GetPendingAuth(pendingID string) (*types.PendingAuthorization, error) {
	var p types.PendingAuthorization
	err := s.db.First(&p, "pending_id = ? AND expires_at > ?", pendingID, time.Now()).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePendingAuth removes a pending authorization once login completes.
func (s *Store) DeletePendingAuth(pendingID string) error {
	return s.db.Delete(&types.PendingAuthorization{}, "pending_id = ?", pendingID).Error
}

// --- Authorization codes ---

// StoreAuthCode persists an authorization code. Only the hash of the raw code
// is stored.
func (s *Store) StoreAuthCode(rawCode string, code *types.AuthorizationCode) error {
	stored := *code
	stored.Code = hashToken(rawCode)
	return s.db.Create(&stored).Error
}

// ConsumeAuthCode atomically deletes and returns an authorization code. The
// delete runs before any caller-side validation, so a concurrent second
// exchange of the same code fails with ErrConsumed regardless of interleaving.
func (s *Store) ConsumeAuthCode(rawCode string) (*types.AuthorizationCode, error) {
	hashed := hashToken(rawCode)
	var code types.AuthorizationCode
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&code, "code = ? AND expires_at > ?", hashed, time.Now()).Error; err != nil {
			return err
		}
		res := tx.Delete(&types.AuthorizationCode{}, "code = ?", hashed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConsumed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// --- Tokens ---

// StoreToken persists an access/refresh token pair. Both values are hashed
// before they hit the table. A zero refresh expiry defaults to 30 days.
func (s *Store) StoreToken(data *types.TokenData) error {
	stored := *data
	stored.AccessToken = hashToken(data.AccessToken)
	stored.RefreshToken = hashToken(data.RefreshToken)
	if stored.RefreshTokenExpiresAt.IsZero() {
		stored.RefreshTokenExpiresAt = time.Now().Add(30 * 24 * time.Hour)
	}
	return s.db.Create(&stored).Error
}

// GetToken retrieves a token record by raw access token. Expiry is the
// caller's concern: an expired row is still returned so the verifier can
// delete it and report "expired" rather than "unknown".
func (s *Store) GetToken(rawAccessToken string) (*types.TokenData, error) {
	var data types.TokenData
	err := s.db.First(&data, "access_token = ?", hashToken(rawAccessToken)).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// DeleteAccessToken removes a token row by raw access token.
func (s *Store) DeleteAccessToken(rawAccessToken string) error {
	return s.db.Delete(&types.TokenData{}, "access_token = ?", hashToken(rawAccessToken)).Error
}

// GetTokenByRefreshToken retrieves a token record by raw refresh token,
// excluding expired refresh tokens.
func (s *Store) GetTokenByRefreshToken(rawRefreshToken string) (*types.TokenData, error) {
	var data types.TokenData
	err := s.db.First(&data,
		"refresh_token = ? AND refresh_token_expires_at > ?",
		hashToken(rawRefreshToken), time.Now()).Error
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// RotateRefreshToken deletes the spent refresh token's row and inserts the
// replacement pair in one transaction. Deleting zero rows means another
// exchange won the race (or the token was already rotated) and the caller
// must fail the grant: a refresh token is never usable twice.
func (s *Store) RotateRefreshToken(rawOldRefreshToken string, next *types.TokenData) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&types.TokenData{}, "refresh_token = ?", hashToken(rawOldRefreshToken))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConsumed
		}
		stored := *next
		stored.AccessToken = hashToken(next.AccessToken)
		stored.RefreshToken = hashToken(next.RefreshToken)
		if stored.RefreshTokenExpiresAt.IsZero() {
			stored.RefreshTokenExpiresAt = time.Now().Add(30 * 24 * time.Hour)
		}
		return tx.Create(&stored).Error
	})
}

// RevokeToken removes the row containing the given raw token, whether it is
// an access or a refresh token. Revoking an unknown token is a no-op.
func (s *Store) RevokeToken(rawToken string) error {
	hashed := hashToken(rawToken)
	res := s.db.Delete(&types.TokenData{}, "access_token = ?", hashed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.db.Delete(&types.TokenData{}, "refresh_token = ?", hashed).Error
}

// --- User credentials ---

// SaveCredential inserts or replaces a user's encrypted credential row.
// Callers serialize writes per user; see the vault.
func (s *Store) SaveCredential(cred *types.UserCredential) error {
	return s.db.Save(cred).Error
}

// GetCredential retrieves a user's encrypted credential row.
func (s *Store) GetCredential(userID string) (*types.UserCredential, error) {
	var cred types.UserCredential
	if err := s.db.First(&cred, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteCredential removes a user's credential row.
func (s *Store) DeleteCredential(userID string) error {
	return s.db.Delete(&types.UserCredential{}, "user_id = ?", userID).Error
}

// HasCredential reports whether a credential row exists for the user.
func (s *Store) HasCredential(userID string) (bool, error) {
	var count int64
	err := s.db.Model(&types.UserCredential{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

// --- Maintenance ---

// CleanupExpired removes expired authorization codes, pending authorizations
// and fully-expired token pairs.
func (s *Store) CleanupExpired() error {
	now := time.Now()

	res := s.db.Where("expires_at < ?", now).Delete(&types.AuthorizationCode{})
	if res.Error != nil {
		return fmt.Errorf("failed to cleanup expired authorization codes: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.WithField("rows", res.RowsAffected).Debug("deleted expired authorization codes")
	}

	res = s.db.Where("expires_at < ?", now).Delete(&types.PendingAuthorization{})
	if res.Error != nil {
		return fmt.Errorf("failed to cleanup expired pending authorizations: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.WithField("rows", res.RowsAffected).Debug("deleted expired pending authorizations")
	}

	res = s.db.Where("expires_at < ? AND refresh_token_expires_at < ?", now, now).Delete(&types.TokenData{})
	if res.Error != nil {
		return fmt.Errorf("failed to cleanup expired tokens: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.WithField("rows", res.RowsAffected).Debug("deleted expired tokens")
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
