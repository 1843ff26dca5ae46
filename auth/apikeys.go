// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ledger"
)

// keyIDLength is the unhashed portion of the token used for lookup.
const keyIDLength = 8

// APIKeys issues and verifies api key tokens. Token material is the fixed
// prefix plus a 128-bit random value; only its hash persists in the
// ledger.
type APIKeys struct {
	log *zap.Logger
	db  *ledger.Ledger
}

// NewAPIKeys creates the api key service.
func NewAPIKeys(log *zap.Logger, db *ledger.Ledger) *APIKeys {
	return &APIKeys{log: log, db: db}
}

// Issue mints a new key. The returned token is shown once and never
// stored.
func (keys *APIKeys) Issue(ctx context.Context, name string, expiresAt *time.Time) (token string, _ *ledger.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, Error.Wrap(err)
	}

	token = APIKeyPrefix + hex.EncodeToString(secret)
	record := &ledger.APIKey{
		KeyID:       hex.EncodeToString(secret)[:keyIDLength],
		HashedToken: hashToken(token),
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	if err := keys.db.PutAPIKey(ctx, record); err != nil {
		return "", nil, err
	}
	return token, record, nil
}

// Verify checks a presented token and returns its record. A matched key
// has its last-used timestamp updated asynchronously.
func (keys *APIKeys) Verify(ctx context.Context, token string) (_ *ledger.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	secret := token[len(APIKeyPrefix):]
	if len(secret) < keyIDLength {
		return nil, relayerr.Unauthenticated.Wrap(Error.New("malformed api key"))
	}

	record, err := keys.db.GetAPIKey(ctx, secret[:keyIDLength])
	if err != nil {
		if relayerr.NotFound.Has(err) {
			return nil, relayerr.Unauthenticated.Wrap(Error.New("unknown api key"))
		}
		return nil, err
	}

	if record.Revoked {
		return nil, relayerr.Unauthenticated.Wrap(Error.New("api key revoked"))
	}
	if record.Expired(time.Now()) {
		return nil, relayerr.Unauthenticated.Wrap(Error.New("api key expired"))
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(record.HashedToken)) != 1 {
		return nil, relayerr.Unauthenticated.Wrap(Error.New("invalid api key"))
	}

	go keys.touch(record.KeyID)
	return record, nil
}

// touch updates the key's last-used timestamp outside the request path.
func (keys *APIKeys) touch(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := keys.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	record.LastUsedAt = &now
	if err := keys.db.PutAPIKey(ctx, record); err != nil {
		keys.log.Warn("failed to update api key last-used", zap.String("keyId", keyID), zap.Error(err))
	}
}

// Revoke marks the key revoked; the record stays for audit.
func (keys *APIKeys) Revoke(ctx context.Context, keyID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := keys.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return err
	}
	record.Revoked = true
	return keys.db.PutAPIKey(ctx, record)
}

// List returns all key records.
func (keys *APIKeys) List(ctx context.Context) (_ []*ledger.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)
	return keys.db.ListAPIKeys(ctx)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
