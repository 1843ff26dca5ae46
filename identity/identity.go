// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package identity manages the relay's persistent signing keypair.
//
// The key file must survive restarts: pulses and deal proofs are keyed by
// it, and records signed by a lost key become unverifiable.
package identity

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/errs"
)

// Error is the default identity error class.
var Error = errs.Class("identity error")

// Config locates the key file.
type Config struct {
	KeyPath string `help:"path of the relay keypair file" default:"./relay_key.json"`
}

// FullIdentity is the relay's keypair and derived address.
type FullIdentity struct {
	Key     *ecdsa.PrivateKey
	Address string
}

type keyFile struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreate reads the keypair at path, generating and persisting a new
// one with 0600 permissions when the file does not exist.
func LoadOrCreate(path string) (*FullIdentity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var stored keyFile
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, Error.New("corrupt key file %s: %v", path, err)
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(stored.PrivateKey, "0x"))
		if err != nil {
			return nil, Error.New("corrupt key file %s: %v", path, err)
		}
		return &FullIdentity{
			Key:     key,
			Address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, Error.Wrap(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	identity := &FullIdentity{
		Key:     key,
		Address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}

	stored := keyFile{
		Address:    identity.Address,
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}
	encoded, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return nil, Error.Wrap(err)
	}
	return identity, nil
}

// ProofHash computes the keyed storage-proof hash over the given fields.
func (identity *FullIdentity) ProofHash(parts ...string) string {
	mac := hmac.New(sha256.New, crypto.FromECDSA(identity.Key))
	for _, part := range parts {
		mac.Write([]byte(part))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
