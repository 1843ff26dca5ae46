// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/shogun-labs/relay/internal/relayerr"
)

// ChallengeMessage is the literal string wallets sign to prove ownership.
const ChallengeMessage = "I Love Shogun"

// VerifyWalletSignature checks that signature is an EIP-191 signature of
// ChallengeMessage by the claimed address. The comparison against the
// recovered address is case-insensitive.
func VerifyWalletSignature(claimedAddress, signature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return relayerr.Unauthenticated.Wrap(Error.New("malformed signature: %v", err))
	}
	if len(sig) != 65 {
		return relayerr.Unauthenticated.Wrap(Error.New("signature must be 65 bytes, got %d", len(sig)))
	}

	// wallets commonly emit the legacy 27/28 recovery id
	if sig[64] >= 27 {
		sig = append([]byte{}, sig...)
		sig[64] -= 27
	}

	digest := SignedMessageHash(ChallengeMessage)
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return relayerr.Unauthenticated.Wrap(Error.New("signature recovery failed: %v", err))
	}

	recovered := crypto.PubkeyToAddress(*pubKey).Hex()
	if !strings.EqualFold(recovered, claimedAddress) {
		return relayerr.Unauthenticated.Wrap(Error.New("signature does not match address"))
	}
	return nil
}

// SignedMessageHash returns the EIP-191 digest of msg: the keccak256 of
// the message prefixed with "\x19Ethereum Signed Message:\n" and its
// length.
func SignedMessageHash(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}
