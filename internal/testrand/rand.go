// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements generating random base types for testing.
package testrand

import (
	"encoding/hex"
	"io"
	"math/rand"

	"github.com/skyrings/skyring-common/tools/uuid"
)

// Intn returns a non-negative pseudo-random number in [0,n).
func Intn(n int) int { return rand.Intn(n) }

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// Reader creates a new random data reader.
func Reader() io.Reader {
	return rand.New(rand.NewSource(rand.Int63()))
}

// UUID creates a random uuid.
func UUID() uuid.UUID {
	var id uuid.UUID
	Read(id[:])
	return id
}

// Address creates a random 0x-prefixed 20-byte address string.
func Address() string {
	data := BytesN(20)
	return "0x" + hex.EncodeToString(data)
}

// CID creates a plausible random content identifier.
func CID() string {
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	data := make([]byte, 44)
	for i := range data {
		data[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return "Qm" + string(data)
}
