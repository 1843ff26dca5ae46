// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package ledger

import (
	"time"
)

// Meta stamps every record with its writer and write time. The substrate
// merges concurrent writes per-key by the latest UpdatedAt.
type Meta struct {
	WriterID  string    `json:"writerId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription is the prepaid storage record for a wallet address.
type Subscription struct {
	Address        string    `json:"address"`
	Tier           string    `json:"tier"`
	StorageLimit   int64     `json:"storageLimitBytes"`
	StorageUsed    int64     `json:"storageUsedBytes"`
	PurchasedAt    time.Time `json:"purchasedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	PaymentReceipt string    `json:"paymentReceipt"`
	Meta           Meta      `json:"meta"`
}

// Active reports whether the subscription grants upload at now.
func (sub *Subscription) Active(now time.Time) bool {
	return sub != nil && now.Before(sub.ExpiresAt)
}

// DealStatus enumerates deal lifecycle states.
type DealStatus string

// deal lifecycle states
const (
	DealPending    DealStatus = "pending"
	DealPaid       DealStatus = "paid"
	DealActive     DealStatus = "active"
	DealExpired    DealStatus = "expired"
	DealTerminated DealStatus = "terminated"
	DealFailed     DealStatus = "failed"
)

// Deal is a per-file storage contract.
type Deal struct {
	ID                string     `json:"id"`
	CID               string     `json:"cid"`
	ClientAddress     string     `json:"clientAddress"`
	SizeBytes         int64      `json:"sizeBytes"`
	Tier              string     `json:"tier"`
	StartAt           time.Time  `json:"startAt"`
	EndAt             time.Time  `json:"endAt"`
	PriceAtomic       string     `json:"priceAtomic"`
	ReplicationFactor int        `json:"replicationFactor"`
	Status            DealStatus `json:"status"`
	PaymentReceipt    string     `json:"paymentReceipt,omitempty"`
	OnchainTx         string     `json:"onchainTx,omitempty"`
	Meta              Meta       `json:"meta"`
}

// Upload records ownership of a pinned object.
type Upload struct {
	OwnerKey     string    `json:"ownerKey"`
	CID          string    `json:"cid"`
	Fingerprint  string    `json:"fingerprint"`
	SizeBytes    int64     `json:"sizeBytes"`
	ContentType  string    `json:"contentType"`
	OriginalName string    `json:"originalName"`
	UploadedAt   time.Time `json:"uploadedAt"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	ParentDirCID string    `json:"parentDirectoryCid,omitempty"`
	DealUpload   bool      `json:"dealUpload,omitempty"`

	// Deleted marks a tombstone; tombstones survive so that the
	// last-writer-wins merge propagates deletes across replicas.
	Deleted bool `json:"deleted,omitempty"`

	Meta Meta `json:"meta"`
}

// PinRef is the reference count of a pinned cid across all owners.
type PinRef struct {
	CID       string    `json:"cid"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
	WriterID  string    `json:"writerId"`
}

// APIKey is the persisted half of an issued api key. Only the token hash
// is stored.
type APIKey struct {
	KeyID       string     `json:"keyId"`
	HashedToken string     `json:"hashedToken"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	Revoked     bool       `json:"revoked,omitempty"`
	Meta        Meta       `json:"meta"`
}

// Expired reports whether the key is past its expiry at now.
func (key *APIKey) Expired(now time.Time) bool {
	return key.ExpiresAt != nil && now.After(*key.ExpiresAt)
}

// PublicLink grants unauthenticated read of a drive file.
type PublicLink struct {
	LinkID         string     `json:"linkId"`
	FilePath       string     `json:"filePath"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	AccessCount    int64      `json:"accessCount"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	Revoked        bool       `json:"revoked,omitempty"`
	Meta           Meta       `json:"meta"`
}

// Expired reports whether the link is past its expiry at now.
func (link *PublicLink) Expired(now time.Time) bool {
	return link.ExpiresAt != nil && now.After(*link.ExpiresAt)
}

// Pulse is the periodic self-describing heartbeat of a relay host.
type Pulse struct {
	Host          string    `json:"host"`
	Address       string    `json:"address"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Goroutines    int       `json:"goroutines"`
	AllocBytes    uint64    `json:"allocBytes"`
	LiveBytes     int64     `json:"liveBytes"`
	CapBytes      int64     `json:"capBytes"`
	Meta          Meta      `json:"meta"`
}
