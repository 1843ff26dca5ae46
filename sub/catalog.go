// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package sub

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/shogun-labs/relay/internal/memory"
)

// Tier is one preconfigured (price, storage, duration) bundle.
type Tier struct {
	ID           string        `json:"id"`
	PriceAtomic  string        `json:"priceAtomic"`
	StorageBytes int64         `json:"storageBytes"`
	Duration     time.Duration `json:"durationSeconds"`
}

// DealTier parameterizes per-file deals for a tier.
type DealTier struct {
	ID                 string        `json:"id"`
	PricePerByteSecond string        `json:"pricePerByteSecond"`
	MinSize            int64         `json:"minSize"`
	MaxSize            int64         `json:"maxSize"`
	MinDuration        time.Duration `json:"minDuration"`
	MaxDuration        time.Duration `json:"maxDuration"`
	Replication        int           `json:"replication"`
}

// Catalog is the immutable tier table, fixed for the process lifetime.
type Catalog struct {
	tiers     []Tier
	dealTiers []DealTier
}

// NewCatalog builds a catalog; empty input yields the default tiers.
func NewCatalog(tiers []Tier, dealTiers []DealTier) *Catalog {
	if len(tiers) == 0 {
		tiers = defaultTiers()
	}
	if len(dealTiers) == 0 {
		dealTiers = defaultDealTiers()
	}
	return &Catalog{tiers: tiers, dealTiers: dealTiers}
}

// Tiers returns the subscription tiers in catalog order.
func (catalog *Catalog) Tiers() []Tier {
	return append([]Tier{}, catalog.tiers...)
}

// Tier looks up a subscription tier by id.
func (catalog *Catalog) Tier(id string) (Tier, bool) {
	for _, tier := range catalog.tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return Tier{}, false
}

// DealTiers returns the deal tiers in catalog order.
func (catalog *Catalog) DealTiers() []DealTier {
	return append([]DealTier{}, catalog.dealTiers...)
}

// DealTier looks up a deal tier by id.
func (catalog *Catalog) DealTier(id string) (DealTier, bool) {
	for _, tier := range catalog.dealTiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return DealTier{}, false
}

func defaultTiers() []Tier {
	return []Tier{
		{ID: "basic", PriceAtomic: "1000000", StorageBytes: memory.GiB.Int64(), Duration: 30 * 24 * time.Hour},
		{ID: "standard", PriceAtomic: "5000000", StorageBytes: 10 * memory.GiB.Int64(), Duration: 30 * 24 * time.Hour},
		{ID: "premium", PriceAtomic: "20000000", StorageBytes: 100 * memory.GiB.Int64(), Duration: 30 * 24 * time.Hour},
	}
}

func defaultDealTiers() []DealTier {
	return []DealTier{
		{
			ID:                 "standard",
			PricePerByteSecond: "0.000000001",
			MinSize:            memory.KiB.Int64(),
			MaxSize:            10 * memory.GiB.Int64(),
			MinDuration:        24 * time.Hour,
			MaxDuration:        365 * 24 * time.Hour,
			Replication:        1,
		},
		{
			ID:                 "redundant",
			PricePerByteSecond: "0.000000002",
			MinSize:            memory.KiB.Int64(),
			MaxSize:            10 * memory.GiB.Int64(),
			MinDuration:        24 * time.Hour,
			MaxDuration:        365 * 24 * time.Hour,
			Replication:        3,
		},
	}
}

// price helpers shared with the deal manager

// ParsePrice parses an atomic price string.
func ParsePrice(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
