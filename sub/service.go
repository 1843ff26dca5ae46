// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package sub implements the subscription manager: tier catalog lookups,
// purchase and renewal against the payment verifier, and quota questions.
package sub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
)

var (
	mon = monkit.Package()

	// Error is the default subscription error class.
	Error = errs.Class("subscription error")
)

// Service is the subscription manager.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       *ledger.Ledger
	catalog  *Catalog
	verifier payments.Verifier
	governor *governor.Governor
}

// NewService creates a subscription manager.
func NewService(log *zap.Logger, db *ledger.Ledger, catalog *Catalog, verifier payments.Verifier, gov *governor.Governor) *Service {
	return &Service{
		log:      log,
		db:       db,
		catalog:  catalog,
		verifier: verifier,
		governor: gov,
	}
}

// Catalog returns the immutable tier catalog.
func (service *Service) Catalog() *Catalog { return service.catalog }

// TierListing is the catalog plus the relay's aggregate usage.
type TierListing struct {
	Tiers     []Tier         `json:"tiers"`
	DealTiers []DealTier     `json:"dealTiers"`
	Relay     governor.Usage `json:"relay"`
}

// ListTiers returns the catalog and current relay cap usage.
func (service *Service) ListTiers(ctx context.Context) (_ TierListing, err error) {
	defer mon.Task()(&ctx)(&err)

	liveBytes, err := service.db.LiveBytes(ctx)
	if err != nil {
		return TierListing{}, err
	}
	return TierListing{
		Tiers:     service.catalog.Tiers(),
		DealTiers: service.catalog.DealTiers(),
		Relay:     service.governor.Usage(liveBytes),
	}, nil
}

// Status describes a wallet's subscription state.
type Status struct {
	Active       bool                 `json:"active"`
	Subscription *ledger.Subscription `json:"subscription,omitempty"`
}

// Get returns the subscription status for addr; never errors on absence.
func (service *Service) Get(ctx context.Context, addr string) (_ Status, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetSubscription(ctx, addr)
	if err != nil {
		if relayerr.NotFound.Has(err) {
			return Status{Active: false}, nil
		}
		return Status{}, err
	}
	return Status{Active: record.Active(time.Now()), Subscription: record}, nil
}

// Subscribe purchases or renews a subscription for addr.
//
// A renewal of a still-active subscription extends its expiry by the
// tier duration; the storage limit never shrinks and the used counter is
// always preserved.
func (service *Service) Subscribe(ctx context.Context, addr, tierID string, payload json.RawMessage) (_ *ledger.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	tier, ok := service.catalog.Tier(tierID)
	if !ok {
		return nil, relayerr.Malformed.Wrap(Error.New("unknown tier %q", tierID))
	}

	settlement, err := service.verifier.Verify(ctx, payments.Request{
		RequiredAtomic: tier.PriceAtomic,
		Payer:          addr,
		Payload:        payload,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record, err := service.db.GetSubscription(ctx, addr)
	if err != nil {
		if !relayerr.NotFound.Has(err) {
			return nil, err
		}
		record = &ledger.Subscription{Address: addr, PurchasedAt: now}
	}

	if record.Active(now) {
		record.ExpiresAt = record.ExpiresAt.Add(tier.Duration)
	} else {
		record.ExpiresAt = now.Add(tier.Duration)
	}
	if tier.StorageBytes > record.StorageLimit {
		record.StorageLimit = tier.StorageBytes
	}
	record.Tier = tier.ID
	record.PurchasedAt = now
	record.PaymentReceipt = settlement.Receipt

	if err := service.db.PutSubscription(ctx, record); err != nil {
		return nil, err
	}

	service.log.Info("subscription written",
		zap.String("address", record.Address),
		zap.String("tier", record.Tier),
		zap.Time("expiresAt", record.ExpiresAt))
	return record, nil
}

// CanUpload reports whether addr may upload sizeBytes right now.
type CanUploadResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// CanUpload performs the pre-flight admission test without holding a
// reservation.
func (service *Service) CanUpload(ctx context.Context, addr string, sizeBytes int64) (_ CanUploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := service.Get(ctx, addr)
	if err != nil {
		return CanUploadResult{}, err
	}
	if !status.Active {
		return CanUploadResult{OK: false, Reason: "no active subscription"}, nil
	}

	liveBytes, err := service.db.LiveBytes(ctx)
	if err != nil {
		return CanUploadResult{}, err
	}

	reservation, err := service.governor.Reserve(governor.SubscriptionBudget{
		Addr:       addr,
		UsedBytes:  status.Subscription.StorageUsed,
		LimitBytes: status.Subscription.StorageLimit,
	}, liveBytes, sizeBytes)
	if err != nil {
		if relayerr.QuotaExceeded.Has(err) {
			return CanUploadResult{OK: false, Reason: "quota exceeded"}, nil
		}
		return CanUploadResult{}, err
	}
	reservation.Release()
	return CanUploadResult{OK: true}, nil
}
