// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package sub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/internal/testcontext"
	"github.com/shogun-labs/relay/internal/testrand"
	"github.com/shogun-labs/relay/kvstore/teststore"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/sub"
)

func newService(t *testing.T, verifier payments.Verifier) (*sub.Service, *ledger.Ledger) {
	log := zaptest.NewLogger(t)
	db := ledger.New(log, teststore.New(), "relay-test")
	catalog := sub.NewCatalog(nil, nil)
	gov := governor.New(governor.Config{})
	return sub.NewService(log, db, catalog, verifier, gov), db
}

func acceptAll() payments.Verifier { return payments.AcceptAll{} }

func rejectAll() payments.Verifier {
	return payments.VerifierFunc(func(ctx context.Context, req payments.Request) (payments.Settlement, error) {
		return payments.Settlement{}, relayerr.PaymentInvalid.New("insufficient")
	})
}

func TestSubscribeNew(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _ := newService(t, acceptAll())

	addr := testrand.Address()
	record, err := service.Subscribe(ctx, addr, "basic", nil)
	require.NoError(t, err)
	require.Equal(t, "basic", record.Tier)
	require.Equal(t, int64(1<<30), record.StorageLimit)
	require.True(t, record.Active(time.Now()))
	require.Equal(t, "accept-all", record.PaymentReceipt)

	status, err := service.Get(ctx, addr)
	require.NoError(t, err)
	require.True(t, status.Active)
}

func TestSubscribeUnknownTier(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _ := newService(t, acceptAll())

	_, err := service.Subscribe(ctx, testrand.Address(), "platinum", nil)
	require.True(t, relayerr.Malformed.Has(err))
}

func TestSubscribePaymentRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _ := newService(t, rejectAll())

	addr := testrand.Address()
	_, err := service.Subscribe(ctx, addr, "basic", nil)
	require.True(t, relayerr.PaymentInvalid.Has(err))

	status, err := service.Get(ctx, addr)
	require.NoError(t, err)
	require.False(t, status.Active)
}

func TestRenewExtendsAndUpgrades(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newService(t, acceptAll())

	addr := testrand.Address()
	first, err := service.Subscribe(ctx, addr, "basic", nil)
	require.NoError(t, err)

	// simulate usage between purchases
	first.StorageUsed = 12345
	require.NoError(t, db.PutSubscription(ctx, first))

	second, err := service.Subscribe(ctx, addr, "standard", nil)
	require.NoError(t, err)

	// active renewal extends past the first expiry
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))
	// upgrading raises the limit
	require.Equal(t, int64(10<<30), second.StorageLimit)
	// usage is never reset by a purchase
	require.Equal(t, int64(12345), second.StorageUsed)

	// a later downgrade never shrinks the limit
	third, err := service.Subscribe(ctx, addr, "basic", nil)
	require.NoError(t, err)
	require.Equal(t, int64(10<<30), third.StorageLimit)
}

func TestGetAbsent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _ := newService(t, acceptAll())

	status, err := service.Get(ctx, testrand.Address())
	require.NoError(t, err)
	require.False(t, status.Active)
	require.Nil(t, status.Subscription)
}

func TestCanUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newService(t, acceptAll())

	addr := testrand.Address()

	result, err := service.CanUpload(ctx, addr, 100)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "no active subscription", result.Reason)

	record, err := service.Subscribe(ctx, addr, "basic", nil)
	require.NoError(t, err)

	result, err = service.CanUpload(ctx, addr, 100)
	require.NoError(t, err)
	require.True(t, result.OK)

	record.StorageUsed = record.StorageLimit - 50
	require.NoError(t, db.PutSubscription(ctx, record))

	result, err = service.CanUpload(ctx, addr, 100)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "quota exceeded", result.Reason)
}

func TestListTiers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db := newService(t, acceptAll())

	require.NoError(t, db.PutUpload(ctx, &ledger.Upload{
		OwnerKey: testrand.Address(), CID: testrand.CID(), SizeBytes: 4096,
	}))

	listing, err := service.ListTiers(ctx)
	require.NoError(t, err)
	require.Len(t, listing.Tiers, 3)
	require.NotEmpty(t, listing.DealTiers)
	require.Equal(t, int64(4096), listing.Relay.UsedBytes)
}
