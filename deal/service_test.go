// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package deal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/internal/testcontext"
	"github.com/shogun-labs/relay/internal/testrand"
	"github.com/shogun-labs/relay/kvstore/teststore"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/sub"
)

type fakeNode struct {
	mu     sync.Mutex
	pinned map[string]bool
	pinErr error
}

func newFakeNode() *fakeNode {
	return &fakeNode{pinned: map[string]bool{}}
}

func (node *fakeNode) Pin(ctx context.Context, cid string) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.pinErr != nil {
		return node.pinErr
	}
	node.pinned[cid] = true
	return nil
}

func (node *fakeNode) Unpin(ctx context.Context, cid string) error {
	node.mu.Lock()
	defer node.mu.Unlock()
	delete(node.pinned, cid)
	return nil
}

func (node *fakeNode) IsPinned(ctx context.Context, cid string) (bool, error) {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.pinned[cid], nil
}

type env struct {
	service *deal.Service
	db      *ledger.Ledger
	node    *fakeNode
	ident   *identity.FullIdentity
}

func newEnv(t *testing.T, ctx *testcontext.Context, verifier payments.Verifier) *env {
	log := zaptest.NewLogger(t)
	db := ledger.New(log, teststore.New(), "relay-test")
	node := newFakeNode()
	ident, err := identity.LoadOrCreate(ctx.File("relay_key.json"))
	require.NoError(t, err)
	service := deal.NewService(log, deal.Config{GraceWindow: 24 * time.Hour},
		db, sub.NewCatalog(nil, nil), verifier, node, ident)
	return &env{service: service, db: db, node: node, ident: ident}
}

func TestPrice(t *testing.T) {
	tier := sub.DealTier{PricePerByteSecond: "0.000000001", Replication: 1}

	// 1 MiB for one day: 1048576 * 86400 * 1e-9 = 90.596..., ceiled
	price, err := deal.Price(tier, memory.MiB.Int64(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, "91", price)

	tier.Replication = 3
	price, err = deal.Price(tier, memory.MiB.Int64(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, "272", price)
}

func TestCreateBounds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()

	_, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "nope", 48*time.Hour)
	require.True(t, relayerr.Malformed.Has(err))

	// below the tier's minimum size
	_, err = env.service.Create(ctx, addr, cid, 10, "standard", 48*time.Hour)
	require.True(t, relayerr.Malformed.Has(err))

	// below the tier's minimum duration
	_, err = env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", time.Hour)
	require.True(t, relayerr.Malformed.Has(err))

	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, ledger.DealPending, created.Status)
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.PriceAtomic)

	byClient, err := env.service.ListByClient(ctx, addr)
	require.NoError(t, err)
	require.Len(t, byClient, 1)
}

func TestActivate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()
	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)

	activated, err := env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.DealActive, activated.Status)
	require.Equal(t, "accept-all", activated.PaymentReceipt)

	// the clock starts at activation and keeps the requested duration
	require.WithinDuration(t, activated.StartAt.Add(48*time.Hour), activated.EndAt, time.Second)

	pinned, err := env.node.IsPinned(ctx, cid)
	require.NoError(t, err)
	require.True(t, pinned)

	ref, err := env.db.PinRef(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, int64(1), ref.Count)

	// double activation is rejected
	_, err = env.service.Activate(ctx, created.ID, nil)
	require.True(t, relayerr.Conflict.Has(err))
}

func TestActivatePaymentRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	verifier := payments.VerifierFunc(func(ctx context.Context, req payments.Request) (payments.Settlement, error) {
		return payments.Settlement{}, relayerr.PaymentInvalid.New("underpaid")
	})
	env := newEnv(t, ctx, verifier)

	created, err := env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)

	_, err = env.service.Activate(ctx, created.ID, nil)
	require.True(t, relayerr.PaymentInvalid.Has(err))

	// a rejected payment leaves the deal pending for retry
	stored, err := env.service.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.DealPending, stored.Status)
}

func TestActivatePinFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})
	env.node.pinErr = relayerr.Backend.New("node down")

	created, err := env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)

	_, err = env.service.Activate(ctx, created.ID, nil)
	require.Error(t, err)

	stored, err := env.service.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.DealFailed, stored.Status)
}

func TestVerifyProof(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	created, err := env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	_, err = env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)

	proof, err := env.service.Verify(ctx, created.ID, "challenge-1")
	require.NoError(t, err)
	require.True(t, proof.Exists)
	require.True(t, proof.Pinned)
	require.Equal(t, created.CID, proof.CID)
	require.NotEmpty(t, proof.ProofHash)
	require.InDelta(t, time.Now().Unix(), proof.Timestamp, 5)

	// a different challenge yields a different hash
	other, err := env.service.Verify(ctx, created.ID, "challenge-2")
	require.NoError(t, err)
	require.NotEqual(t, proof.ProofHash, other.ProofHash)
}

func TestCancel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()
	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	_, err = env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)

	// only the deal's client or an admin may cancel
	_, err = env.service.Cancel(ctx, created.ID, testrand.Address(), false)
	require.True(t, relayerr.Forbidden.Has(err))

	cancelled, err := env.service.Cancel(ctx, created.ID, addr, false)
	require.NoError(t, err)
	require.Equal(t, ledger.DealTerminated, cancelled.Status)

	// refcount dropped to zero so the pin is gone
	pinned, err := env.node.IsPinned(ctx, cid)
	require.NoError(t, err)
	require.False(t, pinned)

	_, err = env.service.Cancel(ctx, created.ID, addr, false)
	require.True(t, relayerr.Conflict.Has(err))
}

func TestCancelKeepsSharedPin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()

	// another owner also holds the cid
	_, err := env.db.IncrementPinRef(ctx, cid)
	require.NoError(t, err)
	require.NoError(t, env.node.Pin(ctx, cid))

	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	activated, err := env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.DealActive, activated.Status)

	_, err = env.service.Cancel(ctx, created.ID, addr, false)
	require.NoError(t, err)

	pinned, err := env.node.IsPinned(ctx, cid)
	require.NoError(t, err)
	require.True(t, pinned)
}

func TestMarkExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()
	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	activated, err := env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)

	// not yet expired
	expired, err := env.service.MarkExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, expired)

	expired, err = env.service.MarkExpired(ctx, activated.EndAt.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	stored, err := env.service.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.DealExpired, stored.Status)

	pinned, err := env.node.IsPinned(ctx, cid)
	require.NoError(t, err)
	require.False(t, pinned)
}

func TestRenew(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()
	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	activated, err := env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)

	// active renewal extends the existing end time
	renewed, err := env.service.Renew(ctx, created.ID, 48*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.DealActive, renewed.Status)
	require.WithinDuration(t, activated.EndAt.Add(48*time.Hour), renewed.EndAt, time.Second)

	// duration bounds still apply on renewal
	_, err = env.service.Renew(ctx, created.ID, time.Minute, nil)
	require.True(t, relayerr.Malformed.Has(err))
}

func TestRenewExpiredWithinGrace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	addr, cid := testrand.Address(), testrand.CID()
	created, err := env.service.Create(ctx, addr, cid, memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	activated, err := env.service.Activate(ctx, created.ID, nil)
	require.NoError(t, err)

	_, err = env.service.MarkExpired(ctx, activated.EndAt.Add(time.Minute))
	require.NoError(t, err)

	renewed, err := env.service.Renew(ctx, created.ID, 48*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.DealActive, renewed.Status)

	// revival re-pins the content
	pinned, err := env.node.IsPinned(ctx, cid)
	require.NoError(t, err)
	require.True(t, pinned)
}

func TestRenewRejectedStates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	created, err := env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)

	// pending deals are activated, not renewed
	_, err = env.service.Renew(ctx, created.ID, 48*time.Hour, nil)
	require.True(t, relayerr.Conflict.Has(err))
}

func TestListByStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, payments.AcceptAll{})

	first, err := env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	_, err = env.service.Create(ctx, testrand.Address(), testrand.CID(), memory.MiB.Int64(), "standard", 48*time.Hour)
	require.NoError(t, err)
	_, err = env.service.Activate(ctx, first.ID, nil)
	require.NoError(t, err)

	pending, err := env.service.ListByStatus(ctx, ledger.DealPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	active, err := env.service.ListByStatus(ctx, ledger.DealActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, first.ID, active[0].ID)
}
