// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package deal implements per-file storage contracts: priced at creation,
// settled through the payment verifier, and proven on demand with the
// relay's keyed proof hash.
package deal

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skyrings/skyring-common/tools/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ledger"
	"github.com/shogun-labs/relay/payments"
	"github.com/shogun-labs/relay/sub"
)

var (
	mon = monkit.Package()

	// Error is the default deal error class.
	Error = errs.Class("deal error")
)

// transitions is the lifecycle guard table. A transition absent here is
// rejected with Conflict.
var transitions = map[ledger.DealStatus][]ledger.DealStatus{
	ledger.DealPending: {ledger.DealPaid, ledger.DealFailed, ledger.DealTerminated},
	ledger.DealPaid:    {ledger.DealActive, ledger.DealFailed},
	ledger.DealActive:  {ledger.DealExpired, ledger.DealTerminated},
	ledger.DealExpired: {ledger.DealActive},
}

func canTransition(from, to ledger.DealStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Node is the pinning surface the deal manager needs from the storage
// node.
type Node interface {
	Pin(ctx context.Context, cid string) error
	Unpin(ctx context.Context, cid string) error
	IsPinned(ctx context.Context, cid string) (bool, error)
}

// Config holds the deal manager parameters.
type Config struct {
	GraceWindow time.Duration `help:"window after expiry in which a deal can still be renewed" default:"24h"`
}

// Service is the deal manager.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	config   Config
	db       *ledger.Ledger
	catalog  *sub.Catalog
	verifier payments.Verifier
	node     Node
	identity *identity.FullIdentity
}

// NewService creates a deal manager.
func NewService(log *zap.Logger, config Config, db *ledger.Ledger, catalog *sub.Catalog, verifier payments.Verifier, node Node, ident *identity.FullIdentity) *Service {
	if config.GraceWindow <= 0 {
		config.GraceWindow = 24 * time.Hour
	}
	return &Service{
		log:      log,
		config:   config,
		db:       db,
		catalog:  catalog,
		verifier: verifier,
		node:     node,
		identity: ident,
	}
}

// Price computes the deal price in atomic units:
// ceil(size * duration * pricePerByteSecond * replication).
func Price(tier sub.DealTier, sizeBytes int64, duration time.Duration) (string, error) {
	rate, err := sub.ParsePrice(tier.PricePerByteSecond)
	if err != nil {
		return "", Error.Wrap(err)
	}
	price := decimal.NewFromInt(sizeBytes).
		Mul(decimal.NewFromInt(int64(duration / time.Second))).
		Mul(rate).
		Mul(decimal.NewFromInt(int64(tier.Replication))).
		Ceil()
	return price.String(), nil
}

// Create opens a pending deal for cid. The price is fixed at creation
// and does not move with later catalog changes.
func (service *Service) Create(ctx context.Context, clientAddr, cid string, sizeBytes int64, tierID string, duration time.Duration) (_ *ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	tier, ok := service.catalog.DealTier(tierID)
	if !ok {
		return nil, relayerr.Malformed.Wrap(Error.New("unknown deal tier %q", tierID))
	}
	if cid == "" {
		return nil, relayerr.Malformed.Wrap(Error.New("missing cid"))
	}
	if sizeBytes < tier.MinSize || sizeBytes > tier.MaxSize {
		return nil, relayerr.Malformed.Wrap(Error.New(
			"size %d outside tier bounds [%d, %d]", sizeBytes, tier.MinSize, tier.MaxSize))
	}
	if duration < tier.MinDuration || duration > tier.MaxDuration {
		return nil, relayerr.Malformed.Wrap(Error.New(
			"duration %s outside tier bounds [%s, %s]", duration, tier.MinDuration, tier.MaxDuration))
	}

	price, err := Price(tier, sizeBytes, duration)
	if err != nil {
		return nil, err
	}

	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	now := time.Now().UTC()
	deal := &ledger.Deal{
		ID:                id.String(),
		CID:               cid,
		ClientAddress:     clientAddr,
		SizeBytes:         sizeBytes,
		Tier:              tier.ID,
		StartAt:           now,
		EndAt:             now.Add(duration),
		PriceAtomic:       price,
		ReplicationFactor: tier.Replication,
		Status:            ledger.DealPending,
	}
	if err := service.db.PutDeal(ctx, deal); err != nil {
		return nil, err
	}

	service.log.Info("deal created",
		zap.String("deal", deal.ID),
		zap.String("cid", deal.CID),
		zap.String("price", deal.PriceAtomic))
	return deal, nil
}

// Activate settles the payment and brings the deal to active. The clock
// starts at activation, not at creation.
func (service *Service) Activate(ctx context.Context, dealID string, payment json.RawMessage) (_ *ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	deal, err := service.db.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !canTransition(deal.Status, ledger.DealPaid) {
		return nil, relayerr.Conflict.Wrap(Error.New(
			"cannot activate deal in status %q", deal.Status))
	}

	settlement, err := service.verifier.Verify(ctx, payments.Request{
		RequiredAtomic: deal.PriceAtomic,
		Payer:          deal.ClientAddress,
		Payload:        payment,
	})
	if err != nil {
		return nil, err
	}

	duration := deal.EndAt.Sub(deal.StartAt)
	deal.Status = ledger.DealPaid
	deal.PaymentReceipt = settlement.Receipt
	if err := service.db.PutDeal(ctx, deal); err != nil {
		return nil, err
	}

	// the deal holds its own pin reference even when the cid is already
	// pinned for another owner
	pinned, err := service.node.IsPinned(ctx, deal.CID)
	if err != nil {
		return nil, service.fail(ctx, deal, err)
	}
	if !pinned {
		if err := service.node.Pin(ctx, deal.CID); err != nil {
			return nil, service.fail(ctx, deal, err)
		}
	}
	if _, err := service.db.IncrementPinRef(ctx, deal.CID); err != nil {
		return nil, service.fail(ctx, deal, err)
	}

	now := time.Now().UTC()
	deal.Status = ledger.DealActive
	deal.StartAt = now
	deal.EndAt = now.Add(duration)
	if err := service.db.PutDeal(ctx, deal); err != nil {
		return nil, err
	}

	service.log.Info("deal activated",
		zap.String("deal", deal.ID),
		zap.Time("endAt", deal.EndAt))
	return deal, nil
}

// fail records the terminal failed status before surfacing err.
func (service *Service) fail(ctx context.Context, deal *ledger.Deal, cause error) error {
	deal.Status = ledger.DealFailed
	if err := service.db.PutDeal(ctx, deal); err != nil {
		service.log.Error("recording deal failure",
			zap.String("deal", deal.ID), zap.Error(err))
	}
	return cause
}

// Proof is the relay's answer to a storage challenge.
type Proof struct {
	DealID    string `json:"dealId"`
	CID       string `json:"cid"`
	Exists    bool   `json:"exists"`
	Pinned    bool   `json:"pinned"`
	SizeBytes int64  `json:"sizeBytes"`
	Timestamp int64  `json:"timestamp"`
	ProofHash string `json:"proofHash"`
}

// Verify answers a storage challenge for dealID. The proof hash is keyed
// with the relay's private key; the challenger checks freshness against
// Timestamp.
func (service *Service) Verify(ctx context.Context, dealID, challenge string) (_ *Proof, err error) {
	defer mon.Task()(&ctx)(&err)

	deal, err := service.db.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	pinned, err := service.node.IsPinned(ctx, deal.CID)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC().Unix()
	return &Proof{
		DealID:    deal.ID,
		CID:       deal.CID,
		Exists:    pinned,
		Pinned:    pinned,
		SizeBytes: deal.SizeBytes,
		Timestamp: ts,
		ProofHash: service.identity.ProofHash(
			deal.CID,
			challenge,
			strconv.FormatInt(ts, 10),
			strconv.FormatInt(deal.SizeBytes, 10),
		),
	}, nil
}

// Cancel terminates a deal on client request. Pending deals terminate
// directly; active deals release their pin reference.
func (service *Service) Cancel(ctx context.Context, dealID, requesterAddr string, isAdmin bool) (_ *ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	deal, err := service.db.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !addrEqual(deal.ClientAddress, requesterAddr) {
		return nil, relayerr.Forbidden.Wrap(Error.New("deal %s is not owned by requester", dealID))
	}
	if !canTransition(deal.Status, ledger.DealTerminated) {
		return nil, relayerr.Conflict.Wrap(Error.New(
			"cannot cancel deal in status %q", deal.Status))
	}

	wasActive := deal.Status == ledger.DealActive
	deal.Status = ledger.DealTerminated
	if err := service.db.PutDeal(ctx, deal); err != nil {
		return nil, err
	}

	if wasActive {
		service.releasePin(ctx, deal.CID)
	}

	service.log.Info("deal terminated", zap.String("deal", deal.ID))
	return deal, nil
}

// MarkExpired transitions every active deal past its end time to expired
// and releases their pins. Called by the scheduler's full sync.
func (service *Service) MarkExpired(ctx context.Context, now time.Time) (expired int, err error) {
	defer mon.Task()(&ctx)(&err)

	deals, err := service.db.ListDeals(ctx)
	if err != nil {
		return 0, err
	}
	for _, deal := range deals {
		if deal.Status != ledger.DealActive || now.Before(deal.EndAt) {
			continue
		}
		deal.Status = ledger.DealExpired
		if err := service.db.PutDeal(ctx, deal); err != nil {
			return expired, err
		}
		service.releasePin(ctx, deal.CID)
		expired++
		service.log.Info("deal expired",
			zap.String("deal", deal.ID), zap.Time("endAt", deal.EndAt))
	}
	return expired, nil
}

// Renew extends an active deal, or revives an expired one still inside
// the grace window, by duration against a fresh payment.
func (service *Service) Renew(ctx context.Context, dealID string, duration time.Duration, payment json.RawMessage) (_ *ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	deal, err := service.db.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	tier, ok := service.catalog.DealTier(deal.Tier)
	if !ok {
		return nil, relayerr.Invariant.Wrap(Error.New("deal %s references unknown tier %q", deal.ID, deal.Tier))
	}
	if duration < tier.MinDuration || duration > tier.MaxDuration {
		return nil, relayerr.Malformed.Wrap(Error.New(
			"duration %s outside tier bounds [%s, %s]", duration, tier.MinDuration, tier.MaxDuration))
	}

	now := time.Now().UTC()
	switch deal.Status {
	case ledger.DealActive:
	case ledger.DealExpired:
		if now.After(deal.EndAt.Add(service.config.GraceWindow)) {
			return nil, relayerr.Conflict.Wrap(Error.New(
				"deal %s past the renewal grace window", deal.ID))
		}
	default:
		return nil, relayerr.Conflict.Wrap(Error.New(
			"cannot renew deal in status %q", deal.Status))
	}

	price, err := Price(tier, deal.SizeBytes, duration)
	if err != nil {
		return nil, err
	}
	settlement, err := service.verifier.Verify(ctx, payments.Request{
		RequiredAtomic: price,
		Payer:          deal.ClientAddress,
		Payload:        payment,
	})
	if err != nil {
		return nil, err
	}

	if deal.Status == ledger.DealExpired {
		// revival re-pins and restarts the clock from now
		pinned, err := service.node.IsPinned(ctx, deal.CID)
		if err != nil {
			return nil, err
		}
		if !pinned {
			if err := service.node.Pin(ctx, deal.CID); err != nil {
				return nil, err
			}
		}
		if _, err := service.db.IncrementPinRef(ctx, deal.CID); err != nil {
			return nil, err
		}
		deal.Status = ledger.DealActive
		deal.EndAt = now.Add(duration)
	} else {
		deal.EndAt = deal.EndAt.Add(duration)
	}
	deal.PaymentReceipt = settlement.Receipt
	if err := service.db.PutDeal(ctx, deal); err != nil {
		return nil, err
	}

	service.log.Info("deal renewed",
		zap.String("deal", deal.ID), zap.Time("endAt", deal.EndAt))
	return deal, nil
}

// Get returns the deal with id.
func (service *Service) Get(ctx context.Context, dealID string) (_ *ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.GetDeal(ctx, dealID)
}

// ListByClient returns addr's deals.
func (service *Service) ListByClient(ctx context.Context, addr string) (_ []*ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.ListDealsByClient(ctx, addr)
}

// ListByStatus filters all deals down to status.
func (service *Service) ListByStatus(ctx context.Context, status ledger.DealStatus) (_ []*ledger.Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	deals, err := service.db.ListDeals(ctx)
	if err != nil {
		return nil, err
	}
	filtered := deals[:0]
	for _, deal := range deals {
		if deal.Status == status {
			filtered = append(filtered, deal)
		}
	}
	return filtered, nil
}

// releasePin drops one pin reference for cid and unpins when nothing
// holds it any more. Unpin failures are left to the orphan sweep.
func (service *Service) releasePin(ctx context.Context, cid string) {
	count, err := service.db.DecrementPinRef(ctx, cid)
	if err != nil {
		service.log.Error("decrementing pin reference",
			zap.String("cid", cid), zap.Error(err))
		return
	}
	if count > 0 {
		return
	}
	if err := service.node.Unpin(ctx, cid); err != nil {
		service.log.Warn("unpin failed, leaving to orphan sweep",
			zap.String("cid", cid), zap.Error(err))
	}
}

func addrEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
