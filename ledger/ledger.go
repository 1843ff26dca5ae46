// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package ledger implements the typed projection the relay keeps over the
// key-value substrate: subscriptions, deals, uploads, pin refcounts, api
// keys, public links and pulses.
package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/kvstore"
)

var (
	mon = monkit.Package()

	// Error is the default ledger error class.
	Error = errs.Class("ledger error")
)

// key namespaces
const (
	nsSubscription = "sub/"
	nsDeal         = "deal/"
	nsDealByClient = "deal-idx/client/"
	nsDealByCID    = "deal-idx/cid/"
	nsUpload       = "upload/"
	nsPinRef       = "pinref/"
	nsAPIKey       = "apikey/"
	nsLink         = "link/"
	nsPulse        = "relay/pulse/"
)

// Ledger projects typed records onto the substrate. Writes are stamped
// with the relay's writer id; counters are corrected by the reconciliation
// chore rather than trusted blindly.
type Ledger struct {
	log      *zap.Logger
	store    kvstore.Store
	writerID string
}

// New creates a ledger over store, stamping records with writerID.
func New(log *zap.Logger, store kvstore.Store, writerID string) *Ledger {
	return &Ledger{log: log, store: store, writerID: writerID}
}

func (ledger *Ledger) stamp() Meta {
	return Meta{WriterID: ledger.writerID, UpdatedAt: time.Now().UTC()}
}

func (ledger *Ledger) putJSON(ctx context.Context, key string, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(ledger.store.Put(ctx, kvstore.Key(key), data))
}

func (ledger *Ledger) getJSON(ctx context.Context, key string, record interface{}) error {
	data, err := ledger.store.Get(ctx, kvstore.Key(key))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return relayerr.NotFound.New("%s", key)
		}
		return Error.Wrap(err)
	}
	return Error.Wrap(json.Unmarshal(data, record))
}

// GetSubscription returns the subscription for addr, or NotFound.
func (ledger *Ledger) GetSubscription(ctx context.Context, addr string) (_ *Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	var sub Subscription
	if err := ledger.getJSON(ctx, nsSubscription+normalizeAddr(addr), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubscription writes sub under its address key.
func (ledger *Ledger) PutSubscription(ctx context.Context, sub *Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)

	sub.Address = normalizeAddr(sub.Address)
	sub.Meta = ledger.stamp()
	return ledger.putJSON(ctx, nsSubscription+sub.Address, sub)
}

// GetUpload returns the live upload row for {ownerKey, cid}.
func (ledger *Ledger) GetUpload(ctx context.Context, ownerKey, cid string) (_ *Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	var up Upload
	if err := ledger.getJSON(ctx, uploadKey(ownerKey, cid), &up); err != nil {
		return nil, err
	}
	if up.Deleted {
		return nil, relayerr.NotFound.New("upload %s/%s", ownerKey, cid)
	}
	return &up, nil
}

// FindUploadByFingerprint scans the owner's uploads for a matching content
// fingerprint; used by the pipeline's dedup lookup.
func (ledger *Ledger) FindUploadByFingerprint(ctx context.Context, ownerKey, fingerprint string) (_ *Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	uploads, err := ledger.ListUploads(ctx, ownerKey)
	if err != nil {
		return nil, err
	}
	for _, up := range uploads {
		if up.Fingerprint == fingerprint {
			return up, nil
		}
	}
	return nil, relayerr.NotFound.New("fingerprint %s", fingerprint)
}

// PutUpload writes the upload row under {ownerKey, cid}.
func (ledger *Ledger) PutUpload(ctx context.Context, up *Upload) (err error) {
	defer mon.Task()(&ctx)(&err)

	up.OwnerKey = normalizeAddr(up.OwnerKey)
	up.Meta = ledger.stamp()
	return ledger.putJSON(ctx, uploadKey(up.OwnerKey, up.CID), up)
}

// DeleteUpload tombstones the upload row so the delete wins the merge.
func (ledger *Ledger) DeleteUpload(ctx context.Context, ownerKey, cid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	up, err := ledger.GetUpload(ctx, ownerKey, cid)
	if err != nil {
		return err
	}
	up.Deleted = true
	up.Meta = ledger.stamp()
	return ledger.putJSON(ctx, uploadKey(up.OwnerKey, up.CID), up)
}

// ListUploads returns the live uploads of ownerKey.
func (ledger *Ledger) ListUploads(ctx context.Context, ownerKey string) (_ []*Upload, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.listUploadsPrefix(ctx, nsUpload+normalizeAddr(ownerKey)+"/")
}

// ListAllUploads returns every live upload on the relay; the reconciliation
// and orphan-sweep chores iterate this as the source of truth.
func (ledger *Ledger) ListAllUploads(ctx context.Context) (_ []*Upload, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.listUploadsPrefix(ctx, nsUpload)
}

func (ledger *Ledger) listUploadsPrefix(ctx context.Context, prefix string) ([]*Upload, error) {
	keys, err := ledger.store.List(ctx, kvstore.Key(prefix), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var uploads []*Upload
	for _, key := range keys {
		var up Upload
		if err := ledger.getJSON(ctx, key.String(), &up); err != nil {
			if relayerr.NotFound.Has(err) {
				continue
			}
			return nil, err
		}
		if up.Deleted {
			continue
		}
		clone := up
		uploads = append(uploads, &clone)
	}
	return uploads, nil
}

// LiveBytes sums the sizes of every live upload on the relay.
func (ledger *Ledger) LiveBytes(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	uploads, err := ledger.ListAllUploads(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, up := range uploads {
		total += up.SizeBytes
	}
	return total, nil
}

// PinRef returns the refcount record for cid; missing counts as zero.
func (ledger *Ledger) PinRef(ctx context.Context, cid string) (_ *PinRef, err error) {
	defer mon.Task()(&ctx)(&err)

	var ref PinRef
	if err := ledger.getJSON(ctx, nsPinRef+cid, &ref); err != nil {
		if relayerr.NotFound.Has(err) {
			return &PinRef{CID: cid}, nil
		}
		return nil, err
	}
	return &ref, nil
}

// IncrementPinRef bumps the refcount for cid and returns the new count.
func (ledger *Ledger) IncrementPinRef(ctx context.Context, cid string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.adjustPinRef(ctx, cid, +1)
}

// DecrementPinRef lowers the refcount for cid, flooring at zero, and
// returns the new count.
func (ledger *Ledger) DecrementPinRef(ctx context.Context, cid string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.adjustPinRef(ctx, cid, -1)
}

func (ledger *Ledger) adjustPinRef(ctx context.Context, cid string, delta int64) (int64, error) {
	ref, err := ledger.PinRef(ctx, cid)
	if err != nil {
		return 0, err
	}
	ref.Count += delta
	if ref.Count < 0 {
		ledger.log.Warn("pin refcount went negative, flooring",
			zap.String("cid", cid), zap.Int64("count", ref.Count))
		ref.Count = 0
	}
	ref.WriterID = ledger.writerID
	ref.UpdatedAt = time.Now().UTC()
	if err := ledger.putJSON(ctx, nsPinRef+cid, ref); err != nil {
		return 0, err
	}
	return ref.Count, nil
}

// PutPinRef writes the refcount record exactly as given, preserving its
// timestamp and writer; replication uses it to carry foreign records.
func (ledger *Ledger) PutPinRef(ctx context.Context, ref *PinRef) (err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.putJSON(ctx, nsPinRef+ref.CID, ref)
}

// SetPinRef overwrites the refcount for cid; used by reconciliation.
func (ledger *Ledger) SetPinRef(ctx context.Context, cid string, count int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	ref := PinRef{CID: cid, Count: count, WriterID: ledger.writerID, UpdatedAt: time.Now().UTC()}
	return ledger.putJSON(ctx, nsPinRef+cid, &ref)
}

// ListPinRefs returns every refcount record.
func (ledger *Ledger) ListPinRefs(ctx context.Context) (_ []*PinRef, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := ledger.store.List(ctx, kvstore.Key(nsPinRef), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var refs []*PinRef
	for _, key := range keys {
		var ref PinRef
		if err := ledger.getJSON(ctx, key.String(), &ref); err != nil {
			return nil, err
		}
		clone := ref
		refs = append(refs, &clone)
	}
	return refs, nil
}

// GetDeal returns the deal with id, or NotFound.
func (ledger *Ledger) GetDeal(ctx context.Context, id string) (_ *Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	var deal Deal
	if err := ledger.getJSON(ctx, nsDeal+id, &deal); err != nil {
		return nil, err
	}
	return &deal, nil
}

// PutDeal writes the deal and its secondary indexes.
func (ledger *Ledger) PutDeal(ctx context.Context, deal *Deal) (err error) {
	defer mon.Task()(&ctx)(&err)

	deal.ClientAddress = normalizeAddr(deal.ClientAddress)
	deal.Meta = ledger.stamp()
	if err := ledger.putJSON(ctx, nsDeal+deal.ID, deal); err != nil {
		return err
	}
	if err := ledger.store.Put(ctx, kvstore.Key(nsDealByClient+deal.ClientAddress+"/"+deal.ID), kvstore.Value("true")); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(ledger.store.Put(ctx, kvstore.Key(nsDealByCID+deal.CID+"/"+deal.ID), kvstore.Value("true")))
}

// ListDealsByClient returns all deals created by addr.
func (ledger *Ledger) ListDealsByClient(ctx context.Context, addr string) (_ []*Deal, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.dealsFromIndex(ctx, nsDealByClient+normalizeAddr(addr)+"/")
}

// ListDealsByCID returns all deals referring to cid.
func (ledger *Ledger) ListDealsByCID(ctx context.Context, cid string) (_ []*Deal, err error) {
	defer mon.Task()(&ctx)(&err)
	return ledger.dealsFromIndex(ctx, nsDealByCID+cid+"/")
}

func (ledger *Ledger) dealsFromIndex(ctx context.Context, prefix string) ([]*Deal, error) {
	keys, err := ledger.store.List(ctx, kvstore.Key(prefix), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var deals []*Deal
	for _, key := range keys {
		id := strings.TrimPrefix(key.String(), prefix)
		deal, err := ledger.GetDeal(ctx, id)
		if err != nil {
			if relayerr.NotFound.Has(err) {
				continue
			}
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// ListDeals returns every deal on the relay.
func (ledger *Ledger) ListDeals(ctx context.Context) (_ []*Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := ledger.store.List(ctx, kvstore.Key(nsDeal), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var deals []*Deal
	for _, key := range keys {
		var deal Deal
		if err := ledger.getJSON(ctx, key.String(), &deal); err != nil {
			return nil, err
		}
		clone := deal
		deals = append(deals, &clone)
	}
	return deals, nil
}

// GetAPIKey returns the api key record for keyID.
func (ledger *Ledger) GetAPIKey(ctx context.Context, keyID string) (_ *APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var key APIKey
	if err := ledger.getJSON(ctx, nsAPIKey+keyID, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// PutAPIKey writes the api key record.
func (ledger *Ledger) PutAPIKey(ctx context.Context, key *APIKey) (err error) {
	defer mon.Task()(&ctx)(&err)

	key.Meta = ledger.stamp()
	return ledger.putJSON(ctx, nsAPIKey+key.KeyID, key)
}

// DeleteAPIKey removes the api key record.
func (ledger *Ledger) DeleteAPIKey(ctx context.Context, keyID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(ledger.store.Delete(ctx, kvstore.Key(nsAPIKey+keyID)))
}

// ListAPIKeys returns every api key record.
func (ledger *Ledger) ListAPIKeys(ctx context.Context) (_ []*APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := ledger.store.List(ctx, kvstore.Key(nsAPIKey), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var records []*APIKey
	for _, key := range keys {
		var record APIKey
		if err := ledger.getJSON(ctx, key.String(), &record); err != nil {
			return nil, err
		}
		clone := record
		records = append(records, &clone)
	}
	return records, nil
}

// GetLink returns the public link with linkID.
func (ledger *Ledger) GetLink(ctx context.Context, linkID string) (_ *PublicLink, err error) {
	defer mon.Task()(&ctx)(&err)

	var link PublicLink
	if err := ledger.getJSON(ctx, nsLink+linkID, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// PutLink writes the public link record.
func (ledger *Ledger) PutLink(ctx context.Context, link *PublicLink) (err error) {
	defer mon.Task()(&ctx)(&err)

	link.Meta = ledger.stamp()
	return ledger.putJSON(ctx, nsLink+link.LinkID, link)
}

// DeleteLink removes the public link record.
func (ledger *Ledger) DeleteLink(ctx context.Context, linkID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(ledger.store.Delete(ctx, kvstore.Key(nsLink+linkID)))
}

// ListLinks returns every public link record.
func (ledger *Ledger) ListLinks(ctx context.Context) (_ []*PublicLink, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := ledger.store.List(ctx, kvstore.Key(nsLink), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var links []*PublicLink
	for _, key := range keys {
		var link PublicLink
		if err := ledger.getJSON(ctx, key.String(), &link); err != nil {
			return nil, err
		}
		clone := link
		links = append(links, &clone)
	}
	return links, nil
}

// PutPulse writes the heartbeat record for host.
func (ledger *Ledger) PutPulse(ctx context.Context, pulse *Pulse) (err error) {
	defer mon.Task()(&ctx)(&err)

	pulse.Meta = ledger.stamp()
	return ledger.putJSON(ctx, nsPulse+pulse.Host, pulse)
}

// ListPulses returns the heartbeat records of every known relay host.
func (ledger *Ledger) ListPulses(ctx context.Context) (_ []*Pulse, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := ledger.store.List(ctx, kvstore.Key(nsPulse), 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var pulses []*Pulse
	for _, key := range keys {
		var pulse Pulse
		if err := ledger.getJSON(ctx, key.String(), &pulse); err != nil {
			return nil, err
		}
		clone := pulse
		pulses = append(pulses, &clone)
	}
	return pulses, nil
}

func uploadKey(ownerKey, cid string) string {
	return nsUpload + normalizeAddr(ownerKey) + "/" + cid
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
