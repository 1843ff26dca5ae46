// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package pipeline implements the upload path: admission, spooling,
// content-addressed add, and the ledger commit, with compensation on
// every failure so a half-finished upload leaves no trace.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/ipfs"
	"github.com/shogun-labs/relay/ledger"
)

var (
	mon = monkit.Package()

	// Error is the default pipeline error class.
	Error = errs.Class("pipeline error")
)

// Billing selects whose quota an upload is charged against.
type Billing string

// billing modes
const (
	// BillingSubscription charges the owner's prepaid storage budget.
	BillingSubscription Billing = "subscription"
	// BillingDeal is paid per file; only the global cap applies.
	BillingDeal Billing = "deal"
	// BillingAdmin is unmetered except for the global cap.
	BillingAdmin Billing = "admin"
)

// Node is the content-store surface the pipeline needs.
type Node interface {
	Add(ctx context.Context, name string, data io.Reader, opts ipfs.AddOptions) (ipfs.AddResult, error)
	AddDir(ctx context.Context, files []ipfs.AddFile, pin bool) (ipfs.AddResult, error)
	Unpin(ctx context.Context, cid string) error
}

// Config holds the pipeline parameters.
type Config struct {
	SpoolDir         string      `help:"directory for upload spool files, empty for the system default" default:""`
	MaxUploadSize    memory.Size `help:"hard cap on a single upload" default:"100MiB"`
	EstimateFallback memory.Size `help:"reserved size when the request carries no length" default:"10MiB"`
}

// Service is the upload pipeline.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	config   Config
	db       *ledger.Ledger
	node     Node
	governor *governor.Governor

	mu      sync.Mutex
	flights map[string]*flight
}

// flight coalesces concurrent uploads of identical content by the same
// owner onto one add.
type flight struct {
	done   chan struct{}
	result *Result
	err    error
}

// NewService creates an upload pipeline.
func NewService(log *zap.Logger, config Config, db *ledger.Ledger, node Node, gov *governor.Governor) *Service {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = 100 * memory.MiB
	}
	if config.EstimateFallback <= 0 {
		config.EstimateFallback = 10 * memory.MiB
	}
	return &Service{
		log:      log,
		config:   config,
		db:       db,
		node:     node,
		governor: gov,
		flights:  map[string]*flight{},
	}
}

// Request is one file upload.
type Request struct {
	// OwnerKey scopes the upload: a wallet address or the admin owner key.
	OwnerKey string
	Billing  Billing

	Name        string
	ContentType string
	// SizeHint is the declared length, 0 when unknown.
	SizeHint  int64
	Body      io.Reader
	Encrypted bool
}

// Result reports a finished upload.
type Result struct {
	CID         string `json:"cid"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
	OwnerKey    string `json:"ownerKey"`
	Fingerprint string `json:"fingerprint"`

	// Dedup is set when the owner already held identical content.
	Dedup bool `json:"dedup,omitempty"`
	// ConcurrentDuplicate is set when this request coalesced onto
	// another in-flight upload of the same content.
	ConcurrentDuplicate bool `json:"concurrentDuplicate,omitempty"`
}

// Process runs the full upload pipeline for req.
func (service *Service) Process(ctx context.Context, req Request) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	reservation, err := service.admit(ctx, req.OwnerKey, req.Billing, req.SizeHint)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	spool, err := service.spool(ctx, req.Body)
	if err != nil {
		return nil, err
	}
	defer spool.discard()

	reservation.Adjust(spool.size)

	fingerprint := Fingerprint(spool.sum, req.Name)
	if existing, err := service.db.FindUploadByFingerprint(ctx, req.OwnerKey, fingerprint); err == nil {
		return &Result{
			CID:         existing.CID,
			SizeBytes:   existing.SizeBytes,
			ContentType: existing.ContentType,
			OwnerKey:    existing.OwnerKey,
			Fingerprint: existing.Fingerprint,
			Dedup:       true,
		}, nil
	} else if !relayerr.NotFound.Has(err) {
		return nil, err
	}

	flightKey := strings.ToLower(req.OwnerKey) + "/" + fingerprint
	leader, call := service.join(flightKey)
	if !leader {
		spool.discard()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, Error.Wrap(ctx.Err())
		}
		if call.err != nil {
			return nil, call.err
		}
		dup := *call.result
		dup.Dedup = true
		dup.ConcurrentDuplicate = true
		return &dup, nil
	}

	result, err := service.addAndCommit(ctx, req, spool, fingerprint)
	service.leave(flightKey, call, result, err)
	return result, err
}

// addAndCommit streams the spooled content into the store and writes the
// ledger rows, compensating in reverse order on failure.
func (service *Service) addAndCommit(ctx context.Context, req Request, spool *spoolFile, fingerprint string) (_ *Result, err error) {
	if _, err := spool.file.Seek(0, io.SeekStart); err != nil {
		return nil, Error.Wrap(err)
	}

	added, err := service.node.Add(ctx, req.Name, spool.file, ipfs.AddOptions{Pin: true})
	if err != nil {
		return nil, err
	}

	count, err := service.db.IncrementPinRef(ctx, added.CID)
	if err != nil {
		service.compensateUnheldPin(ctx, added.CID)
		return nil, err
	}

	up := &ledger.Upload{
		OwnerKey:     req.OwnerKey,
		CID:          added.CID,
		Fingerprint:  fingerprint,
		SizeBytes:    spool.size,
		ContentType:  contentType(req.ContentType, req.Name),
		OriginalName: req.Name,
		UploadedAt:   time.Now().UTC(),
		Encrypted:    req.Encrypted,
		DealUpload:   req.Billing == BillingDeal,
	}
	if err := service.db.PutUpload(ctx, up); err != nil {
		service.compensatePin(ctx, added.CID, count)
		return nil, err
	}

	if req.Billing == BillingSubscription {
		if err := service.adjustUsage(ctx, req.OwnerKey, spool.size); err != nil {
			service.log.Error("usage increment failed, reconciliation will correct",
				zap.String("owner", req.OwnerKey), zap.Error(err))
		}
	}

	service.log.Info("upload committed",
		zap.String("owner", up.OwnerKey),
		zap.String("cid", up.CID),
		zap.Int64("size", up.SizeBytes))

	return &Result{
		CID:         up.CID,
		SizeBytes:   up.SizeBytes,
		ContentType: up.ContentType,
		OwnerKey:    up.OwnerKey,
		Fingerprint: up.Fingerprint,
	}, nil
}

// DirFile is one member of a directory upload.
type DirFile struct {
	// Path is the slash-separated path relative to the directory root.
	Path        string
	ContentType string
	Body        io.Reader
}

// DirResult reports a finished directory upload.
type DirResult struct {
	DirCID     string   `json:"dirCid"`
	TotalBytes int64    `json:"totalBytes"`
	Files      []Result `json:"files"`
}

// ProcessDirectory uploads a set of files as one wrapped directory. The
// pin reference is held on the directory cid; children are reachable
// through it.
func (service *Service) ProcessDirectory(ctx context.Context, ownerKey string, billing Billing, files []DirFile) (_ *DirResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(files) == 0 {
		return nil, relayerr.Malformed.Wrap(Error.New("empty directory upload"))
	}

	// pre-spool estimate only; the true total is enforced while spooling
	estimate := service.config.EstimateFallback.Int64() * int64(len(files))
	if max := service.config.MaxUploadSize.Int64(); estimate > max {
		estimate = max
	}
	reservation, err := service.admit(ctx, ownerKey, billing, estimate)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	spools := make([]*spoolFile, 0, len(files))
	defer func() {
		for _, spool := range spools {
			spool.discard()
		}
	}()

	var total int64
	for _, file := range files {
		spool, err := service.spool(ctx, file.Body)
		if err != nil {
			return nil, err
		}
		spools = append(spools, spool)
		total += spool.size
		if total > service.config.MaxUploadSize.Int64() {
			return nil, relayerr.PayloadTooLarge.Wrap(Error.New(
				"directory exceeds the upload cap %s", service.config.MaxUploadSize))
		}
	}
	reservation.Adjust(total)

	addFiles := make([]ipfs.AddFile, len(files))
	for i, file := range files {
		if _, err := spools[i].file.Seek(0, io.SeekStart); err != nil {
			return nil, Error.Wrap(err)
		}
		addFiles[i] = ipfs.AddFile{Name: file.Path, Data: spools[i].file}
	}

	added, err := service.node.AddDir(ctx, addFiles, true)
	if err != nil {
		return nil, err
	}

	count, err := service.db.IncrementPinRef(ctx, added.CID)
	if err != nil {
		service.compensateUnheldPin(ctx, added.CID)
		return nil, err
	}

	result := &DirResult{DirCID: added.CID, TotalBytes: total}
	entryByPath := map[string]ipfs.AddEntry{}
	for _, entry := range added.Entries {
		entryByPath[entry.Path] = entry
	}

	now := time.Now().UTC()
	for i, file := range files {
		entry := entryByPath[file.Path]
		up := &ledger.Upload{
			OwnerKey:     ownerKey,
			CID:          entry.CID,
			Fingerprint:  Fingerprint(spools[i].sum, file.Path),
			SizeBytes:    spools[i].size,
			ContentType:  contentType(file.ContentType, file.Path),
			OriginalName: file.Path,
			UploadedAt:   now,
			ParentDirCID: added.CID,
			DealUpload:   billing == BillingDeal,
		}
		if err := service.db.PutUpload(ctx, up); err != nil {
			service.compensateUploads(ctx, ownerKey, result.Files)
			service.compensatePin(ctx, added.CID, count)
			return nil, err
		}
		result.Files = append(result.Files, Result{
			CID:         up.CID,
			SizeBytes:   up.SizeBytes,
			ContentType: up.ContentType,
			OwnerKey:    up.OwnerKey,
			Fingerprint: up.Fingerprint,
		})
	}

	if billing == BillingSubscription {
		if err := service.adjustUsage(ctx, ownerKey, total); err != nil {
			service.log.Error("usage increment failed, reconciliation will correct",
				zap.String("owner", ownerKey), zap.Error(err))
		}
	}

	service.log.Info("directory upload committed",
		zap.String("owner", ownerKey),
		zap.String("dirCid", added.CID),
		zap.Int("files", len(files)),
		zap.Int64("size", total))
	return result, nil
}

// Delete removes the owner's claim on cid: the row is tombstoned, the
// pin reference dropped, and the content unpinned once nothing holds it.
func (service *Service) Delete(ctx context.Context, ownerKey, cid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	up, err := service.db.GetUpload(ctx, ownerKey, cid)
	if err != nil {
		return err
	}

	count, err := service.db.DecrementPinRef(ctx, cid)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := service.node.Unpin(ctx, cid); err != nil {
			service.log.Warn("unpin failed, leaving to orphan sweep",
				zap.String("cid", cid), zap.Error(err))
		}
	}

	if err := service.db.DeleteUpload(ctx, ownerKey, cid); err != nil {
		return err
	}

	if !up.DealUpload {
		if err := service.adjustUsage(ctx, ownerKey, -up.SizeBytes); err != nil {
			service.log.Error("usage decrement failed, reconciliation will correct",
				zap.String("owner", ownerKey), zap.Error(err))
		}
	}

	service.log.Info("upload deleted",
		zap.String("owner", ownerKey), zap.String("cid", cid))
	return nil
}

// admit builds the quota reservation for an upload.
func (service *Service) admit(ctx context.Context, ownerKey string, billing Billing, sizeHint int64) (*governor.Reservation, error) {
	estimate := sizeHint
	if estimate <= 0 {
		estimate = service.config.EstimateFallback.Int64()
	}
	if estimate > service.config.MaxUploadSize.Int64() {
		return nil, relayerr.PayloadTooLarge.Wrap(Error.New(
			"declared size %d exceeds the upload cap %s", estimate, service.config.MaxUploadSize))
	}

	liveBytes, err := service.db.LiveBytes(ctx)
	if err != nil {
		return nil, err
	}

	budget := governor.SubscriptionBudget{}
	if billing == BillingSubscription {
		sub, err := service.db.GetSubscription(ctx, ownerKey)
		if err != nil {
			if relayerr.NotFound.Has(err) {
				return nil, relayerr.PaymentRequired.Wrap(Error.New("no subscription for %s", ownerKey))
			}
			return nil, err
		}
		if !sub.Active(time.Now()) {
			return nil, relayerr.PaymentRequired.Wrap(Error.New("subscription for %s expired", ownerKey))
		}
		budget = governor.SubscriptionBudget{
			Addr:       sub.Address,
			UsedBytes:  sub.StorageUsed,
			LimitBytes: sub.StorageLimit,
		}
	}
	return service.governor.Reserve(budget, liveBytes, estimate)
}

// spoolFile is the upload body staged on disk with its digest.
type spoolFile struct {
	file *os.File
	size int64
	sum  []byte

	once sync.Once
}

func (spool *spoolFile) discard() {
	spool.once.Do(func() {
		name := spool.file.Name()
		_ = spool.file.Close()
		_ = os.Remove(name)
	})
}

// spool stages body into a temp file while hashing and counting, and
// enforces the hard size cap.
func (service *Service) spool(ctx context.Context, body io.Reader) (_ *spoolFile, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := os.CreateTemp(service.config.SpoolDir, "relay-upload-*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	spool := &spoolFile{file: file}

	max := service.config.MaxUploadSize.Int64()
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(body, max+1))
	if err != nil {
		spool.discard()
		return nil, Error.Wrap(err)
	}
	if size > max {
		spool.discard()
		return nil, relayerr.PayloadTooLarge.Wrap(Error.New(
			"upload exceeds the cap %s", service.config.MaxUploadSize))
	}
	if err := file.Sync(); err != nil {
		spool.discard()
		return nil, Error.Wrap(err)
	}

	spool.size = size
	spool.sum = hasher.Sum(nil)
	return spool, nil
}

// compensatePin undoes a pin taken during a failed commit: the refcount
// is restored and the content unpinned when this upload was its only
// holder.
func (service *Service) compensatePin(ctx context.Context, cid string, countAfterIncrement int64) {
	if countAfterIncrement > 0 {
		if _, err := service.db.DecrementPinRef(ctx, cid); err != nil {
			service.log.Error("compensating pin refcount",
				zap.String("cid", cid), zap.Error(err))
			return
		}
	}
	if countAfterIncrement <= 1 {
		if err := service.node.Unpin(ctx, cid); err != nil {
			service.log.Warn("compensating unpin failed, leaving to orphan sweep",
				zap.String("cid", cid), zap.Error(err))
		}
	}
}

// compensateUnheldPin undoes a pin whose refcount increment never landed.
// Another owner may already hold the cid, so unpin only when the stored
// refcount is zero; if the count cannot be read the pin stays and the
// orphan sweep settles it.
func (service *Service) compensateUnheldPin(ctx context.Context, cid string) {
	ref, err := service.db.PinRef(ctx, cid)
	if err != nil {
		service.log.Warn("refcount unreadable during compensation, leaving pin to orphan sweep",
			zap.String("cid", cid), zap.Error(err))
		return
	}
	if ref.Count > 0 {
		return
	}
	if err := service.node.Unpin(ctx, cid); err != nil {
		service.log.Warn("compensating unpin failed, leaving to orphan sweep",
			zap.String("cid", cid), zap.Error(err))
	}
}

func (service *Service) compensateUploads(ctx context.Context, ownerKey string, committed []Result) {
	for i := len(committed) - 1; i >= 0; i-- {
		if err := service.db.DeleteUpload(ctx, ownerKey, committed[i].CID); err != nil {
			service.log.Error("compensating upload row",
				zap.String("cid", committed[i].CID), zap.Error(err))
		}
	}
}

// adjustUsage rewrites the owner's subscription usage counter by delta,
// flooring at zero. Owners without a subscription record are skipped.
func (service *Service) adjustUsage(ctx context.Context, ownerKey string, delta int64) error {
	sub, err := service.db.GetSubscription(ctx, ownerKey)
	if err != nil {
		if relayerr.NotFound.Has(err) {
			return nil
		}
		return err
	}
	sub.StorageUsed += delta
	if sub.StorageUsed < 0 {
		sub.StorageUsed = 0
	}
	return service.db.PutSubscription(ctx, sub)
}

func (service *Service) join(key string) (leader bool, _ *flight) {
	service.mu.Lock()
	defer service.mu.Unlock()

	if call, ok := service.flights[key]; ok {
		return false, call
	}
	call := &flight{done: make(chan struct{})}
	service.flights[key] = call
	return true, call
}

func (service *Service) leave(key string, call *flight, result *Result, err error) {
	service.mu.Lock()
	delete(service.flights, key)
	service.mu.Unlock()

	call.result, call.err = result, err
	close(call.done)
}

// Fingerprint derives the dedup key from the content digest and the
// original name: 16 hex digest characters plus a name slug.
func Fingerprint(sum []byte, name string) string {
	return hex.EncodeToString(sum)[:16] + "-" + slug(name)
}

func slug(name string) string {
	name = strings.ToLower(filepath.Base(name))
	var b strings.Builder
	lastDash := true
	for _, r := range name {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func contentType(declared, name string) string {
	if declared != "" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
