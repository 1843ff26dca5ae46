// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package scheduler runs the relay's background chores on fixed cycles.
// Each chore holds an in-process guard so a slow pass is skipped rather
// than stacked.
package scheduler

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shogun-labs/relay/auth"
	"github.com/shogun-labs/relay/deal"
	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/identity"
	"github.com/shogun-labs/relay/internal/sync2"
	"github.com/shogun-labs/relay/ledger"
)

var (
	mon = monkit.Package()

	// Error is the default scheduler error class.
	Error = errs.Class("scheduler error")
)

// Node is the pinning surface the chores need.
type Node interface {
	Pin(ctx context.Context, cid string) error
	Unpin(ctx context.Context, cid string) error
	IsPinned(ctx context.Context, cid string) (bool, error)
}

// Config holds the chore intervals.
type Config struct {
	DealFastSyncInterval time.Duration `help:"how often active deal pins are verified" default:"120s"`
	DealFullSyncInterval time.Duration `help:"how often deal expiry is swept" default:"300s"`
	OrphanSweepInterval  time.Duration `help:"how often unreferenced pins are swept" default:"3600s"`
	OrphanMaxAge         time.Duration `help:"minimum age of a zero refcount before its pin is dropped" default:"1h"`
	LinkExpiryInterval   time.Duration `help:"how often expired public links are purged" default:"300s"`
	ReconcileInterval    time.Duration `help:"how often usage counters are recomputed" default:"3600s"`
	SessionReapInterval  time.Duration `help:"how often stale sessions are reaped" default:"300s"`
	PulseInterval        time.Duration `help:"how often the relay writes its heartbeat" default:"10s"`
	SessionTTL           time.Duration `help:"session idle cutoff used by the reaper" default:"24h"`
}

// chore pairs a cycle with its work function and re-entrancy guard.
type chore struct {
	name    string
	cycle   *sync2.Cycle
	fn      func(ctx context.Context) error
	running int32
}

// Service owns the background chores.
//
// architecture: Chore
type Service struct {
	log      *zap.Logger
	config   Config
	db       *ledger.Ledger
	deals    *deal.Service
	node     Node
	sessions *auth.Sessions
	governor *governor.Governor
	identity *identity.FullIdentity

	host      string
	startedAt time.Time
	chores    []*chore
}

// New creates the chore set. Any nil collaborator disables the chores
// that need it.
func New(log *zap.Logger, config Config, db *ledger.Ledger, deals *deal.Service, node Node, sessions *auth.Sessions, gov *governor.Governor, ident *identity.FullIdentity) *Service {
	host, _ := os.Hostname()
	if host == "" {
		host = "relay"
	}

	service := &Service{
		log:       log,
		config:    config,
		db:        db,
		deals:     deals,
		node:      node,
		sessions:  sessions,
		governor:  gov,
		identity:  ident,
		host:      host,
		startedAt: time.Now().UTC(),
	}

	service.add("deal-fast-sync", config.DealFastSyncInterval, service.DealFastSync)
	service.add("deal-full-sync", config.DealFullSyncInterval, service.DealFullSync)
	service.add("orphan-sweep", config.OrphanSweepInterval, service.OrphanSweep)
	service.add("link-expiry", config.LinkExpiryInterval, service.LinkExpiry)
	service.add("reconcile", config.ReconcileInterval, service.Reconcile)
	service.add("session-reap", config.SessionReapInterval, service.SessionReap)
	service.add("pulse", config.PulseInterval, service.Pulse)
	return service
}

func (service *Service) add(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	service.chores = append(service.chores, &chore{
		name:  name,
		cycle: sync2.NewCycle(interval),
		fn:    fn,
	})
}

// Run drives every chore until ctx is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	for _, ch := range service.chores {
		ch := ch
		group.Go(func() error {
			return ch.cycle.Run(ctx, func(ctx context.Context) error {
				if !atomic.CompareAndSwapInt32(&ch.running, 0, 1) {
					service.log.Warn("chore still running, skipping pass",
						zap.String("chore", ch.name))
					return nil
				}
				defer atomic.StoreInt32(&ch.running, 0)

				if err := ch.fn(ctx); err != nil {
					service.log.Error("chore pass failed",
						zap.String("chore", ch.name), zap.Error(err))
				}
				return nil
			})
		})
	}
	return group.Wait()
}

// Close stops every cycle.
func (service *Service) Close() error {
	for _, ch := range service.chores {
		ch.cycle.Close()
	}
	return nil
}

// DealFastSync re-pins active deals whose pin went missing.
func (service *Service) DealFastSync(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if service.deals == nil || service.node == nil {
		return nil
	}

	active, err := service.deals.ListByStatus(ctx, ledger.DealActive)
	if err != nil {
		return err
	}
	for _, d := range active {
		pinned, err := service.node.IsPinned(ctx, d.CID)
		if err != nil {
			return err
		}
		if pinned {
			continue
		}
		service.log.Warn("active deal lost its pin, re-pinning",
			zap.String("deal", d.ID), zap.String("cid", d.CID))
		if err := service.node.Pin(ctx, d.CID); err != nil {
			return err
		}
	}
	return nil
}

// DealFullSync sweeps deal expiry.
func (service *Service) DealFullSync(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if service.deals == nil {
		return nil
	}

	expired, err := service.deals.MarkExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		service.log.Info("deal expiry sweep", zap.Int("expired", expired))
	}
	return nil
}

// OrphanSweep unpins content whose refcount has sat at zero for longer
// than the configured age.
func (service *Service) OrphanSweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if service.node == nil {
		return nil
	}

	refs, err := service.db.ListPinRefs(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-service.config.OrphanMaxAge)
	for _, ref := range refs {
		if ref.Count > 0 || ref.UpdatedAt.After(cutoff) {
			continue
		}
		pinned, err := service.node.IsPinned(ctx, ref.CID)
		if err != nil {
			return err
		}
		if !pinned {
			continue
		}
		service.log.Info("sweeping orphaned pin", zap.String("cid", ref.CID))
		if err := service.node.Unpin(ctx, ref.CID); err != nil {
			service.log.Warn("orphan unpin failed",
				zap.String("cid", ref.CID), zap.Error(err))
		}
	}
	return nil
}

// LinkExpiry purges expired and revoked public links.
func (service *Service) LinkExpiry(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	links, err := service.db.ListLinks(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, link := range links {
		if !link.Revoked && !link.Expired(now) {
			continue
		}
		if err := service.db.DeleteLink(ctx, link.LinkID); err != nil {
			return err
		}
		service.log.Info("purged public link", zap.String("link", link.LinkID))
	}
	return nil
}

// Reconcile recomputes subscription usage and pin refcounts from the
// live upload rows, which are the source of truth.
func (service *Service) Reconcile(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	uploads, err := service.db.ListAllUploads(ctx)
	if err != nil {
		return err
	}

	usage := map[string]int64{}
	expected := map[string]int64{}
	dirOwners := map[string]map[string]bool{}
	for _, up := range uploads {
		if !up.DealUpload {
			usage[up.OwnerKey] += up.SizeBytes
		}
		if up.ParentDirCID == "" {
			expected[up.CID]++
			continue
		}
		// directory uploads hold one reference per owner on the dir cid
		if dirOwners[up.ParentDirCID] == nil {
			dirOwners[up.ParentDirCID] = map[string]bool{}
		}
		dirOwners[up.ParentDirCID][up.OwnerKey] = true
	}
	for dirCID, owners := range dirOwners {
		expected[dirCID] += int64(len(owners))
	}

	if service.deals != nil {
		active, err := service.deals.ListByStatus(ctx, ledger.DealActive)
		if err != nil {
			return err
		}
		for _, d := range active {
			expected[d.CID]++
		}
	}

	for addr, used := range usage {
		sub, err := service.db.GetSubscription(ctx, addr)
		if err != nil {
			continue
		}
		if sub.StorageUsed == used {
			continue
		}
		service.log.Warn("correcting drifted usage counter",
			zap.String("address", addr),
			zap.Int64("stored", sub.StorageUsed),
			zap.Int64("computed", used))
		sub.StorageUsed = used
		if err := service.db.PutSubscription(ctx, sub); err != nil {
			return err
		}
	}

	refs, err := service.db.ListPinRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		want := expected[ref.CID]
		if ref.Count == want {
			continue
		}
		service.log.Warn("correcting drifted pin refcount",
			zap.String("cid", ref.CID),
			zap.Int64("stored", ref.Count),
			zap.Int64("computed", want))
		if err := service.db.SetPinRef(ctx, ref.CID, want); err != nil {
			return err
		}
	}
	return nil
}

// SessionReap drops sessions idle past the ttl.
func (service *Service) SessionReap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if service.sessions == nil {
		return nil
	}

	reaped := service.sessions.Reap(time.Now(), service.config.SessionTTL)
	if reaped > 0 {
		service.log.Info("reaped sessions", zap.Int("count", reaped))
	}
	return nil
}

// Pulse writes the relay's heartbeat record.
func (service *Service) Pulse(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	liveBytes, err := service.db.LiveBytes(ctx)
	if err != nil {
		return err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pulse := &ledger.Pulse{
		Host:          service.host,
		StartedAt:     service.startedAt,
		UptimeSeconds: int64(time.Since(service.startedAt) / time.Second),
		Goroutines:    runtime.NumGoroutine(),
		AllocBytes:    mem.Alloc,
		LiveBytes:     liveBytes,
	}
	if service.identity != nil {
		pulse.Address = service.identity.Address
	}
	if service.governor != nil {
		pulse.CapBytes = service.governor.Usage(liveBytes).CapBytes
	}
	return service.db.PutPulse(ctx, pulse)
}

// StartedAt reports when the chore set was created; the health endpoint
// derives uptime from it.
func (service *Service) StartedAt() time.Time { return service.startedAt }
