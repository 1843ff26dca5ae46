// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package governor enforces the relay's storage caps through short-lived
// reservations claimed before bytes start flowing.
//
// A single mutex guards the reservation table; nothing under the lock
// performs I/O, so the critical section stays bounded. Current usage
// figures are passed in by the caller.
package governor

import (
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/relayerr"
)

// Error is the default governor error class.
var Error = errs.Class("governor error")

// Config holds the cap parameters.
type Config struct {
	RelayCap         memory.Size `help:"global relay storage cap, 0 disables the cap" default:"0"`
	WarningThreshold float64     `help:"fraction of a cap that triggers the warning flag" default:"0.8"`
}

// Governor owns the reservation table.
type Governor struct {
	config Config

	mu            sync.Mutex
	reserved      map[string]int64 // addr -> reserved bytes
	totalReserved int64
}

// New creates a governor.
func New(config Config) *Governor {
	if config.WarningThreshold <= 0 || config.WarningThreshold > 1 {
		config.WarningThreshold = 0.8
	}
	return &Governor{
		config:   config,
		reserved: map[string]int64{},
	}
}

// Reservation is a claimed quota slice. Release must run on every exit
// path; Adjust replaces the estimate once the actual size is known.
type Reservation struct {
	governor *Governor
	addr     string
	bytes    int64

	once sync.Once
}

// SubscriptionBudget is the caller-supplied view of a subscription's
// quota at admission time.
type SubscriptionBudget struct {
	Addr       string
	UsedBytes  int64
	LimitBytes int64
}

// Reserve claims requestedBytes against the subscription budget and the
// global cap. liveBytes is the relay-wide live total; a zero budget addr
// means the upload is unmetered (admin or deal backed) and only the
// global cap applies.
func (governor *Governor) Reserve(budget SubscriptionBudget, liveBytes, requestedBytes int64) (*Reservation, error) {
	if requestedBytes < 0 {
		return nil, Error.New("negative reservation")
	}

	governor.mu.Lock()
	defer governor.mu.Unlock()

	addr := strings.ToLower(budget.Addr)
	if addr != "" {
		if budget.UsedBytes+governor.reserved[addr]+requestedBytes > budget.LimitBytes {
			return nil, relayerr.QuotaExceeded.Wrap(Error.New(
				"subscription budget exceeded: used %d + reserved %d + requested %d > limit %d",
				budget.UsedBytes, governor.reserved[addr], requestedBytes, budget.LimitBytes))
		}
	}

	if cap := governor.config.RelayCap.Int64(); cap > 0 {
		if liveBytes+governor.totalReserved+requestedBytes > cap {
			return nil, relayerr.QuotaExceeded.Wrap(Error.New(
				"relay cap exceeded: live %d + reserved %d + requested %d > cap %d",
				liveBytes, governor.totalReserved, requestedBytes, cap))
		}
	}

	if addr != "" {
		governor.reserved[addr] += requestedBytes
	}
	governor.totalReserved += requestedBytes

	return &Reservation{governor: governor, addr: addr, bytes: requestedBytes}, nil
}

// Adjust replaces the reservation's estimated size with actualBytes.
// Growing a reservation re-checks no cap; the stream already consumed
// the bytes, so reconciliation owns any overshoot.
func (reservation *Reservation) Adjust(actualBytes int64) {
	if reservation == nil {
		return
	}
	governor := reservation.governor

	governor.mu.Lock()
	defer governor.mu.Unlock()

	delta := actualBytes - reservation.bytes
	if reservation.addr != "" {
		governor.reserved[reservation.addr] += delta
		if governor.reserved[reservation.addr] <= 0 {
			delete(governor.reserved, reservation.addr)
		}
	}
	governor.totalReserved += delta
	reservation.bytes = actualBytes
}

// Release returns the reserved bytes to the pool. Safe to call more than
// once; only the first call has effect.
func (reservation *Reservation) Release() {
	if reservation == nil {
		return
	}
	reservation.once.Do(func() {
		governor := reservation.governor

		governor.mu.Lock()
		defer governor.mu.Unlock()

		if reservation.addr != "" {
			governor.reserved[reservation.addr] -= reservation.bytes
			if governor.reserved[reservation.addr] <= 0 {
				delete(governor.reserved, reservation.addr)
			}
		}
		governor.totalReserved -= reservation.bytes
	})
}

// Usage reports the relay-wide cap usage for tier listings and health.
type Usage struct {
	UsedBytes     int64   `json:"usedBytes"`
	ReservedBytes int64   `json:"reservedBytes"`
	CapBytes      int64   `json:"capBytes"`
	PercentUsed   float64 `json:"percentUsed"`
	Warning       bool    `json:"warning"`
}

// Usage computes cap usage given the current live byte total.
func (governor *Governor) Usage(liveBytes int64) Usage {
	governor.mu.Lock()
	defer governor.mu.Unlock()

	usage := Usage{
		UsedBytes:     liveBytes,
		ReservedBytes: governor.totalReserved,
		CapBytes:      governor.config.RelayCap.Int64(),
	}
	if usage.CapBytes > 0 {
		usage.PercentUsed = float64(liveBytes) / float64(usage.CapBytes) * 100
		usage.Warning = float64(liveBytes) >= float64(usage.CapBytes)*governor.config.WarningThreshold
	}
	return usage
}

// ReservedFor returns the bytes currently reserved for addr; test hook.
func (governor *Governor) ReservedFor(addr string) int64 {
	governor.mu.Lock()
	defer governor.mu.Unlock()
	return governor.reserved[strings.ToLower(addr)]
}

// TotalReserved returns the global reserved byte count.
func (governor *Governor) TotalReserved() int64 {
	governor.mu.Lock()
	defer governor.mu.Unlock()
	return governor.totalReserved
}
