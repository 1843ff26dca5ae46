// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package governor_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shogun-labs/relay/governor"
	"github.com/shogun-labs/relay/internal/memory"
	"github.com/shogun-labs/relay/internal/relayerr"
)

func TestSubscriptionBudget(t *testing.T) {
	gov := governor.New(governor.Config{})

	budget := governor.SubscriptionBudget{Addr: "0xabc", UsedBytes: 700, LimitBytes: 1000}

	first, err := gov.Reserve(budget, 0, 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), gov.ReservedFor("0xabc"))

	// 700 used + 200 reserved + 200 requested > 1000
	_, err = gov.Reserve(budget, 0, 200)
	require.True(t, relayerr.QuotaExceeded.Has(err))

	// a different subscription is unaffected
	other := governor.SubscriptionBudget{Addr: "0xdef", UsedBytes: 0, LimitBytes: 1000}
	second, err := gov.Reserve(other, 0, 200)
	require.NoError(t, err)

	first.Release()
	second.Release()
	require.Zero(t, gov.ReservedFor("0xabc"))
	require.Zero(t, gov.TotalReserved())
}

func TestGlobalCap(t *testing.T) {
	gov := governor.New(governor.Config{RelayCap: 1000})

	// unmetered principal, only the global cap applies
	reservation, err := gov.Reserve(governor.SubscriptionBudget{}, 500, 400)
	require.NoError(t, err)

	_, err = gov.Reserve(governor.SubscriptionBudget{}, 500, 200)
	require.True(t, relayerr.QuotaExceeded.Has(err))

	reservation.Release()

	_, err = gov.Reserve(governor.SubscriptionBudget{}, 500, 200)
	require.NoError(t, err)
}

func TestCapDisabled(t *testing.T) {
	gov := governor.New(governor.Config{RelayCap: 0})

	reservation, err := gov.Reserve(governor.SubscriptionBudget{}, 1<<40, 1<<40)
	require.NoError(t, err)
	reservation.Release()
}

func TestAdjustAndDoubleRelease(t *testing.T) {
	gov := governor.New(governor.Config{})
	budget := governor.SubscriptionBudget{Addr: "0xabc", LimitBytes: 10000}

	reservation, err := gov.Reserve(budget, 0, 5000)
	require.NoError(t, err)

	// actual size turned out smaller than the estimate
	reservation.Adjust(3000)
	require.Equal(t, int64(3000), gov.ReservedFor("0xabc"))
	require.Equal(t, int64(3000), gov.TotalReserved())

	reservation.Release()
	reservation.Release() // second release is a no-op
	require.Zero(t, gov.TotalReserved())
}

func TestConcurrentReservations(t *testing.T) {
	gov := governor.New(governor.Config{RelayCap: memory.Size(100)})

	// 100 goroutines race for 10 slots of 10 bytes
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reservation, err := gov.Reserve(governor.SubscriptionBudget{}, 0, 10)
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				_ = reservation
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, granted)
	require.Equal(t, int64(100), gov.TotalReserved())
}

func TestUsageWarning(t *testing.T) {
	gov := governor.New(governor.Config{RelayCap: 1000, WarningThreshold: 0.8})

	usage := gov.Usage(500)
	require.False(t, usage.Warning)
	require.InDelta(t, 50.0, usage.PercentUsed, 0.01)

	usage = gov.Usage(850)
	require.True(t, usage.Warning)
	require.Equal(t, int64(1000), usage.CapBytes)
}
