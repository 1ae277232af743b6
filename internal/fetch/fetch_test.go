package fetch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predik/market-gateway/internal/fetch"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func TestFetcher_FetchesOnIdentitySet(t *testing.T) {
	f := fetch.New("balances", true, func(_ context.Context, userID string) (string, error) {
		return "data-for-" + userID, nil
	})

	f.SetIdentity("user-a")

	waitFor(t, func() bool { return !f.State().Loading })
	st := f.State()
	assert.Equal(t, "data-for-user-a", st.Data)
	assert.Empty(t, st.Err)
}

func TestFetcher_ScopedFetcherStaysEmptyWhileSignedOut(t *testing.T) {
	calls := 0
	f := fetch.New("positions", true, func(_ context.Context, _ string) ([]int, error) {
		calls++
		return []int{1}, nil
	})

	f.SetIdentity("")
	f.Refetch()
	time.Sleep(20 * time.Millisecond)

	st := f.State()
	assert.False(t, st.Loading)
	assert.Empty(t, st.Data)
	assert.Zero(t, calls, "no fetch may run while signed out")
}

func TestFetcher_IdentityChangeClearsDataSynchronously(t *testing.T) {
	release := make(chan struct{})
	f := fetch.New("profile", true, func(_ context.Context, userID string) (string, error) {
		if userID == "user-a" {
			return "secret-of-a", nil
		}
		<-release
		return "data-of-b", nil
	})

	f.SetIdentity("user-a")
	waitFor(t, func() bool { return f.State().Data == "secret-of-a" })

	// Switch identity: user A's data must be gone before B's fetch
	// resolves — no flash of another user's private data.
	f.SetIdentity("user-b")
	st := f.State()
	assert.Empty(t, st.Data, "old identity's data must be cleared synchronously")
	assert.True(t, st.Loading)

	close(release)
	waitFor(t, func() bool { return f.State().Data == "data-of-b" })
}

func TestFetcher_LateResponseFromOldIdentityIsDiscarded(t *testing.T) {
	releaseA := make(chan struct{})
	f := fetch.New("trades", true, func(_ context.Context, userID string) (string, error) {
		if userID == "user-a" {
			<-releaseA
			return "slow-data-of-a", nil
		}
		return "data-of-b", nil
	})

	f.SetIdentity("user-a") // request issued for A, still blocked
	f.SetIdentity("user-b")
	waitFor(t, func() bool { return f.State().Data == "data-of-b" })

	// A's response arrives after the identity moved on: it must not
	// overwrite B's data.
	close(releaseA)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "data-of-b", f.State().Data)
}

func TestFetcher_ErrorSurfacesGenericMessageAndKeepsLastData(t *testing.T) {
	var fail atomic.Bool
	f := fetch.New("markets", false, func(_ context.Context, _ string) (int, error) {
		if fail.Load() {
			return 0, errors.New("dial tcp: connection refused")
		}
		return 7, nil
	})

	f.SetIdentity("any")
	waitFor(t, func() bool { return f.State().Data == 7 })

	fail.Store(true)
	f.Refetch()
	waitFor(t, func() bool { return f.State().Err != "" })

	st := f.State()
	assert.Equal(t, fetch.ErrGenericFailure, st.Err)
	assert.Equal(t, 7, st.Data, "last successful data remains until replaced")
	assert.False(t, st.Loading)
}

func TestFetcher_RefetchClearsErrorOnSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := fetch.New("markets", false, func(_ context.Context, _ string) (int, error) {
		if fail.Load() {
			return 0, errors.New("boom")
		}
		return 3, nil
	})

	f.SetIdentity("x")
	waitFor(t, func() bool { return f.State().Err != "" })

	fail.Store(false)
	f.Refetch()
	waitFor(t, func() bool { return f.State().Err == "" && f.State().Data == 3 })
}

func TestFetcher_SubscribeSignalsOnChange(t *testing.T) {
	f := fetch.New("markets", false, func(_ context.Context, _ string) (int, error) {
		return 1, nil
	})
	ch := f.Subscribe()

	f.SetIdentity("x")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestFetcher_AutoRefreshRefetchesOnInterval(t *testing.T) {
	var calls atomic.Int64
	f := fetch.New("markets", false, func(_ context.Context, _ string) (int64, error) {
		return calls.Add(1), nil
	})

	f.SetIdentity("x")
	waitFor(t, func() bool { return calls.Load() >= 1 })

	ctx, cancel := context.WithCancel(context.Background())
	f.AutoRefresh(ctx, 5*time.Millisecond)
	waitFor(t, func() bool { return calls.Load() >= 3 })

	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "cancelled refresh must stop fetching")
}

func TestFetcher_ConcurrentRefetchesLastWins(t *testing.T) {
	f := fetch.New("markets", false, func(_ context.Context, _ string) (int, error) {
		return 5, nil
	})

	f.SetIdentity("x")
	for i := 0; i < 10; i++ {
		f.Refetch()
	}

	waitFor(t, func() bool {
		st := f.State()
		return !st.Loading && st.Data == 5
	})
}
