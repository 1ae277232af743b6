// Package fetch provides identity-scoped, reactive data fetchers: the
// gateway's equivalent of the front end's data hooks. Each fetcher
// exposes {data, loading, error, refetch}, re-runs automatically when the
// owning identity changes, and discards responses that resolve after the
// identity they were issued for is gone.
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/predik/market-gateway/internal/metrics"
)

// DefaultTimeout bounds one fetch round trip. The backend defines no
// timeout of its own, so connectivity stalls surface as generic errors
// here instead of hanging a view.
const DefaultTimeout = 20 * time.Second

// ErrGenericFailure is the user-facing message for transport-level fetch
// failures.
const ErrGenericFailure = "connection error"

// Func loads data for an identity. Fetchers that are not identity-scoped
// receive the empty string.
type Func[T any] func(ctx context.Context, userID string) (T, error)

// State is a point-in-time snapshot of a fetcher.
type State[T any] struct {
	Data    T      `json:"data"`
	Loading bool   `json:"loading"`
	Err     string `json:"error,omitempty"`
}

// Fetcher runs a Func and holds its latest result. Data is cleared
// synchronously the moment the identity changes — stale rows from a
// previous identity are never observable — and every request carries the
// generation current at issue time; responses from an older generation
// are dropped. Overlapping refetches within one generation are allowed
// to race; the last response to resolve wins.
type Fetcher[T any] struct {
	name    string
	fn      Func[T]
	timeout time.Duration
	scoped  bool // identity-scoped: no fetch while signed out

	mu       sync.Mutex
	identity string
	gen      uint64
	data     T
	loading  bool
	errMsg   string
	subs     []chan struct{}
}

// New creates a fetcher. Identity-scoped fetchers hold empty data while
// signed out; unscoped ones (e.g. the public market list) fetch with an
// empty identity.
func New[T any](name string, scoped bool, fn Func[T]) *Fetcher[T] {
	return &Fetcher[T]{
		name:    name,
		fn:      fn,
		timeout: DefaultTimeout,
		scoped:  scoped,
	}
}

// SetTimeout overrides the per-request timeout.
func (f *Fetcher[T]) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.timeout = d
	}
}

// SetIdentity switches the owning identity. Previous data and error are
// cleared synchronously, before this call returns and before the new
// identity's fetch starts; in-flight responses for the old identity are
// invalidated by the generation bump.
func (f *Fetcher[T]) SetIdentity(userID string) {
	f.mu.Lock()
	if f.identity == userID {
		f.mu.Unlock()
		return
	}
	f.identity = userID
	f.gen++
	var zero T
	f.data = zero
	f.errMsg = ""

	if f.scoped && userID == "" {
		f.loading = false
		f.notifyLocked()
		f.mu.Unlock()
		return
	}
	f.loading = true
	f.notifyLocked()
	f.startLocked()
	f.mu.Unlock()
}

// Refetch re-runs the fetch for the current identity. Safe to call any
// number of times; overlapping calls race and the last resolver wins.
func (f *Fetcher[T]) Refetch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scoped && f.identity == "" {
		return
	}
	f.loading = true
	f.notifyLocked()
	f.startLocked()
}

// AutoRefresh refetches on a fixed interval until ctx is cancelled.
// Scoped fetchers without an identity skip the tick, same as Refetch.
func (f *Fetcher[T]) AutoRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Refetch()
			}
		}
	}()
}

// State returns the current snapshot.
func (f *Fetcher[T]) State() State[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State[T]{Data: f.data, Loading: f.loading, Err: f.errMsg}
}

// Subscribe returns a channel that receives a signal (coalesced) every
// time the snapshot changes.
func (f *Fetcher[T]) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

// startLocked launches one fetch for the current identity/generation.
// Caller holds f.mu.
func (f *Fetcher[T]) startLocked() {
	gen := f.gen
	identity := f.identity
	timeout := f.timeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		data, err := f.fn(ctx, identity)

		f.mu.Lock()
		defer f.mu.Unlock()
		if gen != f.gen {
			// The identity changed while this request was in flight.
			metrics.StaleFetchesDiscarded.Inc()
			return
		}
		f.loading = false
		if err != nil {
			slog.Error("fetch failed", "fetcher", f.name, "err", err)
			f.errMsg = ErrGenericFailure
			f.notifyLocked()
			return
		}
		f.data = data
		f.errMsg = ""
		f.notifyLocked()
	}()
}

func (f *Fetcher[T]) notifyLocked() {
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
