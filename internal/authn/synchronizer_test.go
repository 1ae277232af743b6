package authn_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predik/market-gateway/internal/authn"
	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/model"
)

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name     string
		fullName string
		email    string
		want     string
	}{
		{"accents and spaces stripped", "Ana López", "", "analpez"},
		{"plain name", "Juan Perez", "", "juanperez"},
		{"digits kept", "User 42", "", "user42"},
		{"email local part fallback", "", "ana.lopez@example.com", "analopez"},
		{"empty everything", "", "", "user"},
		{"only symbols", "___", "", "user"},
		{"uppercase email", "", "ANA@example.com", "ana"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, authn.DeriveUsername(tt.fullName, tt.email))
		})
	}
}

// countingBackend counts successful profile creations.
type countingBackend struct {
	backend.Backend
	creates atomic.Int32
}

func (c *countingBackend) CreateProfile(ctx context.Context, np backend.NewProfile) (*model.Profile, error) {
	p, err := c.Backend.CreateProfile(ctx, np)
	if err == nil {
		c.creates.Add(1)
	}
	return p, err
}

func anaUser() *authn.User {
	return &authn.User{
		ID:       "user-ana",
		Email:    "ana@example.com",
		FullName: "Ana López",
		Provider: "google",
	}
}

func TestEnsureProfile_CreatesWithDerivedUsername(t *testing.T) {
	mem := backend.NewMemoryBackend()
	sync := authn.NewSynchronizer(authn.NewStaticProvider(nil), mem)

	require.NoError(t, sync.EnsureProfile(context.Background(), anaUser()))

	p, err := mem.GetProfile(context.Background(), "user-ana")
	require.NoError(t, err)
	assert.Equal(t, "analpez", p.Username)
	assert.Equal(t, "Ana López", p.FullName)
	assert.True(t, p.Balance.Equal(backend.StartingBalance))
}

func TestEnsureProfile_RepeatedCallsAreNoOps(t *testing.T) {
	mem := backend.NewMemoryBackend()
	counting := &countingBackend{Backend: mem}
	sync := authn.NewSynchronizer(authn.NewStaticProvider(nil), counting)

	for i := 0; i < 5; i++ {
		require.NoError(t, sync.EnsureProfile(context.Background(), anaUser()))
	}

	assert.Equal(t, int32(1), counting.creates.Load())
}

func TestEnsureProfile_ConcurrentCallsCreateExactlyOneProfile(t *testing.T) {
	mem := backend.NewMemoryBackend()
	counting := &countingBackend{Backend: mem}
	s := authn.NewSynchronizer(authn.NewStaticProvider(nil), counting)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureProfile(context.Background(), anaUser())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d must not surface an error", i)
	}
	assert.Equal(t, int32(1), counting.creates.Load(), "exactly one profile row created")

	_, err := mem.GetProfile(context.Background(), "user-ana")
	require.NoError(t, err)
}

// alreadyExistsBackend loses every creation race.
type alreadyExistsBackend struct {
	backend.Backend
}

func (b *alreadyExistsBackend) GetProfile(context.Context, string) (*model.Profile, error) {
	return nil, backend.ErrNotFound
}

func (b *alreadyExistsBackend) CreateProfile(context.Context, backend.NewProfile) (*model.Profile, error) {
	return nil, backend.ErrAlreadyExists
}

func TestEnsureProfile_AlreadyExistsIsSuccess(t *testing.T) {
	b := &alreadyExistsBackend{Backend: backend.NewMemoryBackend()}
	s := authn.NewSynchronizer(authn.NewStaticProvider(nil), b)

	assert.NoError(t, s.EnsureProfile(context.Background(), anaUser()))
}

// brokenCheckBackend fails the existence check outright.
type brokenCheckBackend struct {
	backend.Backend
	createCalled atomic.Bool
}

func (b *brokenCheckBackend) GetProfile(context.Context, string) (*model.Profile, error) {
	return nil, errors.New("connection refused")
}

func (b *brokenCheckBackend) CreateProfile(context.Context, backend.NewProfile) (*model.Profile, error) {
	b.createCalled.Store(true)
	return nil, nil
}

func TestEnsureProfile_CheckFailureDoesNotCreate(t *testing.T) {
	b := &brokenCheckBackend{Backend: backend.NewMemoryBackend()}
	s := authn.NewSynchronizer(authn.NewStaticProvider(nil), b)

	err := s.EnsureProfile(context.Background(), anaUser())
	assert.Error(t, err)
	assert.False(t, b.createCalled.Load(), "create must not run when the check fails")
}

func session(u *authn.User) *authn.Session {
	return &authn.Session{AccessToken: "tok-" + u.ID, User: u}
}

func TestSynchronizer_SignInProvisionsAndSignOutClears(t *testing.T) {
	mem := backend.NewMemoryBackend()
	provider := authn.NewStaticProvider(nil)
	s := authn.NewSynchronizer(provider, mem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, 5*time.Millisecond,
		"initial session must settle loading")

	provider.Emit(authn.EventSignedIn, session(anaUser()))

	require.Eventually(t, func() bool { return s.UserID() == "user-ana" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := mem.GetProfile(context.Background(), "user-ana")
		return err == nil
	}, time.Second, 5*time.Millisecond, "profile must be provisioned after sign-in")

	provider.Emit(authn.EventSignedOut, nil)
	require.Eventually(t, func() bool { return s.UserID() == "" }, time.Second, 5*time.Millisecond)
}

func TestSynchronizer_DuplicateEventsConverge(t *testing.T) {
	mem := backend.NewMemoryBackend()
	counting := &countingBackend{Backend: mem}
	provider := authn.NewStaticProvider(nil)
	s := authn.NewSynchronizer(provider, counting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Tab refocus plus token refresh: the profile must still be created
	// exactly once with no error surfacing.
	sess := session(anaUser())
	provider.Emit(authn.EventSignedIn, sess)
	provider.Emit(authn.EventInitialSession, sess)
	provider.Emit(authn.EventTokenRefreshed, sess)

	require.Eventually(t, func() bool {
		_, err := mem.GetProfile(context.Background(), "user-ana")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// Give the remaining fire-and-forget provisions time to run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), counting.creates.Load())
}

func TestSynchronizer_IdentityChangeListenersRunInOrder(t *testing.T) {
	mem := backend.NewMemoryBackend()
	provider := authn.NewStaticProvider(nil)
	s := authn.NewSynchronizer(provider, mem)

	var mu sync.Mutex
	var seen []string
	s.OnIdentityChange(func(id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	userB := &authn.User{ID: "user-b", FullName: "B"}
	provider.Emit(authn.EventSignedIn, session(anaUser()))
	provider.Emit(authn.EventSignedOut, nil)
	provider.Emit(authn.EventSignedIn, session(userB))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user-ana", "", "user-b"}, seen)
}

func TestSynchronizer_QueuedEventsApplyInEmissionOrder(t *testing.T) {
	mem := backend.NewMemoryBackend()
	provider := authn.NewStaticProvider(nil)

	// Everything queued before the loop starts: the consumer must walk
	// the stream in order, never jump ahead to the newest state.
	userB := &authn.User{ID: "user-b", FullName: "B"}
	provider.Emit(authn.EventSignedIn, session(anaUser()))
	provider.Emit(authn.EventSignedOut, nil)
	provider.Emit(authn.EventSignedIn, session(userB))

	s := authn.NewSynchronizer(provider, mem)
	var mu sync.Mutex
	var seen []string
	s.OnIdentityChange(func(id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user-ana", "", "user-b"}, seen)
	assert.Equal(t, "user-b", s.UserID())
}

func TestSynchronizer_SignOutIsLocalAndImmediate(t *testing.T) {
	mem := backend.NewMemoryBackend()
	provider := authn.NewStaticProvider(session(anaUser()))
	s := authn.NewSynchronizer(provider, mem)

	// No Run loop: SignOut alone must settle local state.
	require.NoError(t, s.SignOut(context.Background()))
	assert.Equal(t, "", s.UserID())
	assert.False(t, s.Loading())
}
