package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/metrics"
	"github.com/predik/market-gateway/internal/model"
)

// provisionTimeout bounds a single ensure-profile round trip.
const provisionTimeout = 15 * time.Second

// Synchronizer tracks the auth provider's state and guarantees that a
// trading profile exists exactly once per identity. Provisioning runs as
// a background task with at-most-one-in-flight-per-identity semantics;
// its failures are logged and never block auth state from settling.
type Synchronizer struct {
	provider Provider
	backend  backend.Backend

	mu      sync.RWMutex
	session *Session
	user    *User
	loading bool

	provMu       sync.Mutex
	provisioning map[string]struct{}

	listenerMu sync.Mutex
	listeners  []func(userID string)
}

// NewSynchronizer creates a synchronizer over a provider and backend.
// Call Run to start processing events.
func NewSynchronizer(p Provider, b backend.Backend) *Synchronizer {
	return &Synchronizer{
		provider:     p,
		backend:      b,
		loading:      true,
		provisioning: make(map[string]struct{}),
	}
}

// OnIdentityChange registers a listener invoked synchronously, in
// registration order, whenever the signed-in identity changes. The empty
// string means signed out. Listeners run before any fetch for the new
// identity starts, so they can clear stale state first.
func (s *Synchronizer) OnIdentityChange(fn func(userID string)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Run consumes provider events in emission order until ctx is cancelled
// or the provider closes its event channel. The initial session arrives
// through the stream itself (every provider emits INITIAL_SESSION first),
// so a queued older event can never be applied after a newer state.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.provider.Events():
			if !ok {
				return
			}
			s.apply(ctx, ev)
		}
	}
}

// apply processes one auth event: settle session state, notify identity
// listeners, then kick off profile provisioning for session-bearing
// events.
func (s *Synchronizer) apply(ctx context.Context, ev Event) {
	metrics.AuthEvents.WithLabelValues(string(ev.Kind)).Inc()

	s.mu.Lock()
	prev := ""
	if s.user != nil {
		prev = s.user.ID
	}
	s.session = ev.Session
	if ev.Session != nil {
		s.user = ev.Session.User
	} else {
		s.user = nil
	}
	s.loading = false
	cur := ""
	var usr *User
	if s.user != nil {
		cur = s.user.ID
		cp := *s.user
		usr = &cp
	}
	s.mu.Unlock()

	if prev != cur {
		s.listenerMu.Lock()
		listeners := make([]func(string), len(s.listeners))
		copy(listeners, s.listeners)
		s.listenerMu.Unlock()
		for _, fn := range listeners {
			fn(cur)
		}
	}

	if usr == nil {
		return
	}
	switch ev.Kind {
	case EventSignedIn, EventInitialSession, EventTokenRefreshed:
		u := *usr
		// Fire and forget: provisioning outcome never gates auth state.
		go func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
			defer cancel()
			if err := s.EnsureProfile(pctx, &u); err != nil {
				slog.Error("auth: ensure profile failed", "user", u.ID, "err", err)
			}
		}()
	}
}

// EnsureProfile guarantees a profile row exists for the user. It is
// idempotent: any number of concurrent or repeated calls for the same
// identity converge to one row with no visible error. A provisioning
// attempt already in flight for the identity makes the call a no-op.
func (s *Synchronizer) EnsureProfile(ctx context.Context, u *User) error {
	s.provMu.Lock()
	if _, busy := s.provisioning[u.ID]; busy {
		s.provMu.Unlock()
		return nil
	}
	s.provisioning[u.ID] = struct{}{}
	s.provMu.Unlock()
	defer func() {
		s.provMu.Lock()
		delete(s.provisioning, u.ID)
		s.provMu.Unlock()
	}()

	existing, err := s.backend.GetProfile(ctx, u.ID)
	if err == nil {
		metrics.ProfileProvisions.WithLabelValues("existing").Inc()
		slog.Debug("auth: profile exists", "user", u.ID, "username", existing.Username)
		return nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		metrics.ProfileProvisions.WithLabelValues("failed").Inc()
		return err
	}

	fullName := u.FullName
	if fullName == "" {
		fullName = emailLocalPart(u.Email)
	}
	if fullName == "" {
		fullName = "Anonymous User"
	}
	provider := u.Provider
	if provider == "" {
		provider = "google"
	}

	_, err = s.backend.CreateProfile(ctx, backend.NewProfile{
		UserID:       u.ID,
		FullName:     fullName,
		Username:     DeriveUsername(u.FullName, u.Email),
		AvatarURL:    u.AvatarURL,
		AuthProvider: provider,
	})
	switch {
	case err == nil:
		metrics.ProfileProvisions.WithLabelValues("created").Inc()
		slog.Info("auth: profile provisioned", "user", u.ID)
		return nil
	case errors.Is(err, backend.ErrAlreadyExists):
		// Lost a provisioning race; the row exists, which is the goal.
		metrics.ProfileProvisions.WithLabelValues("already_exists").Inc()
		return nil
	default:
		metrics.ProfileProvisions.WithLabelValues("failed").Inc()
		return err
	}
}

// SignOut clears local session state immediately — representing "logged
// out" needs no network round trip — and then tells the provider.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	s.apply(ctx, Event{Kind: EventSignedOut})
	if err := s.provider.SignOut(ctx); err != nil {
		slog.Error("auth: provider sign-out failed", "err", err)
		return err
	}
	return nil
}

// AuthorizeURL builds the OAuth redirect target for a sign-in.
func (s *Synchronizer) AuthorizeURL(oauthProvider string) string {
	return s.provider.AuthorizeURL(oauthProvider)
}

// User returns the signed-in user, or nil.
func (s *Synchronizer) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	cp := *s.user
	return &cp
}

// UserID returns the signed-in identity id, or "".
func (s *Synchronizer) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Loading reports whether the initial session is still being resolved.
func (s *Synchronizer) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Profile fetches the signed-in user's profile, or nil when signed out.
func (s *Synchronizer) Profile(ctx context.Context) (*model.Profile, error) {
	id := s.UserID()
	if id == "" {
		return nil, nil
	}
	p, err := s.backend.GetProfile(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// DeriveUsername builds the auto-provisioned username: the display name
// (or the email local-part when the name is empty), lowercased, with
// everything outside [a-z0-9] stripped. "Ana López" becomes "analpez".
func DeriveUsername(fullName, email string) string {
	base := fullName
	if base == "" {
		base = emailLocalPart(email)
	}
	if base == "" {
		base = "user"
	}

	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
