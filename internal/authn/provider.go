// Package authn glues the gateway to the external identity service: it
// tracks the current session, reacts to auth-state events in order, and
// lazily provisions a trading profile the first time an identity appears.
package authn

import (
	"context"
	"sync"
	"time"
)

// User is the identity-service view of a signed-in user.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
	Provider  string `json:"provider"`
}

// Session is an authenticated session as reported by the provider.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

// EventKind mirrors the provider's auth-state change events.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventSignedOut      EventKind = "SIGNED_OUT"
)

// Event is one auth-state transition. Session is nil for sign-outs.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Provider is the external identity service. The gateway treats it as
// opaque and only reacts to the states it reports.
type Provider interface {
	// Events delivers auth-state transitions in the order the provider
	// emits them, starting with INITIAL_SESSION. The channel closes when
	// the provider shuts down.
	Events() <-chan Event

	// AuthorizeURL builds the OAuth redirect target for a sign-in.
	AuthorizeURL(oauthProvider string) string

	// SignOut terminates the session with the provider.
	SignOut(ctx context.Context) error
}

// StaticProvider is an in-process Provider driven by explicit Emit calls.
// It backs local development without an identity service, and tests.
type StaticProvider struct {
	mu      sync.Mutex
	session *Session
	events  chan Event
}

// NewStaticProvider creates a provider holding the given session (nil for
// signed out). The initial state is delivered as an INITIAL_SESSION event
// so consumers see it in stream order, ahead of anything emitted later.
func NewStaticProvider(session *Session) *StaticProvider {
	p := &StaticProvider{
		session: session,
		events:  make(chan Event, 16),
	}
	p.events <- Event{Kind: EventInitialSession, Session: session}
	return p
}

// Emit records the session and delivers the event to listeners.
func (p *StaticProvider) Emit(kind EventKind, session *Session) {
	p.mu.Lock()
	p.session = session
	p.mu.Unlock()
	p.events <- Event{Kind: kind, Session: session}
}

func (p *StaticProvider) Events() <-chan Event {
	return p.events
}

func (p *StaticProvider) AuthorizeURL(oauthProvider string) string {
	return "#signin-" + oauthProvider
}

func (p *StaticProvider) SignOut(_ context.Context) error {
	p.Emit(EventSignedOut, nil)
	return nil
}
