package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPProvider talks to a GoTrue-style identity service over REST. It
// polls the session endpoint and synthesizes auth-state events by diffing
// consecutive snapshots: a session appearing is SIGNED_IN, a token change
// is TOKEN_REFRESHED, a session disappearing is SIGNED_OUT.
//
// Polls are rate limited so token-refresh storms cannot hammer the
// identity service.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	siteURL  string
	client   *http.Client
	limiter  *rate.Limiter
	interval time.Duration

	mu      sync.Mutex
	session *Session
	first   bool

	events chan Event
	stop   chan struct{}
	once   sync.Once
}

// HTTPProviderOptions configures an HTTPProvider.
type HTTPProviderOptions struct {
	BaseURL      string        // identity service base URL
	APIKey       string        // service API key, sent as "apikey" header
	SiteURL      string        // public site URL for OAuth redirects
	PollInterval time.Duration // default 30s
	RequestRate  float64       // polls per second ceiling, default 1
}

// NewHTTPProvider creates a provider for the given identity service.
func NewHTTPProvider(opts HTTPProviderOptions) *HTTPProvider {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RequestRate <= 0 {
		opts.RequestRate = 1
	}
	return &HTTPProvider{
		baseURL:  opts.BaseURL,
		apiKey:   opts.APIKey,
		siteURL:  opts.SiteURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestRate), 2),
		interval: opts.PollInterval,
		first:    true,
		events:   make(chan Event, 16),
		stop:     make(chan struct{}),
	}
}

// Run polls for session changes until ctx is cancelled. Must be called in
// a goroutine.
func (p *HTTPProvider) Run(ctx context.Context) {
	defer close(p.events)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *HTTPProvider) poll(ctx context.Context) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	sess, err := p.fetchSession(ctx)
	if err != nil {
		// Connectivity failures never synthesize a sign-out; the last
		// known state stands until the service answers again.
		return
	}

	p.mu.Lock()
	prev := p.session
	first := p.first
	p.session = sess
	p.first = false
	p.mu.Unlock()

	switch {
	case first:
		p.emit(EventInitialSession, sess)
	case prev == nil && sess != nil:
		p.emit(EventSignedIn, sess)
	case prev != nil && sess == nil:
		p.emit(EventSignedOut, nil)
	case prev != nil && sess != nil && prev.AccessToken != sess.AccessToken:
		p.emit(EventTokenRefreshed, sess)
	}
}

func (p *HTTPProvider) emit(kind EventKind, sess *Session) {
	select {
	case p.events <- Event{Kind: kind, Session: sess}:
	default:
		// Drop when the consumer lags; the next poll re-converges.
	}
}

// sessionPayload is the identity service's session JSON.
type sessionPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	User        *struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		UserMetadata struct {
			FullName  string `json:"full_name"`
			AvatarURL string `json:"avatar_url"`
		} `json:"user_metadata"`
		AppMetadata struct {
			Provider string `json:"provider"`
		} `json:"app_metadata"`
	} `json:"user"`
}

func (p *HTTPProvider) fetchSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/session", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound, http.StatusUnauthorized:
		return nil, nil // signed out
	default:
		return nil, fmt.Errorf("session endpoint returned %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if payload.User == nil || payload.User.ID == "" {
		return nil, nil
	}

	return &Session{
		AccessToken: payload.AccessToken,
		ExpiresAt:   time.Unix(payload.ExpiresAt, 0).UTC(),
		User: &User{
			ID:        payload.User.ID,
			Email:     payload.User.Email,
			FullName:  payload.User.UserMetadata.FullName,
			AvatarURL: payload.User.UserMetadata.AvatarURL,
			Provider:  payload.User.AppMetadata.Provider,
		},
	}, nil
}

func (p *HTTPProvider) Events() <-chan Event {
	return p.events
}

func (p *HTTPProvider) AuthorizeURL(oauthProvider string) string {
	q := url.Values{}
	q.Set("provider", oauthProvider)
	q.Set("redirect_to", p.siteURL+"/auth/callback")
	return p.baseURL + "/authorize?" + q.Encode()
}

func (p *HTTPProvider) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	p.emit(EventSignedOut, nil)
	return nil
}

// Close stops the polling loop.
func (p *HTTPProvider) Close() {
	p.once.Do(func() { close(p.stop) })
}
