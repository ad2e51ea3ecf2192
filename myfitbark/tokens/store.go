// Package tokens holds the authorization state of the single FitBark account linked to
// the hub: application credentials, user token record and redirect URI validation flag.
//
// The Store makes no network call. It is mutated by the authorization flow only; the
// discovery and sync engines read it.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

// ExpiryAdvisoryWindow is how long before expiry an authorized session is flagged.
const ExpiryAdvisoryWindow = 30 * 24 * time.Hour

// Account is the summary of the authorized user.
type Account struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Record is the user token record. An empty AccessToken means not authorized, and then
// every other field is empty too.
type Record struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Account      *Account   `json:"account,omitempty"`
}

// State is everything that survives a restart. PendingState is the opaque value sent
// with the last authorization request, expected back on the callback.
type State struct {
	Credentials       fitbark.Credentials `json:"credentials"`
	Token             Record              `json:"token"`
	RedirectValidated bool                `json:"redirect_validated"`
	PendingState      string              `json:"pending_state,omitempty"`
}

// Persister loads and saves the state. Load returns a nil state when nothing was saved.
type Persister interface {
	LoadAuthState(ctx context.Context) (*State, error)
	SaveAuthState(ctx context.Context, state State) error
}

type Store struct {
	mu        sync.RWMutex
	state     State
	persister Persister
	now       func() time.Time
	log       logr.Logger
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore loads the persisted state, if any. A nil persister keeps the state in memory.
func NewStore(ctx context.Context, log logr.Logger, p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		persister: p,
		now:       time.Now,
		log:       log.WithName("tokens.Store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	s.log.Info("Loaded authorization state", "credentials", !s.state.Credentials.Empty(), "authorized", s.state.Token.AccessToken != "", "redirect_validated", s.state.RedirectValidated)
	return s, nil
}

// Reload re-reads the persisted state, which other processes sharing the persister may
// have changed.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	state, err := s.persister.LoadAuthState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load authorization state: %w", err)
	}
	if state == nil {
		s.state = State{}
		return nil
	}
	s.state = *state
	// A record without access token is never kept half filled
	if s.state.Token.AccessToken == "" {
		s.state.Token = Record{}
	}
	return nil
}

func (s *Store) HasValidAccessToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token.AccessToken != ""
}

func (s *Store) IsMissingClientCredentials() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Credentials.Empty()
}

func (s *Store) Credentials() fitbark.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Credentials
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token.AccessToken
}

func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token.RefreshToken
}

func (s *Store) PendingState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PendingState
}

func (s *Store) RedirectValidated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RedirectValidated
}

// ExpiresAt returns the access token expiry, nil when unknown.
func (s *Store) ExpiresAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Token.ExpiresAt == nil {
		return nil
	}
	t := *s.state.Token.ExpiresAt
	return &t
}

// ExpiryAdvisory tells whether an authorized session expires within ExpiryAdvisoryWindow.
// It is informational: nothing acts on it.
func (s *Store) ExpiryAdvisory() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Token.AccessToken == "" || s.state.Token.ExpiresAt == nil {
		return false
	}
	return s.state.Token.ExpiresAt.Sub(s.now()) < ExpiryAdvisoryWindow
}

// Snapshot returns a copy of the whole state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.state
	if c.Token.ExpiresAt != nil {
		t := *c.Token.ExpiresAt
		c.Token.ExpiresAt = &t
	}
	if c.Token.Account != nil {
		a := *c.Token.Account
		c.Token.Account = &a
	}
	return c
}

// SetCredentials stores the application credentials. They are immutable until reset.
func (s *Store) SetCredentials(ctx context.Context, creds fitbark.Credentials) error {
	creds.ClientId = strings.TrimSpace(creds.ClientId)
	creds.ClientSecret = strings.TrimSpace(creds.ClientSecret)
	if creds.Empty() {
		return fmt.Errorf("%w: client id and client secret are both required", myfitbark.ErrUserInput)
	}
	return s.mutate(ctx, "SetCredentials", func(st *State) error {
		if !st.Credentials.Empty() && st.Credentials != creds {
			return fmt.Errorf("%w: client credentials are already set, reset them first", myfitbark.ErrPrecondition)
		}
		st.Credentials = creds
		return nil
	})
}

// SetTokens records the outcome of a token exchange. An empty access token clears the
// whole record. An empty refresh token keeps the current one, and a zero expiresIn
// leaves the expiry unknown.
func (s *Store) SetTokens(ctx context.Context, access string, refresh string, expiresIn time.Duration) error {
	if access == "" {
		s.log.Info("Token exchange returned no access token: clearing token record")
		return s.ClearAll(ctx)
	}
	return s.mutate(ctx, "SetTokens", func(st *State) error {
		st.Token.AccessToken = access
		if refresh != "" {
			st.Token.RefreshToken = refresh
		}
		if expiresIn > 0 {
			t := s.now().Add(expiresIn)
			st.Token.ExpiresAt = &t
		} else {
			st.Token.ExpiresAt = nil
		}
		s.log.V(1).Info("Stored tokens", "access_token", hlog.Redact(access), "refresh_token", hlog.Redact(st.Token.RefreshToken), "expires_at", st.Token.ExpiresAt)
		return nil
	})
}

// SetAccountSummary is a no-op when not authorized.
func (s *Store) SetAccountSummary(ctx context.Context, account Account) error {
	return s.mutate(ctx, "SetAccountSummary", func(st *State) error {
		if st.Token.AccessToken == "" {
			return nil
		}
		st.Token.Account = &account
		return nil
	})
}

func (s *Store) SetRedirectValidated(ctx context.Context, validated bool) error {
	return s.mutate(ctx, "SetRedirectValidated", func(st *State) error {
		st.RedirectValidated = validated
		return nil
	})
}

func (s *Store) SetPendingState(ctx context.Context, state string) error {
	return s.mutate(ctx, "SetPendingState", func(st *State) error {
		st.PendingState = state
		return nil
	})
}

// ClearAll empties the token record, account summary included.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.mutate(ctx, "ClearAll", func(st *State) error {
		st.Token = Record{}
		return nil
	})
}

// ResetCredentials forgets the application credentials, the redirect validation and
// every token issued to that application.
func (s *Store) ResetCredentials(ctx context.Context) error {
	return s.mutate(ctx, "ResetCredentials", func(st *State) error {
		*st = State{}
		return nil
	})
}

// mutate applies fn to a copy of the latest persisted state, persists it, then makes it
// current: memory never holds a state the persister refused.
func (s *Store) mutate(ctx context.Context, op string, fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	next := s.state
	if err := fn(&next); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.SaveAuthState(ctx, next); err != nil {
			s.log.Error(err, "Failed to persist authorization state", "op", op)
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	s.state = next
	return nil
}
