// Package auth drives the authorization of the hub against the FitBark account:
//
//	NoCredentials -> RedirectUnvalidated -> Unauthorized -> Authorized
//
// Every transition is triggered by an explicit user action. The flow is the only
// writer of the token store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/metrics"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

type State int

const (
	NoCredentials State = iota
	RedirectUnvalidated
	Unauthorized
	Authorized
)

func (s State) String() string {
	switch s {
	case NoCredentials:
		return "no-credentials"
	case RedirectUnvalidated:
		return "credentials-set,redirect-unvalidated"
	case Unauthorized:
		return "redirect-validated,unauthorized"
	case Authorized:
		return "authorized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Remote is the part of the FitBark API the flow uses; *fitbark.Client implements it.
type Remote interface {
	AuthorizeURL(clientId string, redirectURI string, state string) string
	ClientCredentialsToken(ctx context.Context, creds fitbark.Credentials) (*fitbark.Token, error)
	GetRedirectURLs(ctx context.Context, clientToken string) (string, error)
	SetRedirectURLs(ctx context.Context, clientToken string, uris []string) (string, error)
	ExchangeCode(ctx context.Context, creds fitbark.Credentials, code string, redirectURI string) (*fitbark.Token, error)
	RefreshToken(ctx context.Context, creds fitbark.Credentials, refreshToken string, redirectURI string) (*fitbark.Token, error)
	GetUser(ctx context.Context, token string) (*fitbark.User, error)
}

// EntityRemover deletes every registered entity; *devices.Manager implements it.
type EntityRemover interface {
	DeleteAll(ctx context.Context) (int, error)
}

// Signaler propagates the outcome of an authorization; *mqtt.Bus implements it.
type Signaler interface {
	Auth(ctx context.Context, signal myfitbark.AuthSignal) error
}

type Flow struct {
	tokens      *tokens.Store
	remote      Remote
	entities    EntityRemover
	signals     Signaler
	callbackURL string
	log         logr.Logger
}

// NewFlow returns the flow for the hub reachable at callbackURL. signals may be nil.
func NewFlow(log logr.Logger, store *tokens.Store, remote Remote, entities EntityRemover, signals Signaler, callbackURL string) *Flow {
	return &Flow{
		tokens:      store,
		remote:      remote,
		entities:    entities,
		signals:     signals,
		callbackURL: callbackURL,
		log:         log.WithName("auth.Flow"),
	}
}

func (f *Flow) CallbackURL() string {
	return f.callbackURL
}

func (f *Flow) State() State {
	switch {
	case f.tokens.IsMissingClientCredentials():
		return NoCredentials
	case f.tokens.HasValidAccessToken():
		return Authorized
	case !f.tokens.RedirectValidated():
		return RedirectUnvalidated
	}
	return Unauthorized
}

// Status is what the user sees of the authorization.
type Status struct {
	State          State           `json:"state" yaml:"state"`
	ClientId       string          `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	CallbackURL    string          `json:"callback_url" yaml:"callback_url"`
	Account        *tokens.Account `json:"account,omitempty" yaml:"account,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	ExpiryAdvisory bool            `json:"expiry_advisory" yaml:"expiry_advisory"`
}

func (f *Flow) Status(ctx context.Context) (Status, error) {
	if err := f.tokens.Reload(ctx); err != nil {
		return Status{}, err
	}
	snap := f.tokens.Snapshot()
	return Status{
		State:          f.State(),
		ClientId:       snap.Credentials.ClientId,
		CallbackURL:    f.callbackURL,
		Account:        snap.Token.Account,
		ExpiresAt:      snap.Token.ExpiresAt,
		ExpiryAdvisory: f.tokens.ExpiryAdvisory(),
	}, nil
}

// SetCredentials leaves NoCredentials.
func (f *Flow) SetCredentials(ctx context.Context, creds fitbark.Credentials) error {
	if err := f.tokens.SetCredentials(ctx, creds); err != nil {
		return err
	}
	f.log.Info("Client credentials set", "client_id", creds.ClientId, "client_secret", hlog.Redact(creds.ClientSecret))
	return nil
}

// ResetCredentials returns to NoCredentials from any state. Registered entities are kept.
func (f *Flow) ResetCredentials(ctx context.Context) error {
	if err := f.tokens.ResetCredentials(ctx); err != nil {
		return err
	}
	metrics.SetTokenExpiry(nil)
	f.log.Info("Client credentials reset")
	return nil
}

// ValidateRedirectConfiguration makes sure the hub's callback URL is registered with the
// FitBark application. A missing URL is added, and the change is confirmed by reading the
// registration back. Only a confirmed registration marks the redirect as validated, and
// a failed validation withdraws an earlier one.
func (f *Flow) ValidateRedirectConfiguration(ctx context.Context) error {
	err := f.validateRedirect(ctx)
	if err != nil && f.tokens.RedirectValidated() {
		f.log.Info("Redirect validation failed, no longer considered validated", "callback_url", f.callbackURL)
		if cerr := f.tokens.SetRedirectValidated(context.WithoutCancel(ctx), false); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

func (f *Flow) validateRedirect(ctx context.Context) error {
	if err := f.tokens.Reload(ctx); err != nil {
		return err
	}
	creds := f.tokens.Credentials()
	if creds.Empty() {
		return myfitbark.ErrMissingCredentials
	}
	log := f.log.WithValues("callback_url", f.callbackURL)

	tok, err := f.remote.ClientCredentialsToken(ctx, creds)
	metrics.RecordTokenOperation("client_credentials", err)
	if err != nil {
		log.Error(err, "Failed to obtain client credentials token")
		return err
	}

	registered, err := f.registeredRedirectURIs(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	if slices.Contains(registered, f.callbackURL) {
		log.Info("Redirect URI already registered")
		return f.tokens.SetRedirectValidated(ctx, true)
	}

	log.Info("Registering redirect URI", "registered", registered)
	if _, err := f.remote.SetRedirectURLs(ctx, tok.AccessToken, append(slices.Clone(registered), f.callbackURL)); err != nil {
		log.Error(err, "Failed to register redirect URI")
		return err
	}

	registered, err = f.registeredRedirectURIs(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	if !slices.Contains(registered, f.callbackURL) {
		log.Info("Redirect URI missing after registration", "registered", registered)
		return fmt.Errorf("%w: %s not listed after update", myfitbark.ErrRedirectNotValidated, f.callbackURL)
	}
	log.Info("Redirect URI registered")
	return f.tokens.SetRedirectValidated(ctx, true)
}

func (f *Flow) registeredRedirectURIs(ctx context.Context, clientToken string) ([]string, error) {
	raw, err := f.remote.GetRedirectURLs(ctx, clientToken)
	if err != nil {
		f.log.Error(err, "Failed to read redirect URIs")
		return nil, err
	}
	return fitbark.SplitRedirectURIs(raw), nil
}

// AuthorizeURL returns the page where the user grants the hub access to the account.
// Each call issues a new state value; only the latest one is accepted on callback.
func (f *Flow) AuthorizeURL(ctx context.Context) (string, error) {
	if err := f.tokens.Reload(ctx); err != nil {
		return "", err
	}
	creds := f.tokens.Credentials()
	if creds.Empty() {
		return "", myfitbark.ErrMissingCredentials
	}
	if !f.tokens.RedirectValidated() {
		return "", myfitbark.ErrRedirectNotValidated
	}
	state := uuid.NewString()
	if err := f.tokens.SetPendingState(ctx, state); err != nil {
		return "", err
	}
	return f.remote.AuthorizeURL(creds.ClientId, f.callbackURL, state), nil
}

// HandleCallback completes the authorization with the code the service passed to the
// callback URL. A failed exchange leaves any previous session in place.
func (f *Flow) HandleCallback(ctx context.Context, code string, state string) (err error) {
	defer func() {
		if err != nil {
			f.signal(ctx, myfitbark.AuthFailed)
		}
	}()

	if code == "" {
		f.log.Info("Authorization callback without code")
		return myfitbark.ErrMissingAuthorizationCode
	}
	if err := f.tokens.Reload(ctx); err != nil {
		return err
	}
	creds := f.tokens.Credentials()
	if creds.Empty() {
		return myfitbark.ErrMissingCredentials
	}
	pending := f.tokens.PendingState()
	if pending == "" || state != pending {
		f.log.Info("Authorization callback with unexpected state", "state", state)
		return myfitbark.ErrInvalidState
	}

	tok, err := f.remote.ExchangeCode(ctx, creds, code, f.callbackURL)
	metrics.RecordTokenOperation("authorization_code", err)
	if err != nil {
		f.log.Error(err, "Authorization code exchange failed")
		return err
	}
	if err := f.storeToken(ctx, tok); err != nil {
		return err
	}
	if err := f.tokens.SetPendingState(ctx, ""); err != nil {
		f.log.Error(err, "Failed to clear pending state")
	}
	f.log.Info("Authorized", "expires_at", f.tokens.ExpiresAt())
	f.signal(ctx, myfitbark.AuthAuthorized)
	return nil
}

// Refresh mints a new access token. A failure keeps the current, possibly stale, token.
func (f *Flow) Refresh(ctx context.Context) error {
	if err := f.tokens.Reload(ctx); err != nil {
		return err
	}
	creds := f.tokens.Credentials()
	switch {
	case creds.Empty():
		return myfitbark.ErrMissingCredentials
	case !f.tokens.HasValidAccessToken():
		return myfitbark.ErrUnauthorized
	case f.tokens.RefreshToken() == "":
		return myfitbark.ErrMissingRefreshToken
	}

	tok, err := f.remote.RefreshToken(ctx, creds, f.tokens.RefreshToken(), f.callbackURL)
	metrics.RecordTokenOperation("refresh_token", err)
	if err != nil {
		f.log.Error(err, "Token refresh failed, keeping current token")
		return err
	}
	if err := f.storeToken(ctx, tok); err != nil {
		return err
	}
	f.log.Info("Token refreshed", "expires_at", f.tokens.ExpiresAt())
	return nil
}

// storeToken records a successful exchange and fetches the account summary.
func (f *Flow) storeToken(ctx context.Context, tok *fitbark.Token) error {
	if err := f.tokens.SetTokens(ctx, tok.AccessToken, tok.RefreshToken, tok.ExpiresAfter()); err != nil {
		return err
	}
	metrics.SetTokenExpiry(f.tokens.ExpiresAt())
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: token exchange returned no access_token", fitbark.ErrProtocol)
	}

	user, err := f.remote.GetUser(ctx, tok.AccessToken)
	if err != nil {
		f.log.Error(err, "Failed to fetch account summary")
		return nil
	}
	account := tokens.Account{Username: user.Username, DisplayName: user.DisplayName()}
	if err := f.tokens.SetAccountSummary(ctx, account); err != nil {
		f.log.Error(err, "Failed to store account summary")
	}
	return nil
}

// SignOut deletes every registered entity, then forgets the token and the credentials.
// When deletion fails, nothing is forgotten.
func (f *Flow) SignOut(ctx context.Context) (int, error) {
	n, err := f.entities.DeleteAll(ctx)
	if err != nil {
		f.log.Error(err, "Sign-out aborted: failed to delete entities", "deleted", n)
		return n, err
	}
	if err := f.tokens.ResetCredentials(ctx); err != nil {
		return n, err
	}
	metrics.SetTokenExpiry(nil)
	f.log.Info("Signed out", "deleted", n)
	f.signal(ctx, myfitbark.AuthSignedOut)
	return n, nil
}

func (f *Flow) signal(ctx context.Context, s myfitbark.AuthSignal) {
	if f.signals == nil {
		return
	}
	if err := f.signals.Auth(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		f.log.Error(err, "Failed to publish authorization event", "signal", s)
	}
}
