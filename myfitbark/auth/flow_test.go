package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
	"github.com/asnowfix/myfitbark/pkg/fitbark/fitbarktest"
)

const callbackURL = "http://hub.local:8890/oauth/callback"

type fakeEntities struct {
	store       *tokens.Store
	count       int
	fail        error
	tokenAtCall []bool
}

func (e *fakeEntities) DeleteAll(ctx context.Context) (int, error) {
	e.tokenAtCall = append(e.tokenAtCall, e.store.HasValidAccessToken())
	if e.fail != nil {
		return 0, e.fail
	}
	n := e.count
	e.count = 0
	return n, nil
}

type fakeSignals struct {
	signals []myfitbark.AuthSignal
}

func (s *fakeSignals) Auth(ctx context.Context, signal myfitbark.AuthSignal) error {
	s.signals = append(s.signals, signal)
	return nil
}

type fixture struct {
	srv      *fitbarktest.Server
	store    *tokens.Store
	entities *fakeEntities
	signals  *fakeSignals
	flow     *Flow
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := fitbarktest.NewServer()
	t.Cleanup(srv.Close)
	store, err := tokens.NewStore(context.Background(), testr.New(t), nil, tokens.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	fx := &fixture{
		srv:      srv,
		store:    store,
		entities: &fakeEntities{store: store},
		signals:  &fakeSignals{},
	}
	fx.flow = NewFlow(testr.New(t), store, srv.Client(), fx.entities, fx.signals, callbackURL)
	return fx
}

// authorize walks the flow up to Authorized.
func (fx *fixture) authorize(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))
	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	u, err := fx.flow.AuthorizeURL(ctx)
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.NoError(t, fx.flow.HandleCallback(ctx, "the-code", parsed.Query().Get("state")))
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	assert.Equal(t, NoCredentials, fx.flow.State())

	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))
	assert.Equal(t, RedirectUnvalidated, fx.flow.State())

	_, err := fx.flow.AuthorizeURL(ctx)
	assert.ErrorIs(t, err, myfitbark.ErrRedirectNotValidated)

	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	assert.Equal(t, Unauthorized, fx.flow.State())

	u, err := fx.flow.AuthorizeURL(ctx)
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, callbackURL, parsed.Query().Get("redirect_uri"))

	require.NoError(t, fx.flow.HandleCallback(ctx, "the-code", parsed.Query().Get("state")))
	assert.Equal(t, Authorized, fx.flow.State())
	assert.Equal(t, []myfitbark.AuthSignal{myfitbark.AuthAuthorized}, fx.signals.signals)

	status, err := fx.flow.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Authorized, status.State)
	require.NotNil(t, status.Account)
	assert.Equal(t, "Jane Doe", status.Account.DisplayName)
	assert.Equal(t, now.Add(time.Hour), *status.ExpiresAt)
	assert.True(t, status.ExpiryAdvisory)
	assert.Empty(t, fx.store.PendingState())

	require.NoError(t, fx.flow.ResetCredentials(ctx))
	assert.Equal(t, NoCredentials, fx.flow.State())
}

func TestCodeExchangeScenario(t *testing.T) {
	fx := newFixture(t)
	fx.authorize(t)

	assert.True(t, fx.store.HasValidAccessToken())
	assert.Equal(t, "tok1", fx.store.AccessToken())
	assert.Equal(t, "ref1", fx.store.RefreshToken())
	assert.Equal(t, now.Add(3600*time.Second), *fx.store.ExpiresAt())
	assert.Equal(t, "abc", fx.srv.LastForm().Get("client_id"))
	assert.Equal(t, "the-code", fx.srv.LastForm().Get("code"))
}

func TestRedirectRegistration(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.RedirectURIs = []string{"https://other.example/cb"} })
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))

	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	assert.True(t, fx.store.RedirectValidated())
	assert.Equal(t, 1, fx.srv.Calls("POST /api/v2/redirect_urls"))
	assert.Equal(t, 2, fx.srv.Calls("GET /api/v2/redirect_urls"))
	fx.srv.Set(func(s *fitbarktest.Server) {
		assert.Equal(t, []string{"https://other.example/cb", callbackURL}, s.RedirectURIs)
	})
}

func TestRedirectValidationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))

	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	require.Equal(t, 1, fx.srv.Calls("POST /api/v2/redirect_urls"))

	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	assert.Equal(t, 1, fx.srv.Calls("POST /api/v2/redirect_urls"))
	assert.True(t, fx.store.RedirectValidated())
}

func TestRedirectWriteIsReadBack(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.IgnoreRedirectWrites = true })
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))

	err := fx.flow.ValidateRedirectConfiguration(ctx)
	assert.ErrorIs(t, err, myfitbark.ErrRedirectNotValidated)
	assert.False(t, fx.store.RedirectValidated())
}

func TestRedirectFailureSurfacesRemoteError(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.Fail["POST /api/v2/redirect_urls"] = http.StatusForbidden })
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))

	err := fx.flow.ValidateRedirectConfiguration(ctx)
	var fe *fitbark.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusForbidden, fe.StatusCode)
	assert.False(t, fx.store.RedirectValidated())
}

func TestFailedRevalidationWithdrawsValidation(t *testing.T) {
	ctx := context.Background()
	for _, failing := range []string{"POST /api/v2/redirect_urls", "GET /api/v2/redirect_urls"} {
		t.Run(failing, func(t *testing.T) {
			fx := newFixture(t)
			require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))
			require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
			require.Equal(t, Unauthorized, fx.flow.State())

			// The registration was dropped on the FitBark side, and repairing it fails
			fx.srv.Set(func(s *fitbarktest.Server) {
				s.RedirectURIs = nil
				s.Fail[failing] = http.StatusBadGateway
			})
			require.Error(t, fx.flow.ValidateRedirectConfiguration(ctx))
			assert.False(t, fx.store.RedirectValidated())
			assert.Equal(t, RedirectUnvalidated, fx.flow.State())
		})
	}
}

func TestRedirectRequiresCredentials(t *testing.T) {
	fx := newFixture(t)
	err := fx.flow.ValidateRedirectConfiguration(context.Background())
	assert.ErrorIs(t, err, myfitbark.ErrMissingCredentials)
	assert.Zero(t, fx.srv.Calls("POST /oauth/token"))
}

func TestMissingCode(t *testing.T) {
	fx := newFixture(t)
	err := fx.flow.HandleCallback(context.Background(), "", "whatever")
	assert.ErrorIs(t, err, myfitbark.ErrMissingAuthorizationCode)
	assert.Zero(t, fx.srv.Calls("POST /oauth/token"))
	assert.Equal(t, []myfitbark.AuthSignal{myfitbark.AuthFailed}, fx.signals.signals)
}

func TestInvalidState(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	require.NoError(t, fx.flow.SetCredentials(ctx, fitbark.Credentials{ClientId: "abc", ClientSecret: "xyz"}))
	require.NoError(t, fx.flow.ValidateRedirectConfiguration(ctx))
	_, err := fx.flow.AuthorizeURL(ctx)
	require.NoError(t, err)

	err = fx.flow.HandleCallback(ctx, "the-code", "forged")
	assert.ErrorIs(t, err, myfitbark.ErrInvalidState)
	assert.Equal(t, 1, fx.srv.Calls("POST /oauth/token"), "only the client credentials grant")
	assert.False(t, fx.store.HasValidAccessToken())
}

func TestFailedExchangeKeepsSession(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.authorize(t)

	u, err := fx.flow.AuthorizeURL(ctx)
	require.NoError(t, err)
	parsed, _ := url.Parse(u)
	fx.srv.Set(func(s *fitbarktest.Server) { s.Fail["POST /oauth/token"] = http.StatusBadRequest })

	err = fx.flow.HandleCallback(ctx, "expired", parsed.Query().Get("state"))
	require.Error(t, err)
	assert.Equal(t, myfitbark.Transport, myfitbark.CategoryOf(err))
	assert.Equal(t, "tok1", fx.store.AccessToken())
}

func TestExchangeWithoutAccessTokenClears(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.authorize(t)

	u, err := fx.flow.AuthorizeURL(ctx)
	require.NoError(t, err)
	parsed, _ := url.Parse(u)
	fx.srv.Set(func(s *fitbarktest.Server) { s.TokenResponse = map[string]any{"error": "nope"} })

	err = fx.flow.HandleCallback(ctx, "code", parsed.Query().Get("state"))
	assert.ErrorIs(t, err, fitbark.ErrProtocol)
	assert.False(t, fx.store.HasValidAccessToken())
	assert.Equal(t, tokens.Record{}, fx.store.Snapshot().Token)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	assert.ErrorIs(t, fx.flow.Refresh(ctx), myfitbark.ErrMissingCredentials)

	fx.authorize(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.TokenResponse = map[string]any{"access_token": "tok2", "expires_in": 7200} })

	require.NoError(t, fx.flow.Refresh(ctx))
	assert.Equal(t, "tok2", fx.store.AccessToken())
	assert.Equal(t, "ref1", fx.store.RefreshToken())
	assert.Equal(t, "refresh_token", fx.srv.LastForm().Get("grant_type"))
	assert.Equal(t, "ref1", fx.srv.LastForm().Get("refresh_token"))
}

func TestRefreshFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.authorize(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.Fail["POST /oauth/token"] = http.StatusServiceUnavailable })

	err := fx.flow.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, myfitbark.Transport, myfitbark.CategoryOf(err))
	assert.Equal(t, "tok1", fx.store.AccessToken())
	assert.True(t, fx.store.HasValidAccessToken())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.srv.Set(func(s *fitbarktest.Server) { s.TokenResponse = map[string]any{"access_token": "tok1"} })
	fx.authorize(t)

	assert.ErrorIs(t, fx.flow.Refresh(ctx), myfitbark.ErrMissingRefreshToken)
}

func TestSignOutDeletesEntitiesBeforeClearing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.authorize(t)
	fx.entities.count = 3

	n, err := fx.flow.SignOut(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []bool{true}, fx.entities.tokenAtCall)
	assert.False(t, fx.store.HasValidAccessToken())
	assert.Equal(t, tokens.State{}, fx.store.Snapshot())
	assert.Equal(t, NoCredentials, fx.flow.State())
	assert.Equal(t, myfitbark.AuthSignedOut, fx.signals.signals[len(fx.signals.signals)-1])
}

func TestSignOutAbortsWhenDeletionFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.authorize(t)
	fx.entities.fail = errors.New("locked")

	_, err := fx.flow.SignOut(ctx)
	require.Error(t, err)
	assert.True(t, fx.store.HasValidAccessToken())
}
