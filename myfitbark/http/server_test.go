package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/auth"
	"github.com/asnowfix/myfitbark/myfitbark/discovery"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
)

type fakeFlow struct {
	err    error
	status auth.Status
	codes  []string
	states []string
}

func (f *fakeFlow) HandleCallback(ctx context.Context, code string, state string) error {
	f.codes = append(f.codes, code)
	f.states = append(f.states, state)
	return f.err
}

func (f *fakeFlow) Status(ctx context.Context) (auth.Status, error) {
	return f.status, nil
}

type fakeRegistry struct {
	entities  []myfitbark.LinkedEntity
	snapshots map[string]myfitbark.Snapshot
}

func (r *fakeRegistry) List(ctx context.Context) ([]myfitbark.LinkedEntity, error) {
	return r.entities, nil
}

func (r *fakeRegistry) Snapshot(ctx context.Context, externalId string) (myfitbark.Snapshot, error) {
	return r.snapshots[externalId], nil
}

type fakeDiscovery struct {
	run discovery.RunState
}

func (d *fakeDiscovery) LastRun() discovery.RunState {
	return d.run
}

func newTestServer(t *testing.T, flow *fakeFlow) *httptest.Server {
	t.Helper()
	reg := &fakeRegistry{
		entities:  []myfitbark.LinkedEntity{{ExternalId: "rex", DisplayName: "Rex", Relationship: myfitbark.Owner}},
		snapshots: map[string]myfitbark.Snapshot{"rex": {DogName: "Rex", BatteryLevel: 80, PercentCompleteToday: myfitbark.IntPtr(42)}},
	}
	srv := httptest.NewServer(NewServer(testr.New(t), flow, reg, &fakeDiscovery{}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func TestCallbackSuccess(t *testing.T) {
	flow := &fakeFlow{status: auth.Status{State: auth.Authorized, Account: &tokens.Account{Username: "jdoe", DisplayName: "Jane Doe"}}}
	srv := newTestServer(t, flow)

	code, body := get(t, srv.URL+CallbackPath+"?code=the-code&state=s1&scope=ignored")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "FitBark account linked")
	assert.Contains(t, body, "Jane Doe")
	assert.Equal(t, []string{"the-code"}, flow.codes)
	assert.Equal(t, []string{"s1"}, flow.states)
}

func TestCallbackFailure(t *testing.T) {
	flow := &fakeFlow{err: myfitbark.ErrMissingAuthorizationCode}
	srv := newTestServer(t, flow)

	code, body := get(t, srv.URL+CallbackPath)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "FitBark authorization failed")
	assert.Contains(t, body, "carries no code")
	assert.Equal(t, []string{""}, flow.codes)
}

func TestCallbackDenied(t *testing.T) {
	flow := &fakeFlow{err: myfitbark.ErrMissingAuthorizationCode}
	srv := newTestServer(t, flow)

	code, body := get(t, srv.URL+CallbackPath+"?error=access_denied&error_description=The+user+denied+access")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "The user denied access")
}

func TestStatusPage(t *testing.T) {
	srv := newTestServer(t, &fakeFlow{status: auth.Status{State: auth.Authorized}})

	code, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "authorized")
	assert.Contains(t, body, "Rex")
	assert.Contains(t, body, "42%")

	code, _ = get(t, srv.URL+"/nothing-here")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusJSON(t *testing.T) {
	srv := newTestServer(t, &fakeFlow{status: auth.Status{State: auth.Unauthorized}})

	code, body := get(t, srv.URL+"/status.json")
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Auth struct {
			State string `json:"state"`
		} `json:"auth"`
		Entities []json.RawMessage `json:"entities"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "redirect-validated,unauthorized", out.Auth.State)
	assert.Len(t, out.Entities, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeFlow{})

	code, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "myfitbark_registered_entities")
}
