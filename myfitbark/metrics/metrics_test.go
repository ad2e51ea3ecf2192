package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSync(t *testing.T) {
	before := testutil.ToFloat64(Syncs.WithLabelValues("dog", "failure"))
	RecordSync("dog", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(Syncs.WithLabelValues("dog", "failure")))
}

func TestObserveRemoteRequest(t *testing.T) {
	before := testutil.ToFloat64(RemoteRequests.WithLabelValues("/api/v2/user", "200"))
	ObserveRemoteRequest("/api/v2/user", 200, 120*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(RemoteRequests.WithLabelValues("/api/v2/user", "200")))
}

func TestTokenExpiry(t *testing.T) {
	at := time.Unix(1_900_000_000, 0)
	SetTokenExpiry(&at)
	assert.Equal(t, float64(1_900_000_000), testutil.ToFloat64(TokenExpiry))
	SetTokenExpiry(nil)
	assert.Zero(t, testutil.ToFloat64(TokenExpiry))
}

func TestRecordDiscovery(t *testing.T) {
	before := testutil.ToFloat64(DiscoveredEntities)
	RecordDiscovery(3, nil)
	assert.Equal(t, before+3, testutil.ToFloat64(DiscoveredEntities))
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "/api/v2/dog/{slug}", endpointLabel("/api/v2/dog/rex"))
	assert.Equal(t, "/api/v2/daily_goal/{slug}", endpointLabel("/api/v2/daily_goal/rex"))
	assert.Equal(t, "/api/v2/dog_relations", endpointLabel("/api/v2/dog_relations"))
}

func TestBreakerStateIsPerBreaker(t *testing.T) {
	SetBreakerState("dog/rex", 2)
	SetBreakerState("dog/fido", 0)
	assert.Equal(t, float64(2), testutil.ToFloat64(BreakerState.WithLabelValues("dog/rex")))
	assert.Zero(t, testutil.ToFloat64(BreakerState.WithLabelValues("dog/fido")))
}
