// Package metrics exposes the hub's Prometheus collectors.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteRequests counts FitBark API calls.
	// Labels:
	//   - endpoint: request path, with per-dog suffix removed
	//   - code: HTTP status, "0" when no response was received
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myfitbark_remote_requests_total",
			Help: "Total number of FitBark API requests",
		},
		[]string{"endpoint", "code"},
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myfitbark_remote_request_duration_seconds",
			Help:    "Duration of FitBark API requests in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// Syncs counts per-entity fetches.
	// Labels:
	//   - kind: "dog", "goals", "stats"
	//   - outcome: "success", "failure"
	Syncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myfitbark_syncs_total",
			Help: "Total number of entity synchronizations",
		},
		[]string{"kind", "outcome"},
	)

	DiscoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myfitbark_discovery_runs_total",
			Help: "Total number of discovery runs",
		},
		[]string{"outcome"},
	)

	DiscoveredEntities = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "myfitbark_discovered_entities_total",
			Help: "Total number of entities created by discovery",
		},
	)

	// TokenOperations counts token grants.
	// Labels:
	//   - grant: "authorization_code", "refresh_token", "client_credentials"
	//   - outcome: "success", "failure"
	TokenOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myfitbark_token_operations_total",
			Help: "Total number of OAuth token grants",
		},
		[]string{"grant", "outcome"},
	)

	TokenExpiry = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "myfitbark_token_expiry_timestamp_seconds",
			Help: "Expiry of the user access token as a Unix timestamp, 0 when unknown or signed out",
		},
	)

	RegisteredEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "myfitbark_registered_entities",
			Help: "Number of entities in the local registry",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "myfitbark_remote_breaker_state",
			Help: "Remote sync circuit breaker state per entity and fetch kind: 0 closed, 1 half-open, 2 open",
		},
		[]string{"breaker"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveRemoteRequest matches fitbark.Observer.
func ObserveRemoteRequest(endpoint string, statusCode int, elapsed time.Duration) {
	endpoint = endpointLabel(endpoint)
	RemoteRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	RemoteRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func RecordSync(kind string, err error) {
	Syncs.WithLabelValues(kind, outcome(err)).Inc()
}

func RecordDiscovery(newlyDiscovered int, err error) {
	DiscoveryRuns.WithLabelValues(outcome(err)).Inc()
	DiscoveredEntities.Add(float64(newlyDiscovered))
}

func RecordTokenOperation(grant string, err error) {
	TokenOperations.WithLabelValues(grant, outcome(err)).Inc()
}

// SetTokenExpiry records the access token expiry, nil meaning unknown.
func SetTokenExpiry(expiresAt *time.Time) {
	if expiresAt == nil {
		TokenExpiry.Set(0)
		return
	}
	TokenExpiry.Set(float64(expiresAt.Unix()))
}

func SetRegisteredEntities(n int) {
	RegisteredEntities.Set(float64(n))
}

func SetBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

var perDogPrefixes = []string{"/api/v2/dog/", "/api/v2/daily_goal/"}

func endpointLabel(path string) string {
	for _, prefix := range perDogPrefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix + "{slug}"
		}
	}
	return path
}
