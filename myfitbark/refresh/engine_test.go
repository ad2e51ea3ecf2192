package refresh

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr/testr"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/devices"
	"github.com/asnowfix/myfitbark/myfitbark/storage"
	"github.com/asnowfix/myfitbark/myfitbark/tokens"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
	"github.com/asnowfix/myfitbark/pkg/fitbark/fitbarktest"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *fitbarktest.Server
	store   *tokens.Store
	devices *devices.Manager
	engine  *Engine
}

func newFixture(t *testing.T, retries uint64) *fixture {
	t.Helper()
	ctx := context.Background()
	log := testr.New(t)

	srv := fitbarktest.NewServer()
	t.Cleanup(srv.Close)

	db, err := storage.NewStorage(log, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	store, err := tokens.NewStore(ctx, log, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetTokens(ctx, "tok1", "ref1", time.Hour))

	m := devices.NewManager(log, db, nil)
	e := NewEngine(log, srv.Client(), store, m,
		WithClock(func() time.Time { return now }),
		WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
		}),
	)
	return &fixture{srv: srv, store: store, devices: m, engine: e}
}

func (fx *fixture) register(t *testing.T, slug string, name string, profile map[string]any) {
	t.Helper()
	fx.srv.AddDog(slug, name, "OWNER", profile)
	require.NoError(t, fx.devices.Create(context.Background(), myfitbark.LinkedEntity{
		ExternalId:   slug,
		DisplayName:  name,
		Relationship: myfitbark.Owner,
	}))
}

func snapshot(t *testing.T, m *devices.Manager, id string) myfitbark.Snapshot {
	t.Helper()
	s, err := m.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return s
}

func intp(v int) *int {
	return &v
}

func TestDayRollover(t *testing.T) {
	log := testr.New(t)
	var s myfitbark.Snapshot

	for _, activity := range []int{80, 95} {
		project(log, &s, &fitbark.Dog{Name: "Rex", ActivityValue: intp(activity), DailyGoal: intp(100)})
	}
	assert.Equal(t, 95, *s.PercentCompleteToday)
	assert.Nil(t, s.PercentCompleteYesterday)

	project(log, &s, &fitbark.Dog{Name: "Rex", ActivityValue: intp(10), DailyGoal: intp(100)})
	assert.Equal(t, 10, *s.PercentCompleteToday)
	require.NotNil(t, s.PercentCompleteYesterday)
	assert.Equal(t, 95, *s.PercentCompleteYesterday)

	project(log, &s, &fitbark.Dog{Name: "Rex", ActivityValue: intp(30), DailyGoal: intp(100)})
	assert.Equal(t, 30, *s.PercentCompleteToday)
	assert.Equal(t, 95, *s.PercentCompleteYesterday)
}

func TestPercentComplete(t *testing.T) {
	for _, tc := range []struct {
		activity, goal, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{5, 8, 63},
		{1, 8, 13},
		{150, 100, 150},
		{2999, 3000, 100},
	} {
		assert.Equal(t, tc.want, PercentComplete(tc.activity, tc.goal), "%d/%d", tc.activity, tc.goal)
	}
}

func TestNonPositiveGoalSkipsPercentage(t *testing.T) {
	s := myfitbark.Snapshot{PercentCompleteToday: intp(40)}
	project(testr.New(t), &s, &fitbark.Dog{ActivityValue: intp(500), DailyGoal: intp(0)})
	assert.Equal(t, 500, s.ActivityPoints)
	assert.Equal(t, 40, *s.PercentCompleteToday)
	assert.Nil(t, s.PercentCompleteYesterday)
}

func TestAbsentFieldsKeepStoredValues(t *testing.T) {
	log := testr.New(t)
	s := myfitbark.Snapshot{DogName: "Rex", HourlyAverage: intp(12), BatteryLevel: 70}
	project(log, &s, &fitbark.Dog{})
	assert.Equal(t, "Rex", s.DogName)
	assert.Equal(t, 12, *s.HourlyAverage)
	assert.Equal(t, 70, s.BatteryLevel)

	var fresh myfitbark.Snapshot
	project(log, &fresh, &fitbark.Dog{})
	assert.Equal(t, myfitbark.UnknownDogName, fresh.DogName)
	assert.Nil(t, fresh.HourlyAverage)
}

func TestSyncEntity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	fx.register(t, "rex", "Rex", map[string]any{
		"battery_level":  80,
		"activity_value": 500,
		"daily_goal":     1000,
		"hourly_average": 20,
		"min_play":       10,
		"min_active":     30,
		"min_rest":       600,
		"last_sync":      "2025-06-01T10:00:00.000Z",
	})
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Goals["rex"] = []map[string]any{
			{"goal": 1200, "date": "2025-06-10"},
			{"goal": 1000, "date": "2025-05-01"},
		}
		s.Stats["rex"] = map[string]any{
			"this_average_daily_activity":      900,
			"this_best_daily_activity":         1500,
			"median_same_breed_daily_activity": 1100,
		}
	})

	require.NoError(t, fx.engine.SyncEntity(ctx, "rex"))

	s := snapshot(t, fx.devices, "rex")
	assert.Equal(t, "Rex", s.DogName)
	assert.Equal(t, 80, s.BatteryLevel)
	assert.Equal(t, 50, *s.PercentCompleteToday)
	assert.Equal(t, 20, *s.HourlyAverage)
	assert.Equal(t, 600, s.MinutesRest)
	require.NotNil(t, s.LastRemoteSyncTime)
	assert.True(t, s.LastRemoteSyncTime.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))

	require.Len(t, s.ScheduledGoalChanges, 2)
	assert.Equal(t, 1000, s.ScheduledGoalChanges[0].Goal)
	assert.Equal(t, 1200, s.ScheduledGoalChanges[1].Goal)

	require.NotNil(t, s.PeerStats)
	assert.Equal(t, 900, s.PeerStats.ThisAverageDailyActivity)
	assert.Equal(t, 1100, *s.PeerStats.MedianSameBreed)
	assert.Nil(t, s.PeerStats.MedianSameAgeRange)
	assert.True(t, now.Equal(s.PeerStats.UpdatedAt))
}

func TestSyncEntityFetchesAreIndependent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	fx.register(t, "rex", "Rex", map[string]any{"activity_value": 250, "daily_goal": 1000})
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Goals["rex"] = []map[string]any{{"goal": 1000, "date": "2025-05-01"}}
		s.Fail["GET /api/v2/similar_dogs_stats"] = 400
	})

	err := fx.engine.SyncEntity(ctx, "rex")
	require.Error(t, err)
	assert.Equal(t, myfitbark.Transport, myfitbark.CategoryOf(err))

	s := snapshot(t, fx.devices, "rex")
	assert.Equal(t, 25, *s.PercentCompleteToday)
	assert.Len(t, s.ScheduledGoalChanges, 1)
	assert.Nil(t, s.PeerStats)

	// Client errors are not retried
	assert.Equal(t, 1, fx.srv.Calls("GET /api/v2/similar_dogs_stats"))
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 3)
	fx.register(t, "rex", "Rex", map[string]any{"battery_level": 55})
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Fail["GET /api/v2/dog/rex"] = 503
		s.FailCount["GET /api/v2/dog/rex"] = 2
	})

	require.NoError(t, fx.engine.Poll(ctx, "rex"))
	assert.Equal(t, 3, fx.srv.Calls("GET /api/v2/dog/rex"))
	assert.Equal(t, 55, snapshot(t, fx.devices, "rex").BatteryLevel)
}

func TestBreakerStopsCallingFailingService(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	fx.register(t, "rex", "Rex", nil)
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Fail["GET /api/v2/dog/rex"] = 500
	})

	for i := 0; i < breakerTrips; i++ {
		require.Error(t, fx.engine.Poll(ctx, "rex"))
	}
	assert.Equal(t, gobreaker.StateOpen, fx.engine.guard.breaker(breakerName(KindDog, "rex")).cb.State())

	err := fx.engine.Poll(ctx, "rex")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	var fe *fitbark.Error
	require.ErrorAs(t, err, &fe, "the last remote failure is kept")
	assert.Equal(t, 500, fe.StatusCode)
	assert.Equal(t, breakerTrips, fx.srv.Calls("GET /api/v2/dog/rex"))

	// The other fetch kinds of the same dog keep their own breaker
	assert.Equal(t, gobreaker.StateClosed, fx.engine.guard.breaker(breakerName(KindStats, "rex")).cb.State())
}

func TestFailingDogDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 5)
	fx.engine.parallelism = 1
	fx.register(t, "broken", "Broken", nil)
	fx.register(t, "rex", "Rex", map[string]any{"battery_level": 90})
	fx.register(t, "fido", "Fido", map[string]any{"battery_level": 60})
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Fail["GET /api/v2/dog/broken"] = 500
	})

	polls := breakerTrips + 2
	for i := 0; i < polls; i++ {
		err := fx.engine.PollAll(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken:")
		assert.NotContains(t, err.Error(), "rex:")
		assert.NotContains(t, err.Error(), "fido:")
	}

	assert.Equal(t, gobreaker.StateOpen, fx.engine.guard.breaker(breakerName(KindDog, "broken")).cb.State())
	assert.Equal(t, gobreaker.StateClosed, fx.engine.guard.breaker(breakerName(KindDog, "rex")).cb.State())
	assert.Equal(t, polls, fx.srv.Calls("GET /api/v2/dog/rex"))
	assert.Equal(t, polls, fx.srv.Calls("GET /api/v2/dog/fido"))
	assert.Equal(t, 90, snapshot(t, fx.devices, "rex").BatteryLevel)
	assert.Equal(t, 60, snapshot(t, fx.devices, "fido").BatteryLevel)
	// 6 attempts per poll until the breaker opened, none after
	assert.Equal(t, breakerTrips*6, fx.srv.Calls("GET /api/v2/dog/broken"))
}

func TestRetriedCallCountsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	fx.register(t, "rex", "Rex", nil)
	fx.srv.Set(func(s *fitbarktest.Server) {
		s.Fail["GET /api/v2/dog/rex"] = 503
	})

	for i := 0; i < breakerTrips-1; i++ {
		require.Error(t, fx.engine.Poll(ctx, "rex"))
	}
	assert.Equal(t, gobreaker.StateClosed, fx.engine.guard.breaker(breakerName(KindDog, "rex")).cb.State())
	assert.Equal(t, (breakerTrips-1)*3, fx.srv.Calls("GET /api/v2/dog/rex"))
}

func TestSyncRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	fx.register(t, "rex", "Rex", nil)
	require.NoError(t, fx.store.ClearAll(ctx))

	assert.ErrorIs(t, fx.engine.SyncEntity(ctx, "rex"), myfitbark.ErrUnauthorized)
	assert.ErrorIs(t, fx.engine.PollAll(ctx), myfitbark.ErrUnauthorized)
	assert.Equal(t, 0, fx.srv.Calls("GET /api/v2/dog/rex"))
}

func TestSyncUnknownEntity(t *testing.T) {
	fx := newFixture(t, 0)
	assert.ErrorIs(t, fx.engine.SyncEntity(context.Background(), "nope"), myfitbark.ErrNotFound)
}

func TestPollAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	fx.register(t, "rex", "Rex", map[string]any{"battery_level": 90})
	fx.register(t, "fido", "Fido", nil)
	fx.srv.Set(func(s *fitbarktest.Server) {
		delete(s.Dogs, "fido")
	})

	err := fx.engine.PollAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fido")
	assert.NotContains(t, err.Error(), "rex")
	assert.Equal(t, 90, snapshot(t, fx.devices, "rex").BatteryLevel)
}

func TestSetDailyGoal(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	fx.register(t, "rex", "Rex", nil)

	tomorrow := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, fx.engine.SetDailyGoal(ctx, "rex", 0, tomorrow), myfitbark.ErrUserInput)
	assert.ErrorIs(t, fx.engine.SetDailyGoal(ctx, "rex", -5, tomorrow), myfitbark.ErrUserInput)
	assert.ErrorIs(t, fx.engine.SetDailyGoal(ctx, "rex", 1000, today), myfitbark.ErrUserInput)
	assert.ErrorIs(t, fx.engine.SetDailyGoal(ctx, "rex", 1000, today.AddDate(0, 0, -3)), myfitbark.ErrUserInput)
	assert.Equal(t, 0, fx.srv.Calls("PUT /api/v2/daily_goal/rex"))

	require.NoError(t, fx.engine.SetDailyGoal(ctx, "rex", 1500, tomorrow))
	assert.Equal(t, 1, fx.srv.Calls("PUT /api/v2/daily_goal/rex"))

	s := snapshot(t, fx.devices, "rex")
	require.Len(t, s.ScheduledGoalChanges, 1)
	assert.Equal(t, 1500, s.ScheduledGoalChanges[0].Goal)
	assert.Equal(t, "2025-06-02", s.ScheduledGoalChanges[0].Date.Format(fitbark.DateLayout))
}
