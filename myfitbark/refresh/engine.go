// Package refresh keeps the local snapshots of the linked dogs in sync with the remote
// service: the activity snapshot on every poll, the goal schedule and the peer-group
// statistics once a day.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/metrics"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

// Kinds of fetches, as reported in metrics.
const (
	KindDog   = "dog"
	KindGoals = "goals"
	KindStats = "stats"

	// KindGoalUpdate only names the breaker of goal scheduling calls.
	KindGoalUpdate = "goal-update"
)

type Remote interface {
	GetDog(ctx context.Context, token string, slug string) (*fitbark.Dog, error)
	GetDailyGoals(ctx context.Context, token string, slug string) ([]fitbark.DailyGoal, error)
	SetDailyGoal(ctx context.Context, token string, slug string, goal int, date time.Time) ([]fitbark.DailyGoal, error)
	GetSimilarDogsStats(ctx context.Context, token string, slug string) (*fitbark.SimilarDogsStats, error)
}

// TokenSource is the read side of the token store.
type TokenSource interface {
	Reload(ctx context.Context) error
	AccessToken() string
}

type Entities interface {
	List(ctx context.Context) ([]myfitbark.LinkedEntity, error)
	Get(ctx context.Context, externalId string) (*myfitbark.LinkedEntity, error)
	UpdateSnapshot(ctx context.Context, externalId string, fn func(*myfitbark.Snapshot) error) (myfitbark.Snapshot, error)
}

type Engine struct {
	remote      Remote
	tokens      TokenSource
	entities    Entities
	guard       *guard
	now         func() time.Time
	parallelism int
	log         logr.Logger
}

type Option func(*engineOptions)

type engineOptions struct {
	backoff     func() backoff.BackOff
	now         func() time.Time
	parallelism int
}

// WithBackOff replaces the retry policy of transient failures.
func WithBackOff(b func() backoff.BackOff) Option {
	return func(o *engineOptions) {
		o.backoff = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		o.now = now
	}
}

// WithParallelism bounds how many entities are synced at once by the *All operations.
func WithParallelism(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func NewEngine(log logr.Logger, remote Remote, tokens TokenSource, entities Entities, opts ...Option) *Engine {
	o := engineOptions{
		backoff:     defaultBackOff,
		now:         time.Now,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.WithName("refresh.Engine")
	return &Engine{
		remote:      remote,
		tokens:      tokens,
		entities:    entities,
		guard:       newGuard(log, o.backoff),
		now:         o.now,
		parallelism: o.parallelism,
		log:         log,
	}
}

func (e *Engine) accessToken(ctx context.Context) (string, error) {
	if err := e.tokens.Reload(ctx); err != nil {
		return "", err
	}
	token := e.tokens.AccessToken()
	if token == "" {
		return "", myfitbark.ErrUnauthorized
	}
	return token, nil
}

// SyncEntity fetches the activity snapshot, the goal schedule and the peer statistics of
// one entity. The three fetches run concurrently and independently: the returned error
// joins whichever failed.
func (e *Engine) SyncEntity(ctx context.Context, externalId string) error {
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}
	if _, err := e.entities.Get(ctx, externalId); err != nil {
		return err
	}

	var errs [3]error
	var g errgroup.Group
	g.Go(func() error {
		errs[0] = e.pollDog(ctx, token, externalId)
		return nil
	})
	g.Go(func() error {
		errs[1] = e.refreshGoals(ctx, token, externalId)
		return nil
	})
	g.Go(func() error {
		errs[2] = e.refreshStats(ctx, token, externalId)
		return nil
	})
	_ = g.Wait()
	return errors.Join(errs[:]...)
}

// Poll fetches the activity snapshot of one entity.
func (e *Engine) Poll(ctx context.Context, externalId string) error {
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}
	return e.pollDog(ctx, token, externalId)
}

func (e *Engine) RefreshGoals(ctx context.Context, externalId string) error {
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}
	return e.refreshGoals(ctx, token, externalId)
}

func (e *Engine) RefreshStats(ctx context.Context, externalId string) error {
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}
	return e.refreshStats(ctx, token, externalId)
}

// SyncAll runs SyncEntity on every registered entity.
func (e *Engine) SyncAll(ctx context.Context) error {
	return e.forEach(ctx, "sync", e.SyncEntity)
}

// PollAll runs Poll on every registered entity. This is the periodic job.
func (e *Engine) PollAll(ctx context.Context) error {
	return e.forEach(ctx, "poll", e.Poll)
}

// RefreshGoalsAll is the once-daily goal schedule job.
func (e *Engine) RefreshGoalsAll(ctx context.Context) error {
	return e.forEach(ctx, "goals", e.RefreshGoals)
}

// RefreshStatsAll is the once-daily peer statistics job.
func (e *Engine) RefreshStatsAll(ctx context.Context) error {
	return e.forEach(ctx, "stats", e.RefreshStats)
}

// forEach applies fn to every entity. A failing entity never stops the others.
func (e *Engine) forEach(ctx context.Context, what string, fn func(context.Context, string) error) error {
	if _, err := e.accessToken(ctx); err != nil {
		return err
	}
	entities, err := e.entities.List(ctx)
	if err != nil {
		return err
	}
	log := e.log.WithValues("job", what)
	log.V(1).Info("Running", "entities", len(entities))

	var mu sync.Mutex
	var errs []error
	g := new(errgroup.Group)
	g.SetLimit(e.parallelism)
	for _, entity := range entities {
		g.Go(func() error {
			if err := fn(ctx, entity.ExternalId); err != nil {
				log.Error(err, "Entity failed", "entity", entity.String())
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", entity.ExternalId, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) failed(kind string, externalId string, err error) {
	if fitbark.IsUnauthorized(err) {
		e.log.Error(err, "Access token rejected, re-authorize the account", "kind", kind, "entity", externalId)
		return
	}
	e.log.Error(err, "Sync failed", "kind", kind, "entity", externalId, "message", myfitbark.UserMessage(err))
}

func (e *Engine) pollDog(ctx context.Context, token string, externalId string) (err error) {
	defer func() {
		metrics.RecordSync(KindDog, err)
		if err != nil {
			e.failed(KindDog, externalId, err)
		}
	}()
	dog, err := call(ctx, e.guard, breakerName(KindDog, externalId), "get dog", func() (*fitbark.Dog, error) {
		return e.remote.GetDog(ctx, token, externalId)
	})
	if err != nil {
		return err
	}
	_, err = e.ApplyDog(ctx, externalId, dog)
	return err
}

func (e *Engine) refreshGoals(ctx context.Context, token string, externalId string) (err error) {
	defer func() {
		metrics.RecordSync(KindGoals, err)
		if err != nil {
			e.failed(KindGoals, externalId, err)
		}
	}()
	goals, err := call(ctx, e.guard, breakerName(KindGoals, externalId), "get daily goals", func() ([]fitbark.DailyGoal, error) {
		return e.remote.GetDailyGoals(ctx, token, externalId)
	})
	if err != nil {
		return err
	}
	return e.applyGoals(ctx, externalId, goals)
}

func (e *Engine) refreshStats(ctx context.Context, token string, externalId string) (err error) {
	defer func() {
		metrics.RecordSync(KindStats, err)
		if err != nil {
			e.failed(KindStats, externalId, err)
		}
	}()
	stats, err := call(ctx, e.guard, breakerName(KindStats, externalId), "get similar dogs stats", func() (*fitbark.SimilarDogsStats, error) {
		return e.remote.GetSimilarDogsStats(ctx, token, externalId)
	})
	if err != nil {
		return err
	}
	_, err = e.entities.UpdateSnapshot(ctx, externalId, func(s *myfitbark.Snapshot) error {
		s.PeerStats = &myfitbark.PeerStats{
			ThisAverageDailyActivity: valueOr(stats.ThisAverageDailyActivity, 0),
			ThisBestDailyActivity:    valueOr(stats.ThisBestDailyActivity, 0),
			MedianSameBreed:          stats.MedianSameBreed,
			MedianSameAgeRange:       stats.MedianSameAgeRange,
			MedianSameWeightRange:    stats.MedianSameWeightRange,
			UpdatedAt:                e.now(),
		}
		return nil
	})
	return err
}

// SetDailyGoal schedules a new daily goal from date on. The goal must be positive and
// the date strictly after today.
func (e *Engine) SetDailyGoal(ctx context.Context, externalId string, goal int, date time.Time) error {
	if goal <= 0 {
		return fmt.Errorf("%w: daily goal must be positive, got %d", myfitbark.ErrUserInput, goal)
	}
	day := date.Format(fitbark.DateLayout)
	today := e.now().In(date.Location()).Format(fitbark.DateLayout)
	if day <= today {
		return fmt.Errorf("%w: goal start date %s must be after today (%s)", myfitbark.ErrUserInput, day, today)
	}
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}
	if _, err := e.entities.Get(ctx, externalId); err != nil {
		return err
	}
	goals, err := call(ctx, e.guard, breakerName(KindGoalUpdate, externalId), "set daily goal", func() ([]fitbark.DailyGoal, error) {
		return e.remote.SetDailyGoal(ctx, token, externalId, goal, date)
	})
	if err != nil {
		e.failed(KindGoals, externalId, err)
		return err
	}
	e.log.Info("Scheduled daily goal", "entity", externalId, "goal", goal, "date", day)
	return e.applyGoals(ctx, externalId, goals)
}

func (e *Engine) applyGoals(ctx context.Context, externalId string, goals []fitbark.DailyGoal) error {
	schedule := make([]myfitbark.GoalChange, 0, len(goals))
	for _, g := range goals {
		if !g.Date.Set {
			e.log.V(1).Info("Ignoring undated goal", "entity", externalId, "goal", g.Goal)
			continue
		}
		schedule = append(schedule, myfitbark.GoalChange{Date: g.Date.Time, Goal: g.Goal})
	}
	sort.SliceStable(schedule, func(i, j int) bool {
		return schedule[i].Date.Before(schedule[j].Date)
	})
	_, err := e.entities.UpdateSnapshot(ctx, externalId, func(s *myfitbark.Snapshot) error {
		s.ScheduledGoalChanges = schedule
		return nil
	})
	return err
}

// ApplyDog projects a dog payload onto the entity snapshot.
func (e *Engine) ApplyDog(ctx context.Context, externalId string, dog *fitbark.Dog) (myfitbark.Snapshot, error) {
	if dog == nil {
		return myfitbark.Snapshot{}, fmt.Errorf("%w: no dog payload for %s", fitbark.ErrProtocol, externalId)
	}
	return e.entities.UpdateSnapshot(ctx, externalId, func(s *myfitbark.Snapshot) error {
		project(e.log.WithValues("entity", externalId), s, dog)
		return nil
	})
}

// project applies the field projection rules. Absent optional fields leave the stored
// value untouched.
func project(log logr.Logger, s *myfitbark.Snapshot, dog *fitbark.Dog) {
	switch {
	case dog.Name != "":
		s.DogName = dog.Name
	case s.DogName == "":
		s.DogName = myfitbark.UnknownDogName
	}
	setInt(&s.BatteryLevel, dog.BatteryLevel)
	setInt(&s.ActivityPoints, dog.ActivityValue)
	setInt(&s.DailyGoal, dog.DailyGoal)
	setInt(&s.MinutesPlay, dog.MinPlay)
	setInt(&s.MinutesActive, dog.MinActive)
	setInt(&s.MinutesRest, dog.MinRest)
	if dog.HourlyAverage != nil {
		s.HourlyAverage = myfitbark.IntPtr(*dog.HourlyAverage)
	}
	if t := dog.LastSyncTime(); t != nil {
		s.LastRemoteSyncTime = t
	}

	if s.DailyGoal <= 0 {
		log.Info("No positive daily goal, skipping percentage", "daily_goal", s.DailyGoal)
		return
	}
	pct := PercentComplete(s.ActivityPoints, s.DailyGoal)
	// The service resets the daily counter silently: a drop means a new day started
	if prev := s.PercentCompleteToday; prev != nil && pct < *prev {
		log.V(1).Info("Day rollover", "yesterday", *prev, "today", pct)
		s.PercentCompleteYesterday = myfitbark.IntPtr(*prev)
	}
	s.PercentCompleteToday = myfitbark.IntPtr(pct)
}

// PercentComplete is round(activity / goal * 100). goal must be positive.
func PercentComplete(activity int, goal int) int {
	return int(math.Round(float64(activity) / float64(goal) * 100))
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
