// Package discovery reconciles the dogs linked to the authorized account with the local
// registry, creating the entities that are not registered yet.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/metrics"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

// ErrRunning is returned when a run is requested while another one is in progress.
var ErrRunning = fmt.Errorf("%w: discovery is already running", myfitbark.ErrPrecondition)

type Remote interface {
	GetDogRelations(ctx context.Context, token string) ([]fitbark.DogRelation, error)
}

type TokenSource interface {
	Reload(ctx context.Context) error
	AccessToken() string
}

type Entities interface {
	ExternalIds(ctx context.Context) (map[string]struct{}, error)
	Create(ctx context.Context, e myfitbark.LinkedEntity) error
}

// Syncer performs the initial attribute sync of a new entity; *refresh.Engine implements it.
type Syncer interface {
	ApplyDog(ctx context.Context, externalId string, dog *fitbark.Dog) (myfitbark.Snapshot, error)
}

// RunState is the outcome of one discovery run. It is reset when a run starts.
type RunState struct {
	StartedAt              time.Time `json:"started_at" yaml:"started_at"`
	NewlyDiscoveredCount   int       `json:"newly_discovered" yaml:"newly_discovered"`
	AlreadyDiscoveredCount int       `json:"already_discovered" yaml:"already_discovered"`
	Finished               bool      `json:"finished" yaml:"finished"`
	FailureMessage         string    `json:"failure_message,omitempty" yaml:"failure_message,omitempty"`
}

type Engine struct {
	remote    Remote
	tokens    TokenSource
	entities  Entities
	syncer    Syncer
	ownedOnly bool
	now       func() time.Time
	log       logr.Logger

	running sync.Mutex
	mu      sync.RWMutex
	last    RunState
}

type Option func(*Engine)

// OwnedOnly skips the dogs the account only follows.
func OwnedOnly(owned bool) Option {
	return func(e *Engine) {
		e.ownedOnly = owned
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(log logr.Logger, remote Remote, tokens TokenSource, entities Entities, syncer Syncer, opts ...Option) *Engine {
	e := &Engine{
		remote:   remote,
		tokens:   tokens,
		entities: entities,
		syncer:   syncer,
		now:      time.Now,
		log:      log.WithName("discovery.Engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastRun returns the state of the latest run.
func (e *Engine) LastRun() RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func (e *Engine) update(fn func(*RunState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.last)
}

// Discover runs one reconciliation pass. The returned state carries a failure message
// whenever the error is not nil.
func (e *Engine) Discover(ctx context.Context) (state RunState, err error) {
	if !e.running.TryLock() {
		return e.LastRun(), ErrRunning
	}
	defer e.running.Unlock()

	e.update(func(s *RunState) {
		*s = RunState{StartedAt: e.now()}
	})
	defer func() {
		e.update(func(s *RunState) {
			if err != nil {
				s.FailureMessage = myfitbark.UserMessage(err)
			} else {
				s.Finished = true
			}
		})
		state = e.LastRun()
		metrics.RecordDiscovery(state.NewlyDiscoveredCount, err)
		if err != nil {
			e.log.Error(err, "Discovery failed", "newly_discovered", state.NewlyDiscoveredCount, "already_discovered", state.AlreadyDiscoveredCount)
		} else {
			e.log.Info("Discovery finished", "newly_discovered", state.NewlyDiscoveredCount, "already_discovered", state.AlreadyDiscoveredCount)
		}
	}()

	if err := e.tokens.Reload(ctx); err != nil {
		return RunState{}, err
	}
	token := e.tokens.AccessToken()
	if token == "" {
		return RunState{}, myfitbark.ErrUnauthorized
	}

	registered, err := e.entities.ExternalIds(ctx)
	if err != nil {
		return RunState{}, err
	}

	relations, err := e.remote.GetDogRelations(ctx, token)
	if err != nil {
		return RunState{}, err
	}
	if len(relations) == 0 {
		return RunState{}, myfitbark.ErrNoDevices
	}
	// A malformed record means the response shape changed: nothing gets created
	for i, r := range relations {
		if err := validate(r); err != nil {
			return RunState{}, fmt.Errorf("relation #%d: %w", i, err)
		}
	}

	for _, r := range relations {
		if err := ctx.Err(); err != nil {
			return RunState{}, fmt.Errorf("discovery cancelled: %w", err)
		}
		dog := r.Dog
		log := e.log.WithValues("slug", dog.Slug, "name", dog.Name)

		if _, ok := registered[dog.Slug]; ok {
			log.V(1).Info("Already registered")
			e.update(func(s *RunState) { s.AlreadyDiscoveredCount++ })
			continue
		}
		kind := myfitbark.ParseRelationshipKind(r.Status)
		if e.ownedOnly && !kind.IsOwner() {
			log.V(1).Info("Skipping followed dog", "status", r.Status)
			continue
		}

		entity := myfitbark.LinkedEntity{
			ExternalId:   dog.Slug,
			DisplayName:  dog.Name,
			Relationship: kind,
		}
		if err := e.entities.Create(ctx, entity); err != nil {
			return RunState{}, fmt.Errorf("failed to register %s: %w", entity, err)
		}
		registered[dog.Slug] = struct{}{}
		log.Info("Registered", "relationship", kind)

		if _, err := e.syncer.ApplyDog(ctx, dog.Slug, dog); err != nil {
			log.Error(err, "Initial sync failed, the next poll will retry")
		}
		e.update(func(s *RunState) { s.NewlyDiscoveredCount++ })
	}
	return RunState{}, nil
}

func validate(r fitbark.DogRelation) error {
	switch {
	case r.Dog == nil:
		return fmt.Errorf("%w: missing dog", myfitbark.ErrMalformedRelation)
	case r.Dog.Slug == "":
		return fmt.Errorf("%w: missing dog slug", myfitbark.ErrMalformedRelation)
	case r.Dog.Name == "":
		return fmt.Errorf("%w: dog %s has no name", myfitbark.ErrMalformedRelation, r.Dog.Slug)
	}
	return nil
}
