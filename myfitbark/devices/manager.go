// Package devices is the hub's local registry of linked entities and their attribute
// snapshots. Every attribute change is published on the event bus.
package devices

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/metrics"
)

// Registry persists entities and snapshots; *storage.Storage implements it.
type Registry interface {
	InsertEntity(ctx context.Context, e myfitbark.LinkedEntity) error
	GetEntity(ctx context.Context, externalId string) (*myfitbark.LinkedEntity, error)
	ListEntities(ctx context.Context) ([]myfitbark.LinkedEntity, error)
	DeleteEntity(ctx context.Context, externalId string) error
	LoadSnapshot(ctx context.Context, externalId string) (*myfitbark.Snapshot, error)
	SaveSnapshot(ctx context.Context, externalId string, snap myfitbark.Snapshot) error
}

// EventSink receives attribute changes; *mqtt.Bus implements it.
type EventSink interface {
	Attribute(ctx context.Context, externalId string, attribute string, value any) error
	Forget(externalId string, attributes ...string)
}

type Manager struct {
	registry Registry
	events   EventSink
	locks    sync.Map // map[string]*sync.Mutex
	now      func() time.Time
	log      logr.Logger
}

func NewManager(log logr.Logger, registry Registry, events EventSink) *Manager {
	return &Manager{
		registry: registry,
		events:   events,
		now:      time.Now,
		log:      log.WithName("devices.Manager"),
	}
}

func (m *Manager) lock(externalId string) func() {
	mu, _ := m.locks.LoadOrStore(externalId, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// Create registers a new entity. An already registered external id is an error.
func (m *Manager) Create(ctx context.Context, e myfitbark.LinkedEntity) error {
	if e.ExternalId == "" {
		return fmt.Errorf("%w: entity has no external id", myfitbark.ErrUserInput)
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = m.now()
	}
	if err := m.registry.InsertEntity(ctx, e); err != nil {
		return err
	}
	m.log.Info("Registered entity", "external_id", e.ExternalId, "name", e.DisplayName, "relationship", e.Relationship)
	m.updateCount(ctx)
	return nil
}

func (m *Manager) Get(ctx context.Context, externalId string) (*myfitbark.LinkedEntity, error) {
	return m.registry.GetEntity(ctx, externalId)
}

func (m *Manager) List(ctx context.Context) ([]myfitbark.LinkedEntity, error) {
	return m.registry.ListEntities(ctx)
}

// ExternalIds returns the set of registered external ids.
func (m *Manager) ExternalIds(ctx context.Context) (map[string]struct{}, error) {
	all, err := m.registry.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(all))
	for _, e := range all {
		ids[e.ExternalId] = struct{}{}
	}
	return ids, nil
}

// Snapshot returns the stored snapshot, or a zero one when the entity never synced.
func (m *Manager) Snapshot(ctx context.Context, externalId string) (myfitbark.Snapshot, error) {
	snap, err := m.registry.LoadSnapshot(ctx, externalId)
	if err != nil || snap == nil {
		return myfitbark.Snapshot{}, err
	}
	return *snap, nil
}

// UpdateSnapshot runs fn over the current snapshot of an entity, saves the result and
// publishes the attributes that changed. Updates of the same entity are serialized, so
// that fn always sees the outcome of the previous one. The entity itself is never
// rewritten: a renamed dog only changes the snapshot DogName.
func (m *Manager) UpdateSnapshot(ctx context.Context, externalId string, fn func(*myfitbark.Snapshot) error) (myfitbark.Snapshot, error) {
	unlock := m.lock(externalId)
	defer unlock()

	entity, err := m.registry.GetEntity(ctx, externalId)
	if err != nil {
		return myfitbark.Snapshot{}, err
	}
	before, err := m.Snapshot(ctx, externalId)
	if err != nil {
		return myfitbark.Snapshot{}, err
	}
	after := before.Clone()
	if after.DogName == "" {
		after.DogName = entity.DisplayName
	}
	if err := fn(&after); err != nil {
		return before, err
	}
	after.UpdatedAt = m.now()
	if err := m.registry.SaveSnapshot(ctx, externalId, after); err != nil {
		return before, err
	}
	m.publish(ctx, externalId, before, after)
	return after, nil
}

// Delete removes an entity.
func (m *Manager) Delete(ctx context.Context, externalId string) error {
	unlock := m.lock(externalId)
	defer unlock()
	if err := m.registry.DeleteEntity(ctx, externalId); err != nil {
		return err
	}
	if m.events != nil {
		m.events.Forget(externalId, myfitbark.Attributes()...)
	}
	m.log.Info("Deleted entity", "external_id", externalId)
	m.updateCount(ctx)
	return nil
}

// DeleteAll removes every registered entity and returns how many were removed. It stops at
// the first failure.
func (m *Manager) DeleteAll(ctx context.Context) (int, error) {
	all, err := m.registry.ListEntities(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range all {
		if err := m.Delete(ctx, e.ExternalId); err != nil {
			return n, fmt.Errorf("failed to delete %s: %w", e, err)
		}
		n++
	}
	return n, nil
}

func (m *Manager) updateCount(ctx context.Context) {
	all, err := m.registry.ListEntities(ctx)
	if err == nil {
		metrics.SetRegisteredEntities(len(all))
	}
}

func (m *Manager) publish(ctx context.Context, externalId string, before, after myfitbark.Snapshot) {
	if m.events == nil {
		return
	}
	for _, c := range Changes(before, after) {
		if err := m.events.Attribute(ctx, externalId, c.Attribute, c.Value); err != nil {
			m.log.Error(err, "Failed to publish attribute", "external_id", externalId, "attribute", c.Attribute)
		}
	}
}

// Change is one attribute whose value differs between two snapshots.
type Change struct {
	Attribute string
	Value     any
}

// Changes lists the attributes of after that differ from before, in a stable order.
func Changes(before, after myfitbark.Snapshot) []Change {
	b, a := attributes(before), attributes(after)
	out := make([]Change, 0)
	for i := range a {
		if !reflect.DeepEqual(b[i].Value, a[i].Value) {
			out = append(out, a[i])
		}
	}
	return out
}

func attributes(s myfitbark.Snapshot) []Change {
	return []Change{
		{myfitbark.AttrDogName, s.DogName},
		{myfitbark.AttrBattery, s.BatteryLevel},
		{myfitbark.AttrActivityPoints, s.ActivityPoints},
		{myfitbark.AttrDailyGoal, s.DailyGoal},
		{myfitbark.AttrPercentComplete, s.PercentCompleteToday},
		{myfitbark.AttrPercentCompleteYesterday, s.PercentCompleteYesterday},
		{myfitbark.AttrMinutesPlay, s.MinutesPlay},
		{myfitbark.AttrMinutesActive, s.MinutesActive},
		{myfitbark.AttrMinutesRest, s.MinutesRest},
		{myfitbark.AttrHourlyAverage, s.HourlyAverage},
		{myfitbark.AttrLastSync, s.LastRemoteSyncTime},
		{myfitbark.AttrGoalSchedule, s.ScheduledGoalChanges},
		{myfitbark.AttrPeerStats, peerStatsValue(s.PeerStats)},
	}
}

// peerStatsValue leaves UpdatedAt out, so that a refresh with identical figures is not a change.
func peerStatsValue(p *myfitbark.PeerStats) *myfitbark.PeerStats {
	if p == nil {
		return nil
	}
	c := *p
	c.UpdatedAt = time.Time{}
	return &c
}
