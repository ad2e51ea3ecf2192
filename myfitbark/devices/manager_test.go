package devices

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/storage"
)

type recordedEvent struct {
	externalId string
	attribute  string
	value      any
}

type recorder struct {
	mu      sync.Mutex
	events  []recordedEvent
	forgets []string
}

func (r *recorder) Attribute(ctx context.Context, externalId string, attribute string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{externalId, attribute, value})
	return nil
}

func (r *recorder) Forget(externalId string, attributes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgets = append(r.forgets, externalId)
}

func (r *recorder) attributes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.attribute)
	}
	return out
}

func newManager(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	s, err := storage.NewStorage(testr.New(t), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	r := &recorder{}
	return NewManager(testr.New(t), s, r), r
}

func rex() myfitbark.LinkedEntity {
	return myfitbark.LinkedEntity{ExternalId: "rex", DisplayName: "Rex", Relationship: myfitbark.Owner}
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Create(ctx, rex()))
	assert.ErrorIs(t, m.Create(ctx, rex()), myfitbark.ErrAlreadyRegistered)
	assert.ErrorIs(t, m.Create(ctx, myfitbark.LinkedEntity{}), myfitbark.ErrUserInput)

	ids, err := m.ExternalIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"rex": {}}, ids)

	e, err := m.Get(ctx, "rex")
	require.NoError(t, err)
	assert.False(t, e.RegisteredAt.IsZero())
}

func TestUpdateSnapshotPublishesChanges(t *testing.T) {
	ctx := context.Background()
	m, r := newManager(t)
	require.NoError(t, m.Create(ctx, rex()))

	snap, err := m.UpdateSnapshot(ctx, "rex", func(s *myfitbark.Snapshot) error {
		assert.Equal(t, "Rex", s.DogName)
		s.BatteryLevel = 80
		s.PercentCompleteToday = myfitbark.IntPtr(50)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 80, snap.BatteryLevel)
	assert.False(t, snap.UpdatedAt.IsZero())
	assert.Equal(t, []string{myfitbark.AttrDogName, myfitbark.AttrBattery, myfitbark.AttrPercentComplete}, r.attributes())

	_, err = m.UpdateSnapshot(ctx, "rex", func(s *myfitbark.Snapshot) error {
		s.BatteryLevel = 79
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, r.attributes(), 4)

	stored, err := m.Snapshot(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, 79, stored.BatteryLevel)
	assert.Equal(t, 50, *stored.PercentCompleteToday)
}

func TestUpdateSnapshotKeepsEntityUnchanged(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Create(ctx, rex()))
	before, err := m.Get(ctx, "rex")
	require.NoError(t, err)

	snap, err := m.UpdateSnapshot(ctx, "rex", func(s *myfitbark.Snapshot) error {
		s.DogName = "Rex II"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Rex II", snap.DogName)

	after, err := m.Get(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, before.DisplayName, after.DisplayName)
	assert.Equal(t, "Rex", after.DisplayName)
	assert.True(t, before.RegisteredAt.Equal(after.RegisteredAt))

	snap, err = m.Snapshot(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, "Rex II", snap.DogName)
}

func TestUpdateSnapshotUnknownEntity(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.UpdateSnapshot(context.Background(), "nope", func(s *myfitbark.Snapshot) error { return nil })
	assert.ErrorIs(t, err, myfitbark.ErrNotFound)
}

func TestUpdateSnapshotIsSerialized(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Create(ctx, rex()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateSnapshot(ctx, "rex", func(s *myfitbark.Snapshot) error {
				s.ActivityPoints++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := m.Snapshot(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.ActivityPoints)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	m, r := newManager(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Create(ctx, myfitbark.LinkedEntity{ExternalId: id, DisplayName: id, Relationship: myfitbark.Owner}))
	}

	n, err := m.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, []string{"a", "b", "c"}, r.forgets)
}

func TestChangesIgnorePeerStatsTimestamp(t *testing.T) {
	before := myfitbark.Snapshot{PeerStats: &myfitbark.PeerStats{ThisAverageDailyActivity: 10, UpdatedAt: time.Now()}}
	after := before.Clone()
	after.PeerStats.UpdatedAt = time.Now().Add(time.Hour)
	assert.Empty(t, Changes(before, after))

	after.PeerStats.ThisAverageDailyActivity = 11
	changes := Changes(before, after)
	require.Len(t, changes, 1)
	assert.Equal(t, myfitbark.AttrPeerStats, changes[0].Attribute)
}
