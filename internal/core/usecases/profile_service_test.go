package usecases_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
)

// memCache is an in-memory CacheService for asserting cache interplay.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes []string
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return nil, errors.New("cache miss")
	}
	return data, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes = append(c.deletes, key)
	return nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu       sync.Mutex
	presence []domain.PresenceDelta
	changes  []domain.Profile
	inserted []bool
}

func (p *capturePublisher) PublishPresence(ctx context.Context, delta domain.PresenceDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = append(p.presence, delta)
	return nil
}

func (p *capturePublisher) PublishProfileChange(ctx context.Context, profile *domain.Profile, inserted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, *profile)
	p.inserted = append(p.inserted, inserted)
	return nil
}

func TestProfileService_UpsertValidates(t *testing.T) {
	svc := usecases.NewProfileService(&mockProfileRepo{}, nil, nil)

	err := svc.Upsert(context.Background(), &domain.Profile{DisplayName: "no id"})
	require.Error(t, err)

	err = svc.Upsert(context.Background(), &domain.Profile{ID: "p1"})
	require.Error(t, err)
}

func TestProfileService_UpsertPublishesInsertThenUpdate(t *testing.T) {
	stored := map[string]*domain.Profile{}
	repo := &mockProfileRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Profile, error) {
			p, ok := stored[id]
			if !ok {
				return nil, domain.ErrNotFound
			}
			return p, nil
		},
		upsertFn: func(ctx context.Context, p *domain.Profile) error {
			cp := *p
			stored[p.ID] = &cp
			return nil
		},
	}
	pub := &capturePublisher{}
	svc := usecases.NewProfileService(repo, nil, pub)

	p := domain.Profile{ID: "p1", DisplayName: "First"}
	require.NoError(t, svc.Upsert(context.Background(), &p))

	p.DisplayName = "Renamed"
	require.NoError(t, svc.Upsert(context.Background(), &p))

	require.Len(t, pub.changes, 2)
	assert.True(t, pub.inserted[0], "first upsert should publish an insert")
	assert.False(t, pub.inserted[1], "second upsert should publish an update")
	assert.Equal(t, "Renamed", pub.changes[1].DisplayName)
}

func TestProfileService_UpsertInvalidatesCache(t *testing.T) {
	cache := newMemCache()
	cache.entries["profiles:id:p1"] = []byte(`{"id":"p1","display_name":"stale"}`)
	svc := usecases.NewProfileService(&mockProfileRepo{}, cache, nil)

	require.NoError(t, svc.Upsert(context.Background(), &domain.Profile{ID: "p1", DisplayName: "Fresh"}))
	assert.Contains(t, cache.deletes, "profiles:id:p1")
}

func TestProfileService_GetByID_CachesAfterMiss(t *testing.T) {
	calls := 0
	repo := &mockProfileRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Profile, error) {
			calls++
			return &domain.Profile{ID: id, DisplayName: "From Storage"}, nil
		},
	}
	cache := newMemCache()
	svc := usecases.NewProfileService(repo, cache, nil)

	first, err := svc.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	second, err := svc.GetByID(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second read should come from cache")
	assert.Equal(t, first.DisplayName, second.DisplayName)

	var cached domain.Profile
	require.NoError(t, json.Unmarshal(cache.entries["profiles:id:p1"], &cached))
	assert.Equal(t, "From Storage", cached.DisplayName)
}

func TestProfileService_GetByID_NotFound(t *testing.T) {
	svc := usecases.NewProfileService(&mockProfileRepo{}, nil, nil)
	_, err := svc.GetByID(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProfileService_SetPresence(t *testing.T) {
	var gotID string
	var gotOnline bool
	repo := &mockProfileRepo{
		setOnlineFn: func(ctx context.Context, id string, online bool, at time.Time) error {
			gotID, gotOnline = id, online
			return nil
		},
	}
	pub := &capturePublisher{}
	svc := usecases.NewProfileService(repo, nil, pub)

	require.NoError(t, svc.SetPresence(context.Background(), "p1", true))

	assert.Equal(t, "p1", gotID)
	assert.True(t, gotOnline)
	require.Len(t, pub.presence, 1)
	assert.Equal(t, "p1", pub.presence[0].ProfileID)
	assert.True(t, pub.presence[0].Online)
	assert.False(t, pub.presence[0].At.IsZero())
}

func TestProfileService_SetPresence_UnknownProfile(t *testing.T) {
	repo := &mockProfileRepo{
		setOnlineFn: func(ctx context.Context, id string, online bool, at time.Time) error {
			return domain.ErrNotFound
		},
	}
	pub := &capturePublisher{}
	svc := usecases.NewProfileService(repo, nil, pub)

	err := svc.SetPresence(context.Background(), "ghost", true)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, pub.presence, "failed write must not publish")
}

func TestProfileService_ListClampsPage(t *testing.T) {
	var gotOffset, gotLimit int
	repo := &pagingRepo{
		listFn: func(ctx context.Context, offset, limit int) ([]domain.Profile, int, error) {
			gotOffset, gotLimit = offset, limit
			return nil, 0, nil
		},
	}
	svc := usecases.NewProfileService(repo, nil, nil)

	_, _, err := svc.List(context.Background(), -5, 10000)
	require.NoError(t, err)
	assert.Equal(t, 0, gotOffset)
	assert.Equal(t, 100, gotLimit)
}

// pagingRepo overrides List on top of the shared mock.
type pagingRepo struct {
	mockProfileRepo
	listFn func(ctx context.Context, offset, limit int) ([]domain.Profile, int, error)
}

func (r *pagingRepo) List(ctx context.Context, offset, limit int) ([]domain.Profile, int, error) {
	return r.listFn(ctx, offset, limit)
}
