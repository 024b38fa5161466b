package agent_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/agent"
	"github.com/Additional-Code/ordersync/internal/cache"
	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/restapi"
)

type MockFetcher struct{ mock.Mock }

func (m *MockFetcher) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	args := m.Called(ctx, agentID)
	return args.Get(0).(domain.Agent), args.Error(1)
}

func TestDirectory_LookupCachesAgents(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("GetAgent", mock.Anything, "a1").Return(domain.Agent{ID: "a1", Name: "Ayu", Active: true}, nil).Once()
	dir := agent.New(fetcher, cache.NewMemoryStore(time.Minute), 0, zap.NewNop())

	for i := 0; i < 3; i++ {
		got, err := dir.Lookup(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, "Ayu", got.Name)
	}
	fetcher.AssertNumberOfCalls(t, "GetAgent", 1)
}

func TestDirectory_Invalidate(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("GetAgent", mock.Anything, "a1").Return(domain.Agent{ID: "a1", Active: true}, nil)
	dir := agent.New(fetcher, cache.NewMemoryStore(time.Minute), 0, zap.NewNop())

	_, err := dir.Lookup(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, dir.Invalidate(context.Background(), "a1"))
	_, err = dir.Lookup(context.Background(), "a1")
	require.NoError(t, err)

	fetcher.AssertNumberOfCalls(t, "GetAgent", 2)
}

func TestDirectory_Availability(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("GetAgent", mock.Anything, "active").Return(domain.Agent{ID: "active", Active: true}, nil)
	fetcher.On("GetAgent", mock.Anything, "idle").Return(domain.Agent{ID: "idle", Active: false}, nil)
	fetcher.On("GetAgent", mock.Anything, "gone").
		Return(domain.Agent{}, &restapi.APIError{StatusCode: http.StatusNotFound, Message: "not found"})
	fetcher.On("GetAgent", mock.Anything, "flaky").Return(domain.Agent{}, errors.New("connection reset"))
	dir := agent.New(fetcher, nil, 0, zap.NewNop())
	ctx := context.Background()

	ok, err := dir.IsActive(ctx, "active")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.IsActive(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = dir.IsActive(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = dir.IsActive(ctx, "flaky")
	assert.Error(t, err)

	_, err = dir.Resolve(ctx, "idle")
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)

	got, err := dir.Resolve(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, "active", got.ID)
}

func TestDirectory_ResolveSeesDeactivation(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("GetAgent", mock.Anything, "a1").Return(domain.Agent{ID: "a1", Name: "Ayu", Active: true}, nil).Once()
	fetcher.On("GetAgent", mock.Anything, "a1").Return(domain.Agent{ID: "a1", Name: "Ayu", Active: false}, nil).Once()
	store := cache.NewMemoryStore(time.Hour)
	dir := agent.New(fetcher, store, time.Hour, zap.NewNop())
	ctx := context.Background()

	got, err := dir.Resolve(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	_, err = dir.Resolve(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)

	_, err = store.Get(ctx, cache.Key("agents", "a1"))
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "unavailable agents are evicted")
	fetcher.AssertNumberOfCalls(t, "GetAgent", 2)
}
