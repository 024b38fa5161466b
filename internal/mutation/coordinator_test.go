package mutation_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/mutation"
	"github.com/Additional-Code/ordersync/internal/restapi"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

type MockBackend struct{ mock.Mock }

func (m *MockBackend) ChangeStatus(ctx context.Context, orderID string, status domain.Status, note string) (domain.Order, error) {
	args := m.Called(ctx, orderID, status, note)
	return args.Get(0).(domain.Order), args.Error(1)
}

func (m *MockBackend) AssignDelivery(ctx context.Context, orderID, agentID string) (domain.Order, error) {
	args := m.Called(ctx, orderID, agentID)
	return args.Get(0).(domain.Order), args.Error(1)
}

func TestCoordinator_ChangeStatus(t *testing.T) {
	t.Run("should commit the authoritative status", func(t *testing.T) {
		backend := &MockBackend{}
		updatedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		backend.On("ChangeStatus", mock.Anything, "o1", domain.StatusConfirmed, "ok").
			Return(domain.Order{ID: "o1", Status: domain.OrderStatus{Current: domain.StatusConfirmed}, UpdatedAt: updatedAt}, nil)
		coordinator := mutation.New(backend, zap.NewNop())

		var committed []domain.Confirmation
		got, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusConfirmed, "ok"), nil,
			func(c domain.Confirmation) { committed = append(committed, c) })

		require.NoError(t, err)
		want := domain.Confirmation{OrderID: "o1", Status: domain.StatusConfirmed, UpdatedAt: updatedAt}
		assert.Equal(t, want, got)
		assert.Equal(t, []domain.Confirmation{want}, committed)
		backend.AssertExpectations(t)
	})

	t.Run("should fall back to the requested status when the server omits it", func(t *testing.T) {
		backend := &MockBackend{}
		backend.On("ChangeStatus", mock.Anything, "o1", domain.StatusPreparing, "").Return(domain.Order{}, nil)
		coordinator := mutation.New(backend, zap.NewNop())

		got, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusPreparing, ""), nil, nil)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusPreparing, got.Status)
		assert.False(t, got.UpdatedAt.IsZero())
	})
}

func TestCoordinator_AssignAgent(t *testing.T) {
	backend := &MockBackend{}
	backend.On("AssignDelivery", mock.Anything, "o1", "a1").
		Return(domain.Order{ID: "o1", DeliveryAgent: &domain.AgentRef{ID: "a1", Name: "Ayu S."}}, nil)
	coordinator := mutation.New(backend, zap.NewNop())

	got, err := coordinator.Perform(context.Background(),
		mutation.AssignAgent("o1", domain.AgentRef{ID: "a1", Name: "Ayu", Phone: "0812"}), nil, nil)

	require.NoError(t, err)
	require.NotNil(t, got.Agent)
	assert.Equal(t, domain.AgentRef{ID: "a1", Name: "Ayu S.", Phone: "0812"}, *got.Agent)
}

func TestCoordinator_Failure(t *testing.T) {
	backend := &MockBackend{}
	backend.On("ChangeStatus", mock.Anything, "o1", domain.StatusConfirmed, "").
		Return(domain.Order{}, &restapi.APIError{Method: http.MethodPatch, Path: "/orders/o1/status", StatusCode: http.StatusConflict, Message: "Order locked"})
	coordinator := mutation.New(backend, zap.NewNop())

	committed := false
	_, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusConfirmed, ""), nil,
		func(domain.Confirmation) { committed = true })

	require.Error(t, err)
	assert.False(t, committed)
	assert.True(t, errorbank.IsKind(err, errorbank.KindBadGateway))

	var mutErr *mutation.Error
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, http.StatusConflict, mutErr.StatusCode)
	assert.Equal(t, "Order locked", mutErr.Message)
	assert.Equal(t, mutation.KindChangeStatus, mutErr.Kind)
	backend.AssertNumberOfCalls(t, "ChangeStatus", 1)
}

func TestCoordinator_Guard(t *testing.T) {
	t.Run("should skip the network call", func(t *testing.T) {
		backend := &MockBackend{}
		coordinator := mutation.New(backend, zap.NewNop())

		_, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusConfirmed, ""),
			func() (bool, error) { return true, nil },
			func(domain.Confirmation) { t.Fatal("commit must not run for skipped commands") })

		require.NoError(t, err)
		backend.AssertNotCalled(t, "ChangeStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should reject without a network call", func(t *testing.T) {
		backend := &MockBackend{}
		coordinator := mutation.New(backend, zap.NewNop())

		_, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusConfirmed, ""),
			func() (bool, error) { return false, domain.ErrInvalidTransition }, nil)

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		backend.AssertNotCalled(t, "ChangeStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCoordinator_SerializesPerOrder(t *testing.T) {
	backend := &MockBackend{}
	release := make(chan struct{})
	var inFlight, maxInFlight int32
	backend.On("ChangeStatus", mock.Anything, "o1", mock.Anything, "").
		Run(func(mock.Arguments) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				seen := atomic.LoadInt32(&maxInFlight)
				if n <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
		}).
		Return(domain.Order{}, nil)
	backend.On("ChangeStatus", mock.Anything, "o2", mock.Anything, "").Return(domain.Order{}, nil)
	coordinator := mutation.New(backend, zap.NewNop())

	var wg sync.WaitGroup
	for _, status := range []domain.Status{domain.StatusConfirmed, domain.StatusPreparing} {
		wg.Add(1)
		go func(status domain.Status) {
			defer wg.Done()
			_, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", status, ""), nil, nil)
			assert.NoError(t, err)
		}(status)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&inFlight) == 1 }, time.Second, time.Millisecond)

	// a different order is not blocked by o1
	_, err := coordinator.Perform(context.Background(), mutation.ChangeStatus("o2", domain.StatusConfirmed, ""), nil, nil)
	require.NoError(t, err)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	backend.AssertNumberOfCalls(t, "ChangeStatus", 3)
}

func TestCoordinator_WaitHonoursContext(t *testing.T) {
	backend := &MockBackend{}
	release := make(chan struct{})
	started := make(chan struct{})
	backend.On("ChangeStatus", mock.Anything, "o1", domain.StatusConfirmed, "").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(domain.Order{}, nil).Once()
	coordinator := mutation.New(backend, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = coordinator.Perform(context.Background(), mutation.ChangeStatus("o1", domain.StatusConfirmed, ""), nil, nil)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coordinator.Perform(ctx, mutation.ChangeStatus("o1", domain.StatusPreparing, ""), nil, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	<-done
}
