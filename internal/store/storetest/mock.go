// Package storetest provides a testify mock of store.Store for packages
// that exercise failure paths of the datastore.
package storetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
	"github.com/sells-group/oficio-cli/internal/store"
)

// MockStore implements store.Store.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) ImportOficio(ctx context.Context, o *model.Oficio) error {
	return m.Called(ctx, o).Error(0)
}

func (m *MockStore) GetOficio(ctx context.Context, orgID, id string) (*model.Oficio, error) {
	args := m.Called(ctx, orgID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Oficio), args.Error(1)
}

func (m *MockStore) ListOficios(ctx context.Context, filter store.OficioFilter) ([]model.Oficio, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Oficio), args.Error(1)
}

func (m *MockStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockStore) ApplyFallback(ctx context.Context, t model.Transition, entry store.OutboxEntry) error {
	return m.Called(ctx, t, entry).Error(0)
}

func (m *MockStore) SaveDraft(ctx context.Context, d model.Draft) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockStore) Stats(ctx context.Context, orgID string) (*store.Stats, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Stats), args.Error(1)
}

func (m *MockStore) ClaimKey(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ReleaseKey(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockStore) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.OutboxEntry), args.Error(1)
}

func (m *MockStore) MarkOutboxSynced(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *MockStore) ListUsers(ctx context.Context, orgID string) ([]model.User, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.User), args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, orgID, id string) (*model.User, error) {
	args := m.Called(ctx, orgID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *MockStore) UpsertUsers(ctx context.Context, users []model.User) (int64, error) {
	args := m.Called(ctx, users)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]resilience.DLQEntry), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}
