package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/adapter/inmem"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockPublisher struct {
	mu        sync.Mutex
	published []domain.Notification
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, n)
	return nil
}

func (m *mockPublisher) last(t *testing.T) domain.Notification {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.published)
	return m.published[len(m.published)-1]
}

func newTestService() (*TaskService, *mockPublisher) {
	pub := &mockPublisher{}
	return NewTaskService(inmem.NewTaskRepository(clockwork.NewFakeClock()), pub), pub
}

func TestTaskService_CreatePublishes(t *testing.T) {
	svc, pub := newTestService()

	task, err := svc.Create(context.Background(), "  write docs ", "clientX")

	require.NoError(t, err)
	assert.Equal(t, "write docs", task.Title)

	n := pub.last(t)
	assert.Equal(t, domain.TopicTask, n.Topic)
	assert.Equal(t, domain.TaskActionCreate, n.Message)
	assert.Equal(t, task.ID.String(), n.EventID())
	assert.Equal(t, "clientX", n.Origin())
}

func TestTaskService_CreateWithoutOrigin(t *testing.T) {
	svc, pub := newTestService()

	_, err := svc.Create(context.Background(), "anonymous", "")

	require.NoError(t, err)
	assert.Nil(t, pub.last(t).OriginClientID)
}

func TestTaskService_CreateValidation(t *testing.T) {
	svc, pub := newTestService()

	_, err := svc.Create(context.Background(), "   ", "clientX")
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, err = svc.Create(context.Background(), strings.Repeat("a", maxTitleLength+1), "clientX")
	assert.ErrorIs(t, err, ErrTitleTooLong)

	assert.Empty(t, pub.published)
}

func TestTaskService_UpdatePublishes(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, "draft", "clientX")
	require.NoError(t, err)

	updated, err := svc.Update(ctx, task.ID, "final", true, "clientY")
	require.NoError(t, err)
	assert.True(t, updated.Done)

	n := pub.last(t)
	assert.Equal(t, domain.TaskActionUpdate, n.Message)
	assert.Equal(t, task.ID.String(), n.EventID())
	assert.Equal(t, "clientY", n.Origin())
}

func TestTaskService_DeletePublishes(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()

	task, err := svc.Create(ctx, "temporary", "clientX")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, task.ID, "clientX"))

	n := pub.last(t)
	assert.Equal(t, domain.TaskActionDelete, n.Message)
	assert.Equal(t, task.ID.String(), n.EventID())

	_, err = svc.Get(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskService_MissingTaskDoesNotPublish(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()

	_, err := svc.Update(ctx, uuid.New(), "x", false, "clientX")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	err = svc.Delete(ctx, uuid.New(), "clientX")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	assert.Empty(t, pub.published)
}

func TestTaskService_PublishFailurePropagates(t *testing.T) {
	svc, pub := newTestService()
	brokerDown := errors.New("broker down")
	pub.err = brokerDown
	ctx := context.Background()

	task, err := svc.Create(ctx, "kept", "clientX")

	assert.ErrorIs(t, err, ErrNotifyFailed)
	assert.ErrorIs(t, err, brokerDown)
	require.NotNil(t, task)

	tasks, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
