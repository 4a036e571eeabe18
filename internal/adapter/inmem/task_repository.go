package inmem

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/domain"
)

// TaskRepository keeps tasks in memory. Returned tasks are copies.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]domain.Task
	clock clockwork.Clock
}

var _ domain.TaskRepository = (*TaskRepository)(nil)

func NewTaskRepository(clock clockwork.Clock) *TaskRepository {
	return &TaskRepository{tasks: make(map[uuid.UUID]domain.Task), clock: clock}
}

func (r *TaskRepository) List(_ context.Context) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return tasks, nil
}

func (r *TaskRepository) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return &t, nil
}

func (r *TaskRepository) Create(_ context.Context, title string) (*domain.Task, error) {
	now := r.clock.Now().UTC()
	t := domain.Task{ID: uuid.New(), Title: title, CreatedAt: now, UpdatedAt: now}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	return &t, nil
}

func (r *TaskRepository) Update(_ context.Context, id uuid.UUID, title string, done bool) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	t.Title = title
	t.Done = done
	t.UpdatedAt = r.clock.Now().UTC()
	r.tasks[id] = t
	return &t, nil
}

func (r *TaskRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}
