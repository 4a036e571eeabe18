package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

const maxTitleLength = 200

var (
	ErrEmptyTitle   = errors.New("task title is required")
	ErrTitleTooLong = fmt.Errorf("task title exceeds %d characters", maxTitleLength)
	ErrNotifyFailed = errors.New("task change was stored but could not be announced")
)

// TaskService is the CRUD collaborator that decides when notifications are emitted.
type TaskService struct {
	tasks     domain.TaskRepository
	publisher domain.EventPublisher
}

func NewTaskService(tasks domain.TaskRepository, publisher domain.EventPublisher) *TaskService {
	return &TaskService{tasks: tasks, publisher: publisher}
}

func (s *TaskService) List(ctx context.Context) ([]domain.Task, error) {
	return s.tasks.List(ctx)
}

func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

// Create stores a task and announces it. originClientID may be empty.
func (s *TaskService) Create(ctx context.Context, title, originClientID string) (*domain.Task, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}

	task, err := s.tasks.Create(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, s.announce(ctx, domain.TaskActionCreate, task.ID, originClientID)
}

func (s *TaskService) Update(ctx context.Context, id uuid.UUID, title string, done bool, originClientID string) (*domain.Task, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}

	task, err := s.tasks.Update(ctx, id, title, done)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return task, s.announce(ctx, domain.TaskActionUpdate, task.ID, originClientID)
}

func (s *TaskService) Delete(ctx context.Context, id uuid.UUID, originClientID string) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return s.announce(ctx, domain.TaskActionDelete, id, originClientID)
}

// announce publishes the change. A publish failure is returned to the caller, the stored change
// is kept.
func (s *TaskService) announce(ctx context.Context, action string, id uuid.UUID, originClientID string) error {
	opts := []domain.NotificationOption{domain.WithID(id.String())}
	if originClientID != "" {
		opts = append(opts, domain.WithOrigin(originClientID))
	}

	if err := s.publisher.Publish(ctx, domain.NewNotification(domain.TopicTask, action, opts...)); err != nil {
		return fmt.Errorf("%w: %w", ErrNotifyFailed, err)
	}
	return nil
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	if len(title) > maxTitleLength {
		return "", ErrTitleTooLong
	}
	return title, nil
}
