package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TopicTask is the notification topic for task record changes.
const TopicTask = "task"

// Task actions carried as the notification message.
const (
	TaskActionCreate = "create"
	TaskActionUpdate = "update"
	TaskActionDelete = "delete"
)

type Task struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TaskRepository interface {
	List(ctx context.Context) ([]Task, error)
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	Create(ctx context.Context, title string) (*Task, error)
	Update(ctx context.Context, id uuid.UUID, title string, done bool) (*Task, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
