// Package todo is a small per-user task list. Every change is announced on
// the watch key "todo:<owner>" so open clients can refresh live.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
	"github.com/solveshq/solves/v1/watchbus"
)

// Event types.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
	EventCleared = "cleared"
)

// Todo is one task.
type Todo struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string     `gorm:"index;size:36;not null" json:"ownerId"`
	Title     string     `gorm:"size:200;not null" json:"title"`
	Done      bool       `gorm:"not null;default:false" json:"done"`
	DueAt     *time.Time `json:"dueAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Todo{}} }

// Input creates a todo.
type Input struct {
	Title string     `json:"title" validate:"required,max=200"`
	DueAt *time.Time `json:"dueAt"`
}

// Patch changes the fields that are set. ClearDue removes the due date.
type Patch struct {
	Title    *string    `json:"title" validate:"omitnil,min=1,max=200"`
	Done     *bool      `json:"done"`
	DueAt    *time.Time `json:"dueAt"`
	ClearDue bool       `json:"clearDue"`
}

// Event is published after every change.
type Event struct {
	Type    string    `json:"type"`
	Todo    *Todo     `json:"todo,omitempty"`
	ID      string    `json:"id,omitempty"`
	Removed int64     `json:"removed,omitempty"`
	At      time.Time `json:"at"`
}

// WatchKey is the watchbus key of an owner's events.
func WatchKey(ownerID string) string { return "todo:" + ownerID }

// Service manages todos.
type Service struct {
	db    *gorm.DB
	watch watchbus.WatchBus
	log   *slog.Logger
	now   func() time.Time
}

// NewService wires a Service. watch may be nil.
func NewService(db *gorm.DB, watch watchbus.WatchBus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, watch: watch, log: log, now: time.Now}
}

// Create adds a todo for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (*Todo, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	t := &Todo{ID: uuid.NewString(), OwnerID: ownerID, Title: in.Title, DueAt: in.DueAt}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create todo: %w", err)
	}
	s.publish(ctx, ownerID, Event{Type: EventCreated, Todo: t, ID: t.ID})
	return t, nil
}

// Get returns a todo of ownerID. Todos of other owners are not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Todo, error) {
	var t Todo
	err := s.db.WithContext(ctx).First(&t, "id = ? AND owner_id = ?", id, ownerID).Error
	if err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("todo", id)
		}
		return nil, fmt.Errorf("failed to get todo: %w", err)
	}
	return &t, nil
}

// List returns the todos of ownerID, open ones first. A non nil done
// filters on completion.
func (s *Service) List(ctx context.Context, ownerID string, done *bool) ([]Todo, error) {
	tx := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if done != nil {
		tx = tx.Where("done = ?", *done)
	}
	out := []Todo{}
	if err := tx.Order("done, created_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	return out, nil
}

// Update applies p.
func (s *Service) Update(ctx context.Context, ownerID, id string, p Patch) (*Todo, error) {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		p.Title = &title
	}
	if err := validator.Struct(p); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Done != nil {
		fields["done"] = *p.Done
	}
	switch {
	case p.ClearDue:
		fields["due_at"] = nil
	case p.DueAt != nil:
		fields["due_at"] = *p.DueAt
	}
	if len(fields) == 0 {
		return s.Get(ctx, ownerID, id)
	}
	return s.update(ctx, ownerID, id, fields)
}

// Toggle flips the done flag.
func (s *Service) Toggle(ctx context.Context, ownerID, id string) (*Todo, error) {
	fields := map[string]any{"done": gorm.Expr("NOT done")}
	return s.update(ctx, ownerID, id, fields)
}

func (s *Service) update(ctx context.Context, ownerID, id string, fields map[string]any) (*Todo, error) {
	fields["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&Todo{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update todo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, solveserrors.NotFound("todo", id)
	}
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, ownerID, Event{Type: EventUpdated, Todo: t, ID: t.ID})
	return t, nil
}

// Delete removes a todo.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Delete(&Todo{}, "id = ? AND owner_id = ?", id, ownerID)
	if res.Error != nil {
		return fmt.Errorf("failed to delete todo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return solveserrors.NotFound("todo", id)
	}
	s.publish(ctx, ownerID, Event{Type: EventDeleted, ID: id})
	return nil
}

// ClearCompleted removes every done todo of ownerID and returns how many
// were removed.
func (s *Service) ClearCompleted(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Todo{}, "owner_id = ? AND done = ?", ownerID, true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear todos: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.publish(ctx, ownerID, Event{Type: EventCleared, Removed: res.RowsAffected})
	}
	return res.RowsAffected, nil
}

func (s *Service) publish(ctx context.Context, ownerID string, ev Event) {
	if s.watch == nil {
		return
	}
	ev.At = s.now()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.watch.Publish(ctx, WatchKey(ownerID), data); err != nil {
		s.log.WarnContext(ctx, "failed to publish todo event", "owner_id", ownerID, "type", ev.Type, "error", err)
	}
}
