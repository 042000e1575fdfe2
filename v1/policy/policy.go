// Package policy versions legal documents (terms, privacy, refund) and
// records which users accepted which version.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
)

// Kinds.
const (
	KindTerms   = "terms"
	KindPrivacy = "privacy"
	KindRefund  = "refund"
)

// Statuses.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Policy is one version of a document.
type Policy struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Kind        string     `gorm:"uniqueIndex:idx_policies_kind_version;size:16;not null" json:"kind"`
	Version     int        `gorm:"uniqueIndex:idx_policies_kind_version;not null" json:"version"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Body        string     `gorm:"not null" json:"body"`
	Status      string     `gorm:"size:16;not null;index" json:"status"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Acceptance records that a user agreed to a policy version.
type Acceptance struct {
	UserID     string    `gorm:"primaryKey;size:36" json:"userId"`
	PolicyID   string    `gorm:"primaryKey;size:36" json:"policyId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Policy{}, &Acceptance{}} }

// DraftInput holds the editable fields of a draft.
type DraftInput struct {
	Kind  string `json:"kind" validate:"required,oneof=terms privacy refund"`
	Title string `json:"title" validate:"required,max=200"`
	Body  string `json:"body" validate:"required"`
}

// Service manages policies.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService returns a Service on db.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// CreateDraft stores a new draft numbered one past the highest version of
// its kind.
func (s *Service) CreateDraft(ctx context.Context, in DraftInput) (*Policy, error) {
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	in.Title = strings.TrimSpace(in.Title)
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	p := &Policy{ID: uuid.NewString(), Kind: in.Kind, Title: in.Title, Body: in.Body, Status: StatusDraft}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int
		row := tx.Model(&Policy{}).Where("kind = ?", in.Kind).Select("COALESCE(MAX(version), 0)").Row()
		if err := row.Scan(&max); err != nil {
			return err
		}
		p.Version = max + 1
		return tx.Create(p).Error
	})
	if err != nil {
		if database.IsDuplicate(err) {
			return nil, solveserrors.Conflict("policy", "version", fmt.Sprint(p.Version))
		}
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}
	return p, nil
}

// UpdateDraft edits title and body of a draft. The kind cannot change.
func (s *Service) UpdateDraft(ctx context.Context, id, title, body string) (*Policy, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft {
		return nil, statusConflict("only drafts can be edited")
	}
	in := DraftInput{Kind: p.Kind, Title: strings.TrimSpace(title), Body: body}
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&Policy{}).
		Where("id = ? AND status = ?", id, StatusDraft).
		Updates(map[string]any{"title": in.Title, "body": in.Body})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, statusConflict("only drafts can be edited")
	}
	return s.Get(ctx, id)
}

// Publish makes a draft the current policy of its kind and archives the
// previously published one in the same transaction.
func (s *Service) Publish(ctx context.Context, id string) (*Policy, error) {
	var out Policy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if database.NotFound(err) {
				return solveserrors.NotFound("policy", id)
			}
			return err
		}
		if out.Status != StatusDraft {
			return statusConflict("only drafts can be published")
		}
		if err := tx.Model(&Policy{}).
			Where("kind = ? AND status = ?", out.Kind, StatusPublished).
			Update("status", StatusArchived).Error; err != nil {
			return err
		}
		res := tx.Model(&Policy{}).Where("id = ? AND status = ?", id, StatusDraft).
			Updates(map[string]any{"status": StatusPublished, "published_at": s.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return statusConflict("only drafts can be published")
		}
		return nil
	})
	if err != nil {
		return nil, wrap("publish policy", err)
	}
	return s.Get(ctx, id)
}

// Get returns a policy by id.
func (s *Service) Get(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("policy", id)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

// Current returns the published policy of kind.
func (s *Service) Current(ctx context.Context, kind string) (*Policy, error) {
	var p Policy
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, StatusPublished).
		Order("version DESC").
		First(&p).Error
	if err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("published "+kind+" policy", "")
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

// List returns every version of kind, newest first. An empty kind lists all.
func (s *Service) List(ctx context.Context, kind string) ([]Policy, error) {
	tx := s.db.WithContext(ctx)
	if kind != "" {
		tx = tx.Where("kind = ?", kind)
	}
	out := []Policy{}
	if err := tx.Order("kind, version DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return out, nil
}

// Delete removes a draft. Published and archived versions are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusDraft {
		return statusConflict("only drafts can be deleted")
	}
	if err := s.db.WithContext(ctx).Delete(&Policy{}, "id = ? AND status = ?", id, StatusDraft).Error; err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return nil
}

// Accept records that userID accepted the policy. Only the current version
// of a kind can be accepted; accepting twice is a no-op.
func (s *Service) Accept(ctx context.Context, userID, policyID string) (*Acceptance, error) {
	p, err := s.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPublished {
		return nil, &solveserrors.Error{Kind: solveserrors.ErrConflict, Field: "policy", Message: "only the current version can be accepted"}
	}
	a := &Acceptance{UserID: userID, PolicyID: policyID, AcceptedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to record acceptance: %w", err)
	}
	return a, nil
}

// HasAccepted reports whether userID accepted the current version of kind.
// When nothing of that kind is published there is nothing to accept and
// the answer is true.
func (s *Service) HasAccepted(ctx context.Context, userID, kind string) (bool, error) {
	cur, err := s.Current(ctx, kind)
	if err != nil {
		if errors.Is(err, solveserrors.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	var n int64
	err = s.db.WithContext(ctx).Model(&Acceptance{}).
		Where("user_id = ? AND policy_id = ?", userID, cur.ID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check acceptance: %w", err)
	}
	return n > 0, nil
}

func statusConflict(msg string) error {
	return &solveserrors.Error{Kind: solveserrors.ErrConflict, Field: "status", Message: msg}
}

func wrap(op string, err error) error {
	var e *solveserrors.Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
