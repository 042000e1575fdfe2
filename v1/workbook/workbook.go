// Package workbook stores workbooks: ordered lists of typed question blocks
// authored by one user and, once published, solvable by everyone.
package workbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
)

// Workbook is a titled, ordered set of blocks.
type Workbook struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     string     `gorm:"index;size:36;not null" json:"ownerId"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `json:"description"`
	Tags        []string   `gorm:"serializer:json" json:"tags"`
	Published   bool       `gorm:"not null;index" json:"published"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Blocks      []Block    `gorm:"constraint:OnDelete:CASCADE" json:"blocks,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Block is one question of a workbook.
type Block struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	WorkbookID  string          `gorm:"index;size:36;not null" json:"workbookId"`
	Position    int             `gorm:"not null" json:"position"`
	Type        string          `gorm:"size:32;not null" json:"type"`
	Question    string          `gorm:"not null" json:"question"`
	Content     json.RawMessage `gorm:"serializer:json" json:"content,omitempty"`
	Answer      json.RawMessage `gorm:"serializer:json" json:"answer,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Input returns the editable fields of b.
func (b *Block) Input() BlockInput {
	return BlockInput{Type: b.Type, Question: b.Question, Content: b.Content, Answer: b.Answer, Explanation: b.Explanation}
}

// Public returns a copy of w without answer keys and explanations, as shown
// to someone solving it.
func (w *Workbook) Public() *Workbook {
	out := *w
	out.Blocks = make([]Block, len(w.Blocks))
	for i, b := range w.Blocks {
		b.Answer = nil
		b.Explanation = ""
		out.Blocks[i] = b
	}
	return &out
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Workbook{}, &Block{}} }

// Input holds the editable fields of a workbook.
type Input struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Tags        []string `json:"tags" validate:"max=20,dive,required,max=40"`
}

func (in *Input) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	tags := make([]string, 0, len(in.Tags))
	seen := map[string]struct{}{}
	for _, t := range in.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if _, dup := seen[t]; t == "" || dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	in.Tags = tags
	return validator.Struct(in)
}

// Query filters List. With OwnerID set the owner's workbooks are listed,
// drafts included; otherwise only published ones.
type Query struct {
	OwnerID string
	Tag     string
	Search  string
	Limit   int
	Offset  int
}

// Service manages workbooks and their blocks.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService returns a Service on db.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Create stores an empty, unpublished workbook.
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (*Workbook, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	w := &Workbook{ID: uuid.NewString(), OwnerID: ownerID, Title: in.Title, Description: in.Description, Tags: in.Tags}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, fmt.Errorf("failed to create workbook: %w", err)
	}
	return w, nil
}

// Get returns a workbook with its blocks in order.
func (s *Service) Get(ctx context.Context, id string) (*Workbook, error) {
	var w Workbook
	err := s.db.WithContext(ctx).
		Preload("Blocks", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&w, "id = ?", id).Error
	if err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("workbook", id)
		}
		return nil, fmt.Errorf("failed to get workbook: %w", err)
	}
	return &w, nil
}

// View returns what viewerID may see of a workbook: everything for the
// owner, the public form of a published workbook for anyone else.
// Unpublished workbooks of other users are reported as missing.
func (s *Service) View(ctx context.Context, id, viewerID string) (*Workbook, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OwnerID == viewerID {
		return w, nil
	}
	if !w.Published {
		return nil, solveserrors.NotFound("workbook", id)
	}
	return w.Public(), nil
}

// List returns workbooks without blocks, most recently updated first.
func (s *Service) List(ctx context.Context, q Query) ([]Workbook, int64, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	tx := s.db.WithContext(ctx).Model(&Workbook{})
	if q.OwnerID != "" {
		tx = tx.Where("owner_id = ?", q.OwnerID)
	} else {
		tx = tx.Where("published = ?", true)
	}
	if q.Search != "" {
		like := "%" + strings.ToLower(strings.TrimSpace(q.Search)) + "%"
		tx = tx.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	if q.Tag != "" {
		tx = tx.Where("tags LIKE ?", `%"`+strings.ToLower(q.Tag)+`"%`)
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count workbooks: %w", err)
	}
	out := []Workbook{}
	if err := tx.Order("updated_at DESC, id").Limit(q.Limit).Offset(q.Offset).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list workbooks: %w", err)
	}
	return out, total, nil
}

// Update replaces title, description and tags.
func (s *Service) Update(ctx context.Context, id, ownerID string, in Input) (*Workbook, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, s.db, id, ownerID); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Model(&Workbook{ID: id}).Select("title", "description", "tags").
		Updates(&Workbook{Title: in.Title, Description: in.Description, Tags: in.Tags}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update workbook: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a workbook and its blocks.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.owned(ctx, tx, id, ownerID); err != nil {
			return err
		}
		if err := tx.Where("workbook_id = ?", id).Delete(&Block{}).Error; err != nil {
			return fmt.Errorf("failed to delete blocks: %w", err)
		}
		if err := tx.Delete(&Workbook{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete workbook: %w", err)
		}
		return nil
	})
}

// AddBlock appends a block. Blocks of an unpublished workbook may be
// incomplete; blocks of a published one must pass ValidateBlock.
func (s *Service) AddBlock(ctx context.Context, workbookID, ownerID string, in BlockInput) (*Block, error) {
	blocks, err := s.AddBlocks(ctx, workbookID, ownerID, []BlockInput{in})
	if err != nil {
		return nil, err
	}
	return &blocks[0], nil
}

// AddBlocks appends several blocks in one transaction.
func (s *Service) AddBlocks(ctx context.Context, workbookID, ownerID string, ins []BlockInput) ([]Block, error) {
	if len(ins) == 0 {
		return nil, solveserrors.Invalid("blocks", "must not be empty")
	}
	out := make([]Block, 0, len(ins))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.owned(ctx, tx, workbookID, ownerID)
		if err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&Block{}).Where("workbook_id = ?", workbookID).Count(&n).Error; err != nil {
			return err
		}
		for i, in := range ins {
			in.Question = strings.TrimSpace(in.Question)
			if err := checkBlock(w.Published, in); err != nil {
				if len(ins) > 1 {
					return prefixField(fmt.Sprintf("blocks[%d]", i), err)
				}
				return err
			}
			out = append(out, Block{
				ID:          uuid.NewString(),
				WorkbookID:  workbookID,
				Position:    int(n) + i,
				Type:        in.Type,
				Question:    in.Question,
				Content:     in.Content,
				Answer:      in.Answer,
				Explanation: strings.TrimSpace(in.Explanation),
			})
		}
		if err := tx.Create(&out).Error; err != nil {
			return fmt.Errorf("failed to create blocks: %w", err)
		}
		return touch(tx, workbookID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBlock replaces the fields of a block. Its position is kept.
func (s *Service) UpdateBlock(ctx context.Context, blockID, ownerID string, in BlockInput) (*Block, error) {
	in.Question = strings.TrimSpace(in.Question)
	var b Block
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&b, "id = ?", blockID).Error; err != nil {
			if database.NotFound(err) {
				return solveserrors.NotFound("block", blockID)
			}
			return err
		}
		w, err := s.owned(ctx, tx, b.WorkbookID, ownerID)
		if err != nil {
			return err
		}
		if err := checkBlock(w.Published, in); err != nil {
			return err
		}
		b.Type = in.Type
		b.Question = in.Question
		b.Content = in.Content
		b.Answer = in.Answer
		b.Explanation = strings.TrimSpace(in.Explanation)
		if err := tx.Save(&b).Error; err != nil {
			return fmt.Errorf("failed to update block: %w", err)
		}
		return touch(tx, b.WorkbookID)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBlock removes a block and closes the gap in positions. The last
// block of a published workbook cannot be removed.
func (s *Service) DeleteBlock(ctx context.Context, blockID, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b Block
		if err := tx.First(&b, "id = ?", blockID).Error; err != nil {
			if database.NotFound(err) {
				return solveserrors.NotFound("block", blockID)
			}
			return err
		}
		w, err := s.owned(ctx, tx, b.WorkbookID, ownerID)
		if err != nil {
			return err
		}
		if w.Published {
			var n int64
			if err := tx.Model(&Block{}).Where("workbook_id = ?", w.ID).Count(&n).Error; err != nil {
				return err
			}
			if n <= 1 {
				return &solveserrors.Error{Kind: solveserrors.ErrConflict, Field: "blocks", Message: "a published workbook needs at least one block"}
			}
		}
		if err := tx.Delete(&Block{}, "id = ?", blockID).Error; err != nil {
			return fmt.Errorf("failed to delete block: %w", err)
		}
		if err := tx.Model(&Block{}).
			Where("workbook_id = ? AND position > ?", b.WorkbookID, b.Position).
			UpdateColumn("position", gorm.Expr("position - 1")).Error; err != nil {
			return fmt.Errorf("failed to compact positions: %w", err)
		}
		return touch(tx, b.WorkbookID)
	})
}

// ReorderBlocks sets the block order. ids must list every block of the
// workbook exactly once.
func (s *Service) ReorderBlocks(ctx context.Context, workbookID, ownerID string, ids []string) (*Workbook, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.owned(ctx, tx, workbookID, ownerID); err != nil {
			return err
		}
		var current []string
		if err := tx.Model(&Block{}).Where("workbook_id = ?", workbookID).Pluck("id", &current).Error; err != nil {
			return err
		}
		if !isPermutation(current, ids) {
			return solveserrors.Invalid("ids", "must list every block of the workbook exactly once")
		}
		for i, id := range ids {
			if err := tx.Model(&Block{}).Where("id = ?", id).UpdateColumn("position", i).Error; err != nil {
				return fmt.Errorf("failed to reorder blocks: %w", err)
			}
		}
		return touch(tx, workbookID)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, workbookID)
}

// Publish makes a workbook solvable. It needs at least one block and every
// block must pass ValidateBlock.
func (s *Service) Publish(ctx context.Context, id, ownerID string) (*Workbook, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.OwnerID != ownerID {
		return nil, solveserrors.Forbidden("publish", "workbook")
	}
	if len(w.Blocks) == 0 {
		return nil, solveserrors.Invalid("blocks", "a workbook needs at least one block to be published")
	}
	for i := range w.Blocks {
		if err := ValidateBlock(w.Blocks[i].Input()); err != nil {
			return nil, prefixField(fmt.Sprintf("blocks[%d]", i), err)
		}
	}
	now := s.now()
	err = s.db.WithContext(ctx).Model(&Workbook{}).Where("id = ?", id).
		Updates(map[string]any{"published": true, "published_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to publish workbook: %w", err)
	}
	return s.Get(ctx, id)
}

// Unpublish hides a workbook from solvers.
func (s *Service) Unpublish(ctx context.Context, id, ownerID string) (*Workbook, error) {
	if _, err := s.owned(ctx, s.db, id, ownerID); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Model(&Workbook{}).Where("id = ?", id).
		Updates(map[string]any{"published": false, "published_at": nil}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to unpublish workbook: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Service) owned(ctx context.Context, db *gorm.DB, id, ownerID string) (*Workbook, error) {
	var w Workbook
	if err := db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("workbook", id)
		}
		return nil, fmt.Errorf("failed to get workbook: %w", err)
	}
	if w.OwnerID != ownerID {
		return nil, solveserrors.Forbidden("modify", "workbook")
	}
	return &w, nil
}

func checkBlock(published bool, in BlockInput) error {
	if published {
		return ValidateBlock(in)
	}
	return checkShape(in)
}

func touch(tx *gorm.DB, workbookID string) error {
	return tx.Model(&Workbook{}).Where("id = ?", workbookID).Update("updated_at", time.Now()).Error
}

func isPermutation(current, ids []string) bool {
	if len(current) != len(ids) {
		return false
	}
	want := make(map[string]bool, len(current))
	for _, id := range current {
		want[id] = true
	}
	for _, id := range ids {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return true
}

func prefixField(prefix string, err error) error {
	var e *solveserrors.Error
	if !errors.As(err, &e) || e.Field == "" {
		return err
	}
	cp := *e
	cp.Field = prefix + "." + e.Field
	return &cp
}
