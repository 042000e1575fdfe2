// Package billing manages subscription plans and their prices.
package billing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/lock"
	"github.com/solveshq/solves/v1/validator"
)

// Billing intervals.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
	IntervalOnce  = "once"
)

const lockTTL = 10 * time.Second

var slugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Plan is a subscription tier.
type Plan struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Slug        string    `gorm:"uniqueIndex;size:64;not null" json:"slug"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description string    `json:"description"`
	Features    []string  `gorm:"serializer:json" json:"features"`
	Active      bool      `gorm:"not null" json:"active"`
	SortOrder   int       `gorm:"not null" json:"sortOrder"`
	Prices      []Price   `gorm:"constraint:OnDelete:CASCADE" json:"prices,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Price is what a plan costs per interval, in minor currency units.
type Price struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	PlanID    string    `gorm:"index;size:36;not null" json:"planId"`
	Interval  string    `gorm:"column:billing_interval;size:8;not null" json:"interval"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"size:3;not null" json:"currency"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Models lists the tables owned by this package.
func Models() []any { return []any{&Plan{}, &Price{}} }

// PlanInput holds the editable fields of a plan.
type PlanInput struct {
	Slug        string   `json:"slug" validate:"required,max=64"`
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=2000"`
	Features    []string `json:"features" validate:"max=50,dive,required,max=200"`
	Active      bool     `json:"active"`
	SortOrder   int      `json:"sortOrder"`
}

// PriceInput holds the fields of a new price.
type PriceInput struct {
	Interval string `json:"interval" validate:"required,oneof=month year once"`
	Amount   int64  `json:"amount" validate:"gte=0"`
	Currency string `json:"currency" validate:"required,currency"`
	Active   bool   `json:"active"`
}

// Service manages plans and prices. Price mutations of one plan are
// serialized through the lock key billing:plan:<id>.
type Service struct {
	db    *gorm.DB
	locks lock.Locker
}

// NewService returns a Service on db.
func NewService(db *gorm.DB, locks lock.Locker) *Service {
	return &Service{db: db, locks: locks}
}

func (in *PlanInput) normalize() error {
	in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
	in.Name = strings.TrimSpace(in.Name)
	features := make([]string, 0, len(in.Features))
	for _, f := range in.Features {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}
	in.Features = features
	if err := validator.Struct(in); err != nil {
		return err
	}
	if !slugRe.MatchString(in.Slug) {
		return solveserrors.Invalid("slug", "must contain lower case letters, digits and single dashes")
	}
	return nil
}

// CreatePlan stores a new plan.
func (s *Service) CreatePlan(ctx context.Context, in PlanInput) (*Plan, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	p := &Plan{
		ID:          uuid.NewString(),
		Slug:        in.Slug,
		Name:        in.Name,
		Description: in.Description,
		Features:    in.Features,
		Active:      in.Active,
		SortOrder:   in.SortOrder,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if database.IsDuplicate(err) {
			return nil, solveserrors.Conflict("plan", "slug", in.Slug)
		}
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return p, nil
}

// UpdatePlan replaces the editable fields of a plan.
func (s *Service) UpdatePlan(ctx context.Context, id string, in PlanInput) (*Plan, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	p, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Slug = in.Slug
	p.Name = in.Name
	p.Description = in.Description
	p.Features = in.Features
	p.Active = in.Active
	p.SortOrder = in.SortOrder
	p.Prices = nil
	if err := s.db.WithContext(ctx).Omit("Prices").Save(p).Error; err != nil {
		if database.IsDuplicate(err) {
			return nil, solveserrors.Conflict("plan", "slug", in.Slug)
		}
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}
	return s.GetPlan(ctx, id)
}

// DeletePlan removes a plan and all of its prices.
func (s *Service) DeletePlan(ctx context.Context, id string) error {
	return lock.Do(ctx, s.locks, planLockKey(id), lockTTL, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("plan_id = ?", id).Delete(&Price{}).Error; err != nil {
				return fmt.Errorf("failed to delete prices: %w", err)
			}
			res := tx.Delete(&Plan{}, "id = ?", id)
			if res.Error != nil {
				return fmt.Errorf("failed to delete plan: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return solveserrors.NotFound("plan", id)
			}
			return nil
		})
	})
}

// GetPlan returns a plan with all of its prices.
func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := s.db.WithContext(ctx).Preload("Prices", orderPrices).First(&p, "id = ?", id).Error
	if err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("plan", id)
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

// ListPlans returns plans in display order with all of their prices.
func (s *Service) ListPlans(ctx context.Context, includeInactive bool) ([]Plan, error) {
	tx := s.db.WithContext(ctx).Preload("Prices", orderPrices)
	if !includeInactive {
		tx = tx.Where("active = ?", true)
	}
	plans := []Plan{}
	if err := tx.Order("sort_order, name").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// SetPlanActive shows or hides a plan in the catalog.
func (s *Service) SetPlanActive(ctx context.Context, id string, active bool) (*Plan, error) {
	res := s.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update plan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, solveserrors.NotFound("plan", id)
	}
	return s.GetPlan(ctx, id)
}

// CreatePrice adds a price to a plan.
func (s *Service) CreatePrice(ctx context.Context, planID string, in PriceInput) (*Price, error) {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Interval = strings.ToLower(strings.TrimSpace(in.Interval))
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	var out *Price
	err := lock.Do(ctx, s.locks, planLockKey(planID), lockTTL, func(ctx context.Context) error {
		var n int64
		if err := s.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", planID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to get plan: %w", err)
		}
		if n == 0 {
			return solveserrors.NotFound("plan", planID)
		}
		p := &Price{
			ID:       uuid.NewString(),
			PlanID:   planID,
			Interval: in.Interval,
			Amount:   in.Amount,
			Currency: in.Currency,
			Active:   in.Active,
		}
		if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
			return fmt.Errorf("failed to create price: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// GetPrice returns a price.
func (s *Service) GetPrice(ctx context.Context, id string) (*Price, error) {
	var p Price
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("price", id)
		}
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return &p, nil
}

// SetPriceActive toggles whether a price is offered.
func (s *Service) SetPriceActive(ctx context.Context, id string, active bool) (*Price, error) {
	p, err := s.GetPrice(ctx, id)
	if err != nil {
		return nil, err
	}
	err = lock.Do(ctx, s.locks, planLockKey(p.PlanID), lockTTL, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Model(&Price{}).Where("id = ?", id).Update("active", active).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update price: %w", err)
	}
	return s.GetPrice(ctx, id)
}

// DeletePrice removes a price.
func (s *Service) DeletePrice(ctx context.Context, id string) error {
	p, err := s.GetPrice(ctx, id)
	if err != nil {
		return err
	}
	return lock.Do(ctx, s.locks, planLockKey(p.PlanID), lockTTL, func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Delete(&Price{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete price: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return solveserrors.NotFound("price", id)
		}
		return nil
	})
}

// Catalog returns active plans with only their active prices. Plans with
// no active price are still listed.
func (s *Service) Catalog(ctx context.Context) ([]Plan, error) {
	plans := []Plan{}
	err := s.db.WithContext(ctx).
		Preload("Prices", func(db *gorm.DB) *gorm.DB {
			return orderPrices(db.Where("active = ?", true))
		}).
		Where("active = ?", true).
		Order("sort_order, name").
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return plans, nil
}

func orderPrices(db *gorm.DB) *gorm.DB {
	return db.Order("billing_interval, amount, currency")
}

func planLockKey(id string) string { return "billing:plan:" + id }
