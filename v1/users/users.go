// Package users stores accounts and the admin operations on them: role
// changes, bans and deletion.
package users

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// MaxBanDays bounds bans given as a number of days.
const MaxBanDays = 3650

const (
	defaultLimit = 20
	maxLimit     = 100
)

// User is an account.
type User struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	Email        string     `gorm:"uniqueIndex;size:254;not null" json:"email"`
	Name         string     `gorm:"size:100;not null" json:"name"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Role         string     `gorm:"size:16;not null;default:user" json:"role"`
	Banned       bool       `gorm:"not null;default:false" json:"banned"`
	BanReason    string     `json:"banReason,omitempty"`
	BanExpires   *time.Time `json:"banExpires,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsBanned reports whether the ban is in force at now. A ban whose expiry has
// passed no longer counts.
func (u *User) IsBanned(now time.Time) bool {
	if !u.Banned {
		return false
	}
	return u.BanExpires == nil || now.Before(*u.BanExpires)
}

// IsAdmin reports whether u has the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// Models lists the tables owned by this package.
func Models() []any { return []any{&User{}} }

// CreateInput holds the fields of a new account.
type CreateInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,password"`
	Role     string `json:"role" validate:"omitempty,oneof=user admin"`
}

// Query filters List.
type Query struct {
	Search string
	Role   string
	Limit  int
	Offset int
}

// Page is one page of List results.
type Page struct {
	Items []User `json:"items"`
	Total int64  `json:"total"`
}

// Service manages users on a gorm database.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService returns a Service on db.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Create validates in and stores a new user with a hashed password.
func (s *Service) Create(ctx context.Context, in CreateInput) (*User, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	hash, err := password.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	role := in.Role
	if role == "" {
		role = RoleUser
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if database.IsDuplicate(err) {
			return nil, solveserrors.Conflict("user", "email", in.Email)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// Get returns the user with id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("user", id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetByEmail looks a user up by email, ignoring case.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	email = normalizeEmail(email)
	var u User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("user", email)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// List returns users matching q, newest first. Search matches email or name.
func (s *Service) List(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	tx := s.db.WithContext(ctx).Model(&User{})
	if q.Search != "" {
		like := "%" + strings.ToLower(strings.TrimSpace(q.Search)) + "%"
		tx = tx.Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ?", like, like)
	}
	if q.Role != "" {
		tx = tx.Where("role = ?", q.Role)
	}
	var page Page
	if err := tx.Count(&page.Total).Error; err != nil {
		return Page{}, fmt.Errorf("failed to count users: %w", err)
	}
	page.Items = []User{}
	if err := tx.Order("created_at DESC, id").Limit(q.Limit).Offset(q.Offset).Find(&page.Items).Error; err != nil {
		return Page{}, fmt.Errorf("failed to list users: %w", err)
	}
	return page, nil
}

// SetRole changes the role of a user.
func (s *Service) SetRole(ctx context.Context, id, role string) (*User, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, solveserrors.Invalid("role", "must be one of: user, admin")
	}
	return s.update(ctx, id, map[string]any{"role": role})
}

// Ban bans a user until the given time. A nil until bans forever.
func (s *Service) Ban(ctx context.Context, id, reason string, until *time.Time) (*User, error) {
	if until != nil && !until.After(s.now()) {
		return nil, solveserrors.Invalid("until", "must be in the future")
	}
	return s.update(ctx, id, map[string]any{
		"banned":      true,
		"ban_reason":  strings.TrimSpace(reason),
		"ban_expires": until,
	})
}

// Unban lifts a ban.
func (s *Service) Unban(ctx context.Context, id string) (*User, error) {
	return s.update(ctx, id, map[string]any{
		"banned":      false,
		"ban_reason":  "",
		"ban_expires": nil,
	})
}

// Delete removes a user.
func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&User{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return solveserrors.NotFound("user", id)
	}
	return nil
}

func (s *Service) update(ctx context.Context, id string, fields map[string]any) (*User, error) {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, solveserrors.NotFound("user", id)
	}
	return s.Get(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
