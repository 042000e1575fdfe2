// Package pricing keeps per-model AI token prices and the encrypted API keys
// of model providers.
//
// Prices are micro-dollars per million tokens. Lookup results are memoised
// in a ristretto cache that is cleared on every price mutation.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solveshq/solves/v1/cache"
	"github.com/solveshq/solves/v1/crypto"
	"github.com/solveshq/solves/v1/database"
	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
)

const (
	perMillion    = 1_000_000
	lookupTTL     = 5 * time.Minute
	lookupTimeout = 5 * time.Second
)

// ModelPrice is the token price of one model at one provider.
type ModelPrice struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Provider      string    `gorm:"uniqueIndex:idx_model_prices_provider_model;size:64;not null" json:"provider"`
	Model         string    `gorm:"uniqueIndex:idx_model_prices_provider_model;size:128;not null" json:"model"`
	InputPerMTok  int64     `gorm:"column:input_per_mtok;not null" json:"inputPerMTok"`
	OutputPerMTok int64     `gorm:"column:output_per_mtok;not null" json:"outputPerMTok"`
	Active        bool      `gorm:"not null" json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Provider holds the endpoint and encrypted credential of a model provider.
type Provider struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	BaseURL   string    `json:"baseUrl"`
	APIKeyEnc string    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasKey reports whether a credential is stored.
func (p *Provider) HasKey() bool { return p.APIKeyEnc != "" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&ModelPrice{}, &Provider{}} }

// PriceInput identifies a price by provider and model.
type PriceInput struct {
	Provider      string `json:"provider" validate:"required,max=64"`
	Model         string `json:"model" validate:"required,max=128"`
	InputPerMTok  int64  `json:"inputPerMTok" validate:"gte=0"`
	OutputPerMTok int64  `json:"outputPerMTok" validate:"gte=0"`
	Active        bool   `json:"active"`
}

// Usage counts the tokens of one model call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Service manages model prices and provider keys.
type Service struct {
	db     *gorm.DB
	crypto *crypto.Crypto
	cache  *cache.RistrettoCache[ModelPrice]
	group  singleflight.Group

	// gen is bumped by every mutation; a lookup only fills the cache when
	// no mutation ran since it started.
	mu  sync.Mutex
	gen uint64

	loaded func(model string)
}

// NewService returns a Service. c encrypts provider keys and may be nil, in
// which case key operations fail.
func NewService(db *gorm.DB, c *crypto.Crypto) (*Service, error) {
	rc, err := cache.NewRistretto[ModelPrice](cache.WithMaxCost[ModelPrice](1024))
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	return &Service{db: db, crypto: c, cache: rc}, nil
}

// Close releases the lookup cache.
func (s *Service) Close() { s.cache.Close() }

// Upsert creates or replaces the price of provider/model.
func (s *Service) Upsert(ctx context.Context, in PriceInput) (*ModelPrice, error) {
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.Model = strings.TrimSpace(in.Model)
	if err := validator.Struct(in); err != nil {
		return nil, err
	}
	p := &ModelPrice{
		ID:            uuid.NewString(),
		Provider:      in.Provider,
		Model:         in.Model,
		InputPerMTok:  in.InputPerMTok,
		OutputPerMTok: in.OutputPerMTok,
		Active:        in.Active,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}},
		DoUpdates: clause.AssignmentColumns([]string{"input_per_mtok", "output_per_mtok", "active", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert price: %w", err)
	}
	s.invalidate()
	var out ModelPrice
	if err := s.db.WithContext(ctx).First(&out, "provider = ? AND model = ?", in.Provider, in.Model).Error; err != nil {
		return nil, fmt.Errorf("failed to reload price: %w", err)
	}
	return &out, nil
}

// Get returns a price by id.
func (s *Service) Get(ctx context.Context, id string) (*ModelPrice, error) {
	var p ModelPrice
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("model price", id)
		}
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	return &p, nil
}

// SetActive enables or disables a price.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*ModelPrice, error) {
	res := s.db.WithContext(ctx).Model(&ModelPrice{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update price: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, solveserrors.NotFound("model price", id)
	}
	s.invalidate()
	return s.Get(ctx, id)
}

// Delete removes a price.
func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&ModelPrice{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete price: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return solveserrors.NotFound("model price", id)
	}
	s.invalidate()
	return nil
}

// List returns every price ordered by provider and model.
func (s *Service) List(ctx context.Context) ([]ModelPrice, error) {
	out := []ModelPrice{}
	if err := s.db.WithContext(ctx).Order("provider, model").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	return out, nil
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.gen++
	s.cache.Clear()
	s.mu.Unlock()
}

// Lookup returns the active price of model. When several providers price
// the same model the first provider by name wins. Concurrent misses for one
// model share a single query, which outlives any one caller's context.
func (s *Service) Lookup(ctx context.Context, model string) (ModelPrice, error) {
	if p, ok, _ := s.cache.Get(ctx, model); ok {
		return p, nil
	}
	ch := s.group.DoChan(model, func() (any, error) {
		s.mu.Lock()
		gen := s.gen
		s.mu.Unlock()

		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		var p ModelPrice
		err := s.db.WithContext(qctx).
			Where("model = ? AND active = ?", model, true).
			Order("provider").
			First(&p).Error
		if err != nil {
			if database.NotFound(err) {
				return ModelPrice{}, solveserrors.NotFound("model price", model)
			}
			return ModelPrice{}, fmt.Errorf("failed to look up price: %w", err)
		}
		if s.loaded != nil {
			s.loaded(model)
		}

		s.mu.Lock()
		if s.gen == gen {
			_ = s.cache.Set(qctx, model, p, lookupTTL)
		}
		s.mu.Unlock()
		return p, nil
	})
	select {
	case <-ctx.Done():
		return ModelPrice{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ModelPrice{}, res.Err
		}
		return res.Val.(ModelPrice), nil
	}
}

// Cost returns the price of u for model in micro-dollars, rounded up.
func (s *Service) Cost(ctx context.Context, model string, u Usage) (int64, error) {
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return 0, solveserrors.Invalid("usage", "token counts must not be negative")
	}
	p, err := s.Lookup(ctx, model)
	if err != nil {
		return 0, err
	}
	return CostOf(p, u), nil
}

// CostOf computes the cost of u at price p in micro-dollars, rounded up.
func CostOf(p ModelPrice, u Usage) int64 {
	total := u.InputTokens*p.InputPerMTok + u.OutputTokens*p.OutputPerMTok
	return (total + perMillion - 1) / perMillion
}

// SetProviderKey stores the endpoint and encrypted API key of a provider.
// An empty apiKey keeps the stored key.
func (s *Service) SetProviderKey(ctx context.Context, name, baseURL, apiKey string) (*Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, solveserrors.Invalid("name", "is required")
	}
	p := Provider{Name: name}
	if err := s.db.WithContext(ctx).Where(Provider{Name: name}).FirstOrInit(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}
	p.BaseURL = strings.TrimSpace(baseURL)
	if apiKey != "" {
		if s.crypto == nil {
			return nil, solveserrors.Invalid("crypto_secret", "is not configured")
		}
		enc, err := s.crypto.Encode(apiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt key: %w", err)
		}
		p.APIKeyEnc = enc
	}
	if err := s.db.WithContext(ctx).Save(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to save provider: %w", err)
	}
	return &p, nil
}

// Provider returns a provider without decrypting its key.
func (s *Service) Provider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	if err := s.db.WithContext(ctx).First(&p, "name = ?", strings.ToLower(name)).Error; err != nil {
		if database.NotFound(err) {
			return nil, solveserrors.NotFound("provider", name)
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

// ProviderKey returns the decrypted API key of a provider.
func (s *Service) ProviderKey(ctx context.Context, name string) (string, error) {
	p, err := s.Provider(ctx, name)
	if err != nil {
		return "", err
	}
	if !p.HasKey() {
		return "", solveserrors.NotFound("provider key", name)
	}
	if s.crypto == nil {
		return "", solveserrors.Invalid("crypto_secret", "is not configured")
	}
	key, err := s.crypto.Decode(p.APIKeyEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key of %s: %w", name, err)
	}
	return key, nil
}
