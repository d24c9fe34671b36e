package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/bunx"
	"github.com/casidp/authn/internal/db/models"
)

// BunAuthenticationEventRepository implements AuthenticationEventRepository using Bun ORM
type BunAuthenticationEventRepository struct {
	db *bun.DB
}

// NewBunAuthenticationEventRepository creates a new Bun-based audit repository
func NewBunAuthenticationEventRepository(db *bun.DB) *BunAuthenticationEventRepository {
	return &BunAuthenticationEventRepository{db: db}
}

// Create inserts one audit row
func (r *BunAuthenticationEventRepository) Create(ctx context.Context, event *models.AuthenticationEvent) error {
	if event.ID == "" {
		event.ID = bunx.NewUUIDv7()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := r.db.NewInsert().
		Model(event).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create authentication event: %w", err)
	}
	return nil
}

// ListByTransaction returns the events of one transaction in write order
func (r *BunAuthenticationEventRepository) ListByTransaction(ctx context.Context, transactionID string) ([]models.AuthenticationEvent, error) {
	var events []models.AuthenticationEvent
	err := r.db.NewSelect().
		Model(&events).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list authentication events by transaction: %w", err)
	}
	return events, nil
}

// ListByPrincipal returns the newest events for a principal
func (r *BunAuthenticationEventRepository) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]models.AuthenticationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.AuthenticationEvent
	err := r.db.NewSelect().
		Model(&events).
		Where("principal_id = ?", principalID).
		Order("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list authentication events by principal: %w", err)
	}
	return events, nil
}
