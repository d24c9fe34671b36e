package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	"github.com/uptrace/bun"

	"github.com/casidp/authn/internal/db/models"
)

// grantPtype is the only casbin policy type the whitelist model declares.
const grantPtype = "p"

var (
	_ persist.Adapter        = (*BunGrantAdapter)(nil)
	_ ServiceGrantRepository = (*BunGrantAdapter)(nil)
)

// BunGrantAdapter stores service handler grants and serves them to the casbin
// whitelist enforcer. Rules are (service, handler) pairs of type "p"; other
// rule shapes are rejected.
type BunGrantAdapter struct {
	db *bun.DB
}

// NewBunGrantAdapter creates an adapter sharing the bun connection pool.
// Expects the service_grants table to exist.
func NewBunGrantAdapter(db *bun.DB) *BunGrantAdapter {
	return &BunGrantAdapter{db: db}
}

// Grant stores a grant. Existing grants are left untouched.
func (a *BunGrantAdapter) Grant(ctx context.Context, service, handler string) error {
	grant := &models.ServiceGrant{Service: service, Handler: handler, GrantedAt: time.Now()}
	_, err := a.db.NewInsert().
		Model(grant).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("grant handler %s to service %s: %w", handler, service, err)
	}
	return nil
}

// Revoke deletes a grant. An empty handler revokes every grant of the service.
func (a *BunGrantAdapter) Revoke(ctx context.Context, service, handler string) error {
	q := a.db.NewDelete().
		Model((*models.ServiceGrant)(nil)).
		Where("service = ?", service)
	if handler != "" {
		q = q.Where("handler = ?", handler)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("revoke grants of service %s: %w", service, err)
	}
	return nil
}

// List returns every grant ordered by service and handler.
func (a *BunGrantAdapter) List(ctx context.Context) ([]models.ServiceGrant, error) {
	var grants []models.ServiceGrant
	err := a.db.NewSelect().
		Model(&grants).
		Order("service ASC", "handler ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service grants: %w", err)
	}
	return grants, nil
}

// LoadPolicy loads every grant into the model.
func (a *BunGrantAdapter) LoadPolicy(m model.Model) error {
	grants, err := a.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load policy from adapter db: %w", err)
	}
	for _, g := range grants {
		_ = m.AddPolicy(grantPtype, grantPtype, []string{g.Service, g.Handler})
	}
	return nil
}

// SavePolicy replaces the stored grants with the policies of the model.
func (a *BunGrantAdapter) SavePolicy(m model.Model) error {
	var grants []*models.ServiceGrant
	if assertion, ok := m["p"][grantPtype]; ok {
		for _, rule := range assertion.Policy {
			g, err := grantFromRule(grantPtype, rule)
			if err != nil {
				return err
			}
			grants = append(grants, g)
		}
	}

	ctx := context.Background()
	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.ServiceGrant)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear service grants: %w", err)
		}
		for _, g := range grants {
			if _, err := tx.NewInsert().Model(g).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("failed to save service grant: %w", err)
			}
		}
		return nil
	})
}

// AddPolicy stores one grant rule.
func (a *BunGrantAdapter) AddPolicy(_ string, ptype string, rule []string) error {
	g, err := grantFromRule(ptype, rule)
	if err != nil {
		return err
	}
	return a.Grant(context.Background(), g.Service, g.Handler)
}

// RemovePolicy deletes one grant rule.
func (a *BunGrantAdapter) RemovePolicy(_ string, ptype string, rule []string) error {
	g, err := grantFromRule(ptype, rule)
	if err != nil {
		return err
	}
	return a.Revoke(context.Background(), g.Service, g.Handler)
}

// RemoveFilteredPolicy deletes the grants matching the non-empty field values,
// starting at fieldIndex (0 service, 1 handler).
func (a *BunGrantAdapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	if ptype != grantPtype {
		return fmt.Errorf("unsupported policy type %q", ptype)
	}
	columns := []string{"service", "handler"}

	q := a.db.NewDelete().Model((*models.ServiceGrant)(nil))
	filtered := false
	for i, v := range fieldValues {
		idx := fieldIndex + i
		if idx < 0 || idx >= len(columns) {
			return fmt.Errorf("filter field %d out of range", idx)
		}
		if v == "" {
			continue
		}
		q = q.Where("? = ?", bun.Ident(columns[idx]), v)
		filtered = true
	}
	if !filtered {
		q = q.Where("1 = 1")
	}

	if _, err := q.Exec(context.Background()); err != nil {
		return fmt.Errorf("failed to remove filtered grants: %w", err)
	}
	return nil
}

func grantFromRule(ptype string, rule []string) (*models.ServiceGrant, error) {
	if ptype != grantPtype {
		return nil, fmt.Errorf("unsupported policy type %q", ptype)
	}
	if len(rule) != 2 || rule[0] == "" || rule[1] == "" {
		return nil, fmt.Errorf("grant rule must be (service, handler), got %v", rule)
	}
	return &models.ServiceGrant{Service: rule[0], Handler: rule[1], GrantedAt: time.Now()}, nil
}
