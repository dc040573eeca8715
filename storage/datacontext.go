package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// DataContext is the transactional unit the effect system persists
// through. Models are tracked as they are produced during a workflow
// run and written together on SaveChanges. Instances are not shared
// across runs; each run acquires its own from a factory.
type DataContext interface {
	// Track registers a model for persistence. Tracking the same
	// model again is a no-op; SaveChanges always writes the model's
	// current state.
	Track(model any)
	// SaveChanges persists every tracked model in one transaction.
	// Tracked models stay tracked so later saves pick up mutations.
	SaveChanges(ctx context.Context) error
	// BeginTransaction opens an explicit transaction for callers that
	// need multi-statement units outside the tracked set.
	BeginTransaction(ctx context.Context, opts ...*sql.TxOptions) (Transaction, error)
	// Reset drops all tracked models.
	Reset()
}

// Transaction is an open database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// DB exposes the transaction-scoped gorm handle.
	DB() *gorm.DB
}

// DataContextFactory produces a fresh DataContext per workflow run.
type DataContextFactory func() DataContext

// NewDataContext returns a gorm-backed DataContext over the client.
func NewDataContext(client *Client) DataContext {
	return &gormDataContext{db: client.db}
}

type gormDataContext struct {
	db *gorm.DB

	mu      sync.Mutex
	tracked []any
}

func (d *gormDataContext) Track(model any) {
	if model == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tracked {
		if t == model {
			return
		}
	}
	d.tracked = append(d.tracked, model)
}

func (d *gormDataContext) SaveChanges(ctx context.Context) error {
	d.mu.Lock()
	tracked := make([]any, len(d.tracked))
	copy(tracked, d.tracked)
	d.mu.Unlock()

	if len(tracked) == 0 {
		return nil
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range tracked {
			if err := tx.Save(model).Error; err != nil {
				return fmt.Errorf("save %T: %w", model, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	return nil
}

func (d *gormDataContext) BeginTransaction(ctx context.Context, opts ...*sql.TxOptions) (Transaction, error) {
	tx := d.db.WithContext(ctx).Begin(opts...)
	if tx.Error != nil {
		return nil, fmt.Errorf("begin transaction: %w", tx.Error)
	}
	return &gormTransaction{tx: tx}, nil
}

func (d *gormDataContext) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = nil
}

type gormTransaction struct {
	tx *gorm.DB
}

func (t *gormTransaction) Commit() error   { return t.tx.Commit().Error }
func (t *gormTransaction) Rollback() error { return t.tx.Rollback().Error }
func (t *gormTransaction) DB() *gorm.DB    { return t.tx }
