// Package store defines the persistence interface for the waterfall engine.
// Implementations include PostgreSQL (source of truth), SQLite (local and
// single-node deployments), Redis (read-through cache), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capwater/waterfall-engine/internal/model"
)

var (
	// ErrNotFound is returned when a scenario or company has no record.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a record with the same ID already exists.
	ErrConflict = errors.New("store: already exists")

	// ErrPersistence wraps any failure of a write that must be all-or-nothing.
	// The previous state is intact when it is returned, so the write can be
	// retried.
	ErrPersistence = errors.New("store: persistence failed")
)

// IsRetryable reports whether err might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// Store is the persistence interface. Cap-table records are written once and
// read by every calculation; payout sets are only ever replaced whole.
type Store interface {
	// --- Cap table ---

	// CreateShareClass persists a new share class.
	CreateShareClass(ctx context.Context, sc *model.ShareClass) error

	// CreateHolding persists a share certificate.
	CreateHolding(ctx context.Context, h *model.Holding) error

	// CreateConvertible persists a SAFE or note.
	CreateConvertible(ctx context.Context, c *model.ConvertibleSecurity) error

	// GetCapTable returns everything a calculation reads for a company.
	// Share classes are ordered by (created_at, id) and convertibles by
	// (issued_at, id), so repeated reads return the same order.
	GetCapTable(ctx context.Context, companyID string) (*model.CapTable, error)

	// --- Scenarios ---

	// CreateScenario persists a new exit scenario.
	CreateScenario(ctx context.Context, sc *model.Scenario) error

	// GetScenario retrieves a scenario by its ID.
	GetScenario(ctx context.Context, id string) (*model.Scenario, error)

	// --- Payouts ---

	// ReplacePayouts discards the scenario's stored payout set, stores
	// payouts in its place and stamps the scenario's calculated_at, all in
	// one atomic step. On failure the previous set is left untouched and
	// the error matches ErrPersistence.
	ReplacePayouts(ctx context.Context, scenarioID string, payouts []model.Payout, calculatedAt time.Time) error

	// ListPayouts returns the stored payout set in the order it was written.
	ListPayouts(ctx context.Context, scenarioID string) ([]model.Payout, error)
}
