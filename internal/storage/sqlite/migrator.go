package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rslive/gateway/internal/logger"
)

// MigrationStatus is the outcome of one migration step.
type MigrationStatus string

const (
	StatusExecuted MigrationStatus = "executed"
	StatusSkipped  MigrationStatus = "skipped"
	StatusFailed   MigrationStatus = "failed"
)

// Migration is one ordered, idempotent schema step. Up inspects the live
// schema via the precondition helpers and short-circuits to StatusSkipped
// when its target object already exists; Down reverses the step.
type Migration struct {
	Name string
	Up   func(ctx context.Context, db *sql.DB) (MigrationStatus, error)
	Down func(ctx context.Context, db *sql.DB) error
}

// MigrationResult records what one step reported.
type MigrationResult struct {
	Name   string
	Status MigrationStatus
	Err    error
}

// Migrator applies migrations in lexicographic name order. Names carry a
// sortable timestamp prefix, so file order is creation order.
type Migrator struct {
	db    *sql.DB
	log   *logger.Logger
	steps []Migration
}

// NewMigrator returns a Migrator over the registered schema steps.
func NewMigrator(db *sql.DB, log *logger.Logger) *Migrator {
	steps := make([]Migration, len(migrations))
	copy(steps, migrations)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name })
	return &Migrator{db: db, log: log.WithComponent("migrator"), steps: steps}
}

// RunAll invokes each step's Up sequentially and stops on the first failure.
// Running twice in a row yields all StatusSkipped.
func (m *Migrator) RunAll(ctx context.Context) ([]MigrationResult, error) {
	results := make([]MigrationResult, 0, len(m.steps))
	for _, step := range m.steps {
		status, err := step.Up(ctx, m.db)
		if err != nil {
			results = append(results, MigrationResult{Name: step.Name, Status: StatusFailed, Err: err})
			m.log.Error("migration failed",
				slog.String("name", step.Name),
				slog.String("error", err.Error()))
			return results, fmt.Errorf("migration %s: %w", step.Name, err)
		}
		results = append(results, MigrationResult{Name: step.Name, Status: status})
	}
	return results, nil
}

// Rollback invokes each step's Down in reverse order. Best effort.
func (m *Migrator) Rollback(ctx context.Context) error {
	for i := len(m.steps) - 1; i >= 0; i-- {
		if err := m.steps[i].Down(ctx, m.db); err != nil {
			return fmt.Errorf("rollback %s: %w", m.steps[i].Name, err)
		}
	}
	return nil
}

// querier is the subset of *sql.DB the precondition helpers need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func columnExists(ctx context.Context, q querier, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	return n > 0, err
}

func indexExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func triggerExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func tableIsEmpty(ctx context.Context, q querier, table string) (bool, error) {
	// Table names come from migration authors, never from input.
	var n int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s LIMIT 1)`, table)).Scan(&n)
	return n == 0, err
}

func rowExists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(%s)`, query), args...).Scan(&n)
	return n > 0, err
}
