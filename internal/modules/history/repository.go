// Package history persists committed allocations and trust snapshots. Both
// tables are append-only and keyed by the cycle's as-of date: a month is
// written once and never updated.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/database"
	"github.com/aristath/coordinator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS allocation_history (
	as_of            TEXT NOT NULL PRIMARY KEY,
	cycle_id         TEXT NOT NULL,
	weights          TEXT NOT NULL,
	module_weights   TEXT NOT NULL,
	turnover_used    REAL NOT NULL,
	vol_estimate     REAL NOT NULL,
	soft_violations  TEXT NOT NULL DEFAULT '[]',
	excluded_modules TEXT NOT NULL DEFAULT '[]',
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS trust_history (
	as_of      TEXT NOT NULL PRIMARY KEY,
	trust      TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// dateKey is the primary-key format for both tables.
const dateKey = "2006-01-02"

// TrustRecord is one persisted trust snapshot.
type TrustRecord struct {
	AsOf  time.Time          `json:"as_of"`
	Trust map[string]float64 `json:"trust"`
}

// Repository reads and writes the history database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository applies the schema and returns the repository.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("component", "history_repository").Logger(),
	}, nil
}

// AppendCycle inserts one committed allocation and its trust snapshot in a
// single transaction: either both rows land or neither does, so a failed
// commit never leaves an orphaned history row blocking the month's retry.
// Writing the same as-of date twice is an error; the history is immutable.
func (r *Repository) AppendCycle(alloc *domain.Allocation, trust map[string]float64) error {
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if err := insertAllocation(tx, alloc); err != nil {
			return err
		}
		return insertTrust(tx, alloc.AsOf, trust)
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("cycle_id", alloc.CycleID).Time("as_of", alloc.AsOf).Msg("Cycle appended")
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertAllocation(ex execer, alloc *domain.Allocation) error {
	weights, err := json.Marshal(alloc.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	moduleWeights, err := json.Marshal(alloc.ModuleWeights)
	if err != nil {
		return fmt.Errorf("marshal module weights: %w", err)
	}
	soft, err := json.Marshal(emptyIfNil(alloc.SoftViolations))
	if err != nil {
		return fmt.Errorf("marshal soft violations: %w", err)
	}
	excluded, err := json.Marshal(emptyIfNil(alloc.ExcludedModules))
	if err != nil {
		return fmt.Errorf("marshal excluded modules: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO allocation_history
			(as_of, cycle_id, weights, module_weights, turnover_used, vol_estimate, soft_violations, excluded_modules)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alloc.AsOf.UTC().Format(dateKey),
		alloc.CycleID,
		string(weights),
		string(moduleWeights),
		alloc.TurnoverUsed,
		alloc.VolEstimate,
		string(soft),
		string(excluded),
	)
	if err != nil {
		return fmt.Errorf("insert allocation for %s: %w", alloc.AsOf.Format(dateKey), err)
	}
	return nil
}

func insertTrust(ex execer, asOf time.Time, trust map[string]float64) error {
	payload, err := json.Marshal(trust)
	if err != nil {
		return fmt.Errorf("marshal trust: %w", err)
	}
	_, err = ex.Exec(
		`INSERT INTO trust_history (as_of, trust) VALUES (?, ?)`,
		asOf.UTC().Format(dateKey), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert trust for %s: %w", asOf.Format(dateKey), err)
	}
	return nil
}

// ListAllocations returns up to limit allocations, most recent first.
// limit <= 0 returns everything.
func (r *Repository) ListAllocations(limit int) ([]domain.Allocation, error) {
	query := `
		SELECT as_of, cycle_id, weights, module_weights, turnover_used, vol_estimate, soft_violations, excluded_modules
		FROM allocation_history ORDER BY as_of DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []domain.Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alloc)
	}
	return out, rows.Err()
}

// LatestAllocation returns the most recent committed allocation, or nil when
// the history is empty.
func (r *Repository) LatestAllocation() (*domain.Allocation, error) {
	allocs, err := r.ListAllocations(1)
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, nil
	}
	return &allocs[0], nil
}

// ListTrust returns up to limit trust snapshots, most recent first.
func (r *Repository) ListTrust(limit int) ([]TrustRecord, error) {
	query := `SELECT as_of, trust FROM trust_history ORDER BY as_of DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trust history: %w", err)
	}
	defer rows.Close()

	var out []TrustRecord
	for rows.Next() {
		var asOfStr, payload string
		if err := rows.Scan(&asOfStr, &payload); err != nil {
			return nil, fmt.Errorf("scan trust row: %w", err)
		}
		asOf, err := time.Parse(dateKey, asOfStr)
		if err != nil {
			return nil, fmt.Errorf("parse trust as_of %q: %w", asOfStr, err)
		}
		rec := TrustRecord{AsOf: asOf, Trust: map[string]float64{}}
		if err := json.Unmarshal([]byte(payload), &rec.Trust); err != nil {
			return nil, fmt.Errorf("unmarshal trust for %s: %w", asOfStr, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAllocation(rows *sql.Rows) (*domain.Allocation, error) {
	var (
		asOfStr, cycleID          string
		weights, moduleWeights    string
		soft, excluded            string
		turnoverUsed, volEstimate float64
	)
	if err := rows.Scan(&asOfStr, &cycleID, &weights, &moduleWeights, &turnoverUsed, &volEstimate, &soft, &excluded); err != nil {
		return nil, fmt.Errorf("scan allocation row: %w", err)
	}

	asOf, err := time.Parse(dateKey, asOfStr)
	if err != nil {
		return nil, fmt.Errorf("parse allocation as_of %q: %w", asOfStr, err)
	}

	alloc := &domain.Allocation{
		CycleID:      cycleID,
		AsOf:         asOf,
		TurnoverUsed: turnoverUsed,
		VolEstimate:  volEstimate,
	}
	if err := json.Unmarshal([]byte(weights), &alloc.Weights); err != nil {
		return nil, fmt.Errorf("unmarshal weights for %s: %w", asOfStr, err)
	}
	if err := json.Unmarshal([]byte(moduleWeights), &alloc.ModuleWeights); err != nil {
		return nil, fmt.Errorf("unmarshal module weights for %s: %w", asOfStr, err)
	}
	if err := json.Unmarshal([]byte(soft), &alloc.SoftViolations); err != nil {
		return nil, fmt.Errorf("unmarshal soft violations for %s: %w", asOfStr, err)
	}
	if err := json.Unmarshal([]byte(excluded), &alloc.ExcludedModules); err != nil {
		return nil, fmt.Errorf("unmarshal excluded modules for %s: %w", asOfStr, err)
	}
	return alloc, nil
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
