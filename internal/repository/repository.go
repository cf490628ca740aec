// Package repository provides the SQL rule store and fraud event log.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository on sqlx.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sqlx.DB
	driver string
}

// ruleRow is the flat table layout of a rule.
type ruleRow struct {
	ID        int64  `db:"rid"`
	ProfileID int    `db:"pid"`
	Prefix    string `db:"prefix"`
	StartHour string `db:"start_h"`
	EndHour   string `db:"end_h"`
	Days      string `db:"days"`
	Condition string `db:"match_condition"`

	CPMWarn      uint32 `db:"cpm_thresh_warn"`
	CPMCrit      uint32 `db:"cpm_thresh_crit"`
	CallDurWarn  uint32 `db:"calldur_thresh_warn"`
	CallDurCrit  uint32 `db:"calldur_thresh_crit"`
	TotalWarn    uint32 `db:"totalc_thresh_warn"`
	TotalCrit    uint32 `db:"totalc_thresh_crit"`
	ConcCallWarn uint32 `db:"concalls_thresh_warn"`
	ConcCallCrit uint32 `db:"concalls_thresh_crit"`
	SeqCallWarn  uint32 `db:"seqcalls_thresh_warn"`
	SeqCallCrit  uint32 `db:"seqcalls_thresh_crit"`

	Enabled   int       `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const ruleColumns = `rid, pid, prefix, start_h, end_h, days, match_condition,
	cpm_thresh_warn, cpm_thresh_crit, calldur_thresh_warn, calldur_thresh_crit,
	totalc_thresh_warn, totalc_thresh_crit, concalls_thresh_warn, concalls_thresh_crit,
	seqcalls_thresh_warn, seqcalls_thresh_crit, enabled, created_at, updated_at`

func toRow(r *domain.Rule, now time.Time) ruleRow {
	t := r.Thresholds
	row := ruleRow{
		ID:           r.ID,
		ProfileID:    r.ProfileID,
		Prefix:       r.Prefix,
		StartHour:    r.StartHour,
		EndHour:      r.EndHour,
		Days:         r.Days,
		Condition:    r.Condition,
		CPMWarn:      t.CallsPerWindow.Warning,
		CPMCrit:      t.CallsPerWindow.Critical,
		CallDurWarn:  t.CallDuration.Warning,
		CallDurCrit:  t.CallDuration.Critical,
		TotalWarn:    t.TotalCalls.Warning,
		TotalCrit:    t.TotalCalls.Critical,
		ConcCallWarn: t.ConcurrentCalls.Warning,
		ConcCallCrit: t.ConcurrentCalls.Critical,
		SeqCallWarn:  t.SequentialCalls.Warning,
		SeqCallCrit:  t.SequentialCalls.Critical,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Enabled {
		row.Enabled = 1
	}
	return row
}

func (row *ruleRow) toRule() *domain.Rule {
	return &domain.Rule{
		ID:        row.ID,
		ProfileID: row.ProfileID,
		Prefix:    row.Prefix,
		StartHour: row.StartHour,
		EndHour:   row.EndHour,
		Days:      row.Days,
		Condition: row.Condition,
		Thresholds: domain.Thresholds{
			CallsPerWindow:  domain.Threshold{Warning: row.CPMWarn, Critical: row.CPMCrit},
			CallDuration:    domain.Threshold{Warning: row.CallDurWarn, Critical: row.CallDurCrit},
			TotalCalls:      domain.Threshold{Warning: row.TotalWarn, Critical: row.TotalCrit},
			ConcurrentCalls: domain.Threshold{Warning: row.ConcCallWarn, Critical: row.ConcCallCrit},
			SequentialCalls: domain.Threshold{Warning: row.SeqCallWarn, Critical: row.SeqCallCrit},
		},
		Enabled: row.Enabled == 1,
	}
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ListRules returns every rule, enabled or not, in id order.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	var rows []ruleRow
	query := `SELECT ` + ruleColumns + ` FROM fraud_detection ORDER BY rid`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	out := make([]*domain.Rule, len(rows))
	for i := range rows {
		out[i] = rows[i].toRule()
	}
	return out, nil
}

// GetRule returns one rule.
func (r *SQLRepository) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	var row ruleRow
	query := r.db.Rebind(`SELECT ` + ruleColumns + ` FROM fraud_detection WHERE rid = ?`)
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return row.toRule(), nil
}

// SaveRule inserts or replaces a rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.ID <= 0 {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	row := toRow(rule, time.Now().UTC())
	query := `
		INSERT INTO fraud_detection (` + ruleColumns + `)
		VALUES (:rid, :pid, :prefix, :start_h, :end_h, :days, :match_condition,
			:cpm_thresh_warn, :cpm_thresh_crit, :calldur_thresh_warn, :calldur_thresh_crit,
			:totalc_thresh_warn, :totalc_thresh_crit, :concalls_thresh_warn, :concalls_thresh_crit,
			:seqcalls_thresh_warn, :seqcalls_thresh_crit, :enabled, :created_at, :updated_at)
		ON CONFLICT(rid) DO UPDATE SET
			pid = excluded.pid,
			prefix = excluded.prefix,
			start_h = excluded.start_h,
			end_h = excluded.end_h,
			days = excluded.days,
			match_condition = excluded.match_condition,
			cpm_thresh_warn = excluded.cpm_thresh_warn,
			cpm_thresh_crit = excluded.cpm_thresh_crit,
			calldur_thresh_warn = excluded.calldur_thresh_warn,
			calldur_thresh_crit = excluded.calldur_thresh_crit,
			totalc_thresh_warn = excluded.totalc_thresh_warn,
			totalc_thresh_crit = excluded.totalc_thresh_crit,
			concalls_thresh_warn = excluded.concalls_thresh_warn,
			concalls_thresh_crit = excluded.concalls_thresh_crit,
			seqcalls_thresh_warn = excluded.seqcalls_thresh_warn,
			seqcalls_thresh_crit = excluded.seqcalls_thresh_crit,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save rule %d: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM fraud_detection WHERE rid = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEvent appends a fraud event. Saving the same event twice is a no-op.
func (r *SQLRepository) SaveEvent(ctx context.Context, event *domain.FraudEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_events (id, kind, metric, value, threshold, user_id, called_number, rule_id, epoch, created_at)
		VALUES (:id, :kind, :metric, :value, :threshold, :user_id, :called_number, :rule_id, :epoch, :created_at)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("failed to save event %s: %w", event.ID, err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (r *SQLRepository) ListEvents(ctx context.Context, limit int) ([]*domain.FraudEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []*domain.FraudEvent
	query := r.db.Rebind(`
		SELECT id, kind, metric, value, threshold, user_id, called_number, rule_id, epoch, created_at
		FROM fraud_events
		ORDER BY created_at DESC, id
		LIMIT ?
	`)
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
