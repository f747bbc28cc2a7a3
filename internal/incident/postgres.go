package incident

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bytefense/soar/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists incidents in two tables: incidents (one row each,
// action history as an append-only JSONB array) and incident_timeline.
// Mutations lock the incident row for the duration of the transaction.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, pings and optionally applies the schema.
func OpenPostgres(ctx context.Context, cfg core.StoreConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s := NewPostgresStore(db)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Create(ctx context.Context, in NewIncident) (string, error) {
	if err := validateNew(in); err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	const q = `
		INSERT INTO incidents
		(id, title, description, severity, status, source_ip, target_ip, attack_type,
		 indicators, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`
	_, err := s.db.ExecContext(ctx, q,
		id, in.Title, in.Description, int(in.Severity), string(StatusOpen),
		in.SourceIP, in.TargetIP, in.AttackType,
		pq.Array(mergeIndicators(nil, in.Indicators)), now,
	)
	if err != nil {
		return "", fmt.Errorf("create incident: %w", classify(err))
	}
	return id, nil
}

const incidentColumns = `id, title, description, severity, status, source_ip, target_ip, attack_type,
	indicators, created_at, updated_at, resolved_at, playbook_executed, actions_taken, notes`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var (
		inc        Incident
		severity   int
		status     string
		indicators pq.StringArray
		resolvedAt sql.NullTime
		playbook   sql.NullString
		actions    []byte
		notes      sql.NullString
	)
	if err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &severity, &status,
		&inc.SourceIP, &inc.TargetIP, &inc.AttackType, &indicators,
		&inc.CreatedAt, &inc.UpdatedAt, &resolvedAt, &playbook, &actions, &notes); err != nil {
		return nil, err
	}
	inc.Severity = severityFromDB(severity)
	inc.Status = Status(status)
	inc.Indicators = []string(indicators)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	inc.PlaybookExecuted = playbook.String
	inc.Notes = notes.String
	inc.Actions = []ActionOutcome{}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &inc.Actions); err != nil {
			return nil, fmt.Errorf("decode actions_taken for %s: %w", inc.ID, err)
		}
	}
	return &inc, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get incident: %w", classify(err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, action, details, automated
		FROM incident_timeline WHERE incident_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get timeline: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		e := TimelineEntry{IncidentID: id}
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Action, &e.Details, &e.Automated); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", classify(err))
		}
		inc.Timeline = append(inc.Timeline, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read timeline: %w", classify(err))
	}
	return inc, nil
}

// lockedRow is the slice of an incident a mutation needs to check invariants.
type lockedRow struct {
	status     Status
	createdAt  time.Time
	indicators []string
}

// withLockedIncident runs fn inside a transaction holding the incident row lock.
func (s *PostgresStore) withLockedIncident(ctx context.Context, id string, fn func(tx *sql.Tx, row lockedRow) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	var (
		row        lockedRow
		status     string
		indicators pq.StringArray
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, created_at, indicators FROM incidents WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &row.createdAt, &indicators)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("lock incident: %w", classify(err))
	}
	row.status = Status(status)
	row.indicators = []string(indicators)

	if err := fn(tx, row); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func mutationTime(createdAt time.Time) time.Time {
	now := time.Now().UTC()
	if now.Before(createdAt) {
		return createdAt
	}
	return now
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		if !CanTransition(row.status, status) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, row.status, status)
		}
		now := mutationTime(row.createdAt)
		var resolvedAt sql.NullTime
		if status.Terminal() {
			resolvedAt = sql.NullTime{Time: now, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE incidents SET status = $2, updated_at = $3, resolved_at = $4 WHERE id = $1`,
			id, string(status), now, resolvedAt)
		if err != nil {
			return fmt.Errorf("update status: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) AppendActionOutcome(ctx context.Context, id string, outcome ActionOutcome) error {
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		if row.status.Terminal() {
			return fmt.Errorf("%w: cannot record %s on %s incident %s", ErrTerminal, outcome.Action, row.status, id)
		}
		now := mutationTime(row.createdAt)
		if outcome.Timestamp.IsZero() {
			outcome.Timestamp = now
		}
		payload, err := json.Marshal([]ActionOutcome{outcome})
		if err != nil {
			return fmt.Errorf("encode outcome: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE incidents SET actions_taken = actions_taken || $2::jsonb, updated_at = $3 WHERE id = $1`,
			id, string(payload), now)
		if err != nil {
			return fmt.Errorf("append outcome: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) SetPlaybook(ctx context.Context, id, name string) error {
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		if row.status.Terminal() {
			return fmt.Errorf("%w: cannot set playbook on %s incident %s", ErrTerminal, row.status, id)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE incidents SET playbook_executed = $2, updated_at = $3 WHERE id = $1`,
			id, name, mutationTime(row.createdAt))
		if err != nil {
			return fmt.Errorf("set playbook: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) AppendTimeline(ctx context.Context, id string, entry TimelineEntry) error {
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		if entry.Automated && row.status.Terminal() {
			return fmt.Errorf("%w: cannot append %q to %s incident %s", ErrTerminal, entry.Action, row.status, id)
		}
		var last sql.NullTime
		if err := tx.QueryRowContext(ctx,
			`SELECT max(ts) FROM incident_timeline WHERE incident_id = $1`, id).Scan(&last); err != nil {
			return fmt.Errorf("read last timeline entry: %w", classify(err))
		}
		floor := row.createdAt
		if last.Valid {
			floor = last.Time
		}
		now := mutationTime(row.createdAt)
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		ts := clampTimestamp(entry.Timestamp, floor)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incident_timeline (incident_id, ts, action, details, automated)
			VALUES ($1, $2, $3, $4, $5)`,
			id, ts, entry.Action, entry.Details, entry.Automated); err != nil {
			return fmt.Errorf("append timeline: %w", classify(err))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE incidents SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("touch incident: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) MergeIndicators(ctx context.Context, id string, indicators []string) error {
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		if row.status.Terminal() {
			return fmt.Errorf("%w: cannot merge into %s incident %s", ErrTerminal, row.status, id)
		}
		merged := mergeIndicators(row.indicators, indicators)
		_, err := tx.ExecContext(ctx,
			`UPDATE incidents SET indicators = $2, updated_at = $3 WHERE id = $1`,
			id, pq.Array(merged), mutationTime(row.createdAt))
		if err != nil {
			return fmt.Errorf("merge indicators: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) AppendNotes(ctx context.Context, id, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return s.withLockedIncident(ctx, id, func(tx *sql.Tx, row lockedRow) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE incidents
			SET notes = CASE WHEN notes IS NULL OR notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
			    updated_at = $3
			WHERE id = $1`, id, note, mutationTime(row.createdAt))
		if err != nil {
			return fmt.Errorf("append notes: %w", classify(err))
		}
		return nil
	})
}

func (s *PostgresStore) FindOpenMatching(ctx context.Context, sourceIP, attackType string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE source_ip = $1 AND attack_type = $2 AND status NOT IN ('closed', 'unhandled')
		ORDER BY created_at DESC LIMIT 1`, sourceIP, attackType)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open incident: %w", classify(err))
	}
	return inc, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Incident, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.MinSeverity != 0 {
		add("severity >= ?", int(f.MinSeverity))
	}
	if f.AttackType != "" {
		add("attack_type = ?", f.AttackType)
	}
	if f.SourceIP != "" {
		add("source_ip = ?", f.SourceIP)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until)
	}
	query := "SELECT " + incidentColumns + " FROM incidents WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY created_at DESC, id DESC LIMIT " + strconv.Itoa(f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", classify(err))
	}
	defer rows.Close()
	out := make([]*Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", classify(err))
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incidents: %w", classify(err))
	}
	return out, nil
}

// classify maps connectivity failures onto ErrStorageUnavailable and leaves
// every other database error as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection exception, 57P0x is operator intervention/shutdown.
		if pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0") {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
