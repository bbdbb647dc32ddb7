package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id              TEXT PRIMARY KEY,
	category        TEXT NOT NULL,
	signature       TEXT NOT NULL,
	delta           REAL NOT NULL,
	baseline        REAL NOT NULL,
	proposed_value  REAL NOT NULL,
	evidence_count  INTEGER NOT NULL,
	category_total  INTEGER NOT NULL,
	window_start    TEXT NOT NULL,
	window_end      TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	adjustment_id   TEXT NOT NULL UNIQUE,
	verdict         TEXT NOT NULL,
	modified_value  REAL,
	rationale       TEXT,
	decided_by      TEXT,
	decided_at      TEXT NOT NULL,
	applied_at      TEXT,
	applied_delta   REAL,
	FOREIGN KEY (adjustment_id) REFERENCES proposals(id)
);

CREATE INDEX IF NOT EXISTS idx_proposals_created ON proposals(created_at, id);
`

const selectProposal = `
SELECT p.id, p.category, p.signature, p.delta, p.baseline, p.proposed_value,
       p.evidence_count, p.category_total, p.window_start, p.window_end, p.created_at,
       d.verdict, d.modified_value, d.rationale, d.decided_by, d.decided_at,
       d.applied_at, d.applied_delta
FROM proposals p
LEFT JOIN decisions d ON d.adjustment_id = p.id`

// Store persists proposals and decisions in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, faults.Storage("approval.open", fmt.Errorf("open db: %w", err))
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, faults.Storage("approval.open", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, faults.Storage("approval.open", fmt.Errorf("migrate: %w", err))
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// insertProposals stores proposals, ignoring ids that already exist. It
// returns how many were new.
func (s *Store) insertProposals(ctx context.Context, adjustments []metalearning.Adjustment) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, faults.Storage("approval.propose", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	inserted := 0
	for _, a := range adjustments {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO proposals (id, category, signature, delta, baseline, proposed_value,
			                        evidence_count, category_total, window_start, window_end, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			a.ID, a.Category, a.Signature, a.Delta, a.Baseline, a.ProposedValue,
			a.EvidenceCount, a.CategoryTotal, formatTime(a.WindowStart), formatTime(a.WindowEnd), formatTime(a.CreatedAt),
		)
		if err != nil {
			return 0, faults.Storage("approval.propose", fmt.Errorf("insert proposal %s: %w", a.ID, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, faults.Storage("approval.propose", fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// insertDecision stores d unless the adjustment already has a decision, in
// which case it reports false.
func (s *Store) insertDecision(ctx context.Context, d Decision) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (adjustment_id, verdict, modified_value, rationale, decided_by, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(adjustment_id) DO NOTHING`,
		d.AdjustmentID, string(d.Verdict), nullFloat(d.ModifiedValue), d.Rationale, d.DecidedBy, formatTime(d.DecidedAt),
	)
	if err != nil {
		return false, faults.Storage("approval.decide", fmt.Errorf("insert decision: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Storage("approval.decide", err)
	}
	return n == 1, nil
}

// markApplied records when a decision reached the baselines. It only ever
// fills an empty applied_at.
func (s *Store) markApplied(ctx context.Context, id string, delta float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET applied_at = ?, applied_delta = ?
		 WHERE adjustment_id = ? AND applied_at IS NULL`,
		formatTime(at), delta, id,
	)
	if err != nil {
		return faults.Storage("approval.mark_applied", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, selectProposal+` WHERE p.id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Proposal{}, faults.Storage("approval.get", err)
	}
	return p, nil
}

// list returns proposals matching where, oldest first.
func (s *Store) list(ctx context.Context, where string, args ...any) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, selectProposal+" "+where+` ORDER BY p.created_at, p.id`, args...)
	if err != nil {
		return nil, faults.Storage("approval.list", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, faults.Storage("approval.list", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Storage("approval.list", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (Proposal, error) {
	var (
		p                                        Proposal
		windowStart, windowEnd, createdAt        string
		verdict, rationale, decidedBy, decidedAt sql.NullString
		appliedAt                                sql.NullString
		modifiedValue, appliedDelta              sql.NullFloat64
	)
	err := row.Scan(
		&p.ID, &p.Category, &p.Signature, &p.Delta, &p.Baseline, &p.ProposedValue,
		&p.EvidenceCount, &p.CategoryTotal, &windowStart, &windowEnd, &createdAt,
		&verdict, &modifiedValue, &rationale, &decidedBy, &decidedAt,
		&appliedAt, &appliedDelta,
	)
	if err != nil {
		return Proposal{}, err
	}
	p.WindowStart = parseTime(windowStart)
	p.WindowEnd = parseTime(windowEnd)
	p.CreatedAt = parseTime(createdAt)
	p.State = StateProposed

	if verdict.Valid {
		d := &Decision{
			AdjustmentID: p.ID,
			Verdict:      Verdict(verdict.String),
			Rationale:    rationale.String,
			DecidedBy:    decidedBy.String,
			DecidedAt:    parseTime(decidedAt.String),
		}
		if modifiedValue.Valid {
			v := modifiedValue.Float64
			d.ModifiedValue = &v
		}
		if appliedAt.Valid {
			at := parseTime(appliedAt.String)
			d.AppliedAt = &at
		}
		if appliedDelta.Valid {
			v := appliedDelta.Float64
			d.AppliedDelta = &v
		}
		p.Decision = d
		p.State = State(d.Verdict)
	}
	return p, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
