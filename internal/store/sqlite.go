package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/backtest"
	"quantsim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ SessionStore = (*SQLiteStore)(nil)
var _ backtest.Recorder = (*SQLiteStore)(nil)

// SQLiteStore implements SessionStore backed by a SQLite database. Decimals
// are stored as text so values survive a round trip unchanged.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	strategy        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	status          TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	ended_at        INTEGER NOT NULL,
	initial_capital TEXT NOT NULL,
	final_equity    TEXT NOT NULL,
	metrics         TEXT NOT NULL,
	conflict_bars   INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	fee        TEXT NOT NULL,
	pnl        TEXT NOT NULL,
	signal     TEXT NOT NULL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_session ON trades(session_id, seq);
CREATE TABLE IF NOT EXISTS equity_curve (
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	ts              INTEGER NOT NULL,
	equity          TEXT NOT NULL,
	cash            TEXT NOT NULL,
	positions_value TEXT NOT NULL,
	PRIMARY KEY (session_id, ts)
);
`

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// backtest.Recorder
// ---------------------------------------------------------------------------

// SaveResult persists a terminal backtest session with its artifacts.
func (s *SQLiteStore) SaveResult(ctx context.Context, sess *backtest.Session, res *backtest.Result) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	rec := &SessionRecord{
		ID:             sess.ID,
		Strategy:       res.Strategy,
		Symbol:         res.Symbol,
		Status:         string(sess.Status()),
		StartedAt:      sess.StartedAt(),
		EndedAt:        sess.EndedAt(),
		InitialCapital: res.InitialCapital.String(),
		FinalEquity:    res.FinalEquity.String(),
		MetricsJSON:    string(metrics),
		ConflictBars:   res.ConflictBars,
		Trades:         res.Trades,
		EquityCurve:    res.EquityCurve,
	}
	if _, failure := sess.Snapshot(); failure != nil {
		rec.Error = failure.Error()
	}
	return s.SaveSession(ctx, rec)
}

// ---------------------------------------------------------------------------
// SessionStore
// ---------------------------------------------------------------------------

// SaveSession inserts or replaces a session and its artifacts in one
// transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, strategy, symbol, status, started_at, ended_at,
			 initial_capital, final_equity, metrics, conflict_bars, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Strategy, rec.Symbol, rec.Status,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		rec.InitialCapital, rec.FinalEquity, rec.MetricsJSON,
		rec.ConflictBars, rec.Error)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE session_id = ?`, rec.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM equity_curve WHERE session_id = ?`, rec.ID); err != nil {
		return err
	}

	for i, t := range rec.Trades {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades (id, session_id, seq, symbol, side, price, quantity, fee, pnl, signal, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, rec.ID, i, t.Symbol, string(t.Side),
			t.Price.String(), t.Quantity.String(), t.Fee.String(), t.PnL.String(),
			string(t.Signal), t.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	for _, pt := range rec.EquityCurve {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO equity_curve (session_id, ts, equity, cash, positions_value)
			VALUES (?, ?, ?, ?, ?)`,
			rec.ID, pt.Timestamp.UnixMilli(),
			pt.Equity.String(), pt.Cash.String(), pt.PositionsValue.String())
		if err != nil {
			return fmt.Errorf("insert equity point: %w", err)
		}
	}
	return tx.Commit()
}

// GetSession retrieves a session record by ID, without artifacts.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, symbol, status, started_at, ended_at,
		       initial_capital, final_equity, metrics, conflict_bars, error
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy, symbol, status, started_at, ended_at,
		       initial_capital, final_equity, metrics, conflict_bars, error
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var started, ended int64
	err := row.Scan(&rec.ID, &rec.Strategy, &rec.Symbol, &rec.Status,
		&started, &ended, &rec.InitialCapital, &rec.FinalEquity,
		&rec.MetricsJSON, &rec.ConflictBars, &rec.Error)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	rec.EndedAt = time.UnixMilli(ended).UTC()
	return &rec, nil
}

// GetTrades returns a session's trade journal in execution order.
func (s *SQLiteStore) GetTrades(ctx context.Context, sessionID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, price, quantity, fee, pnl, signal, ts
		FROM trades WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, price, qty, fee, pnl, signal string
		var ts int64
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &price, &qty, &fee, &pnl, &signal, &ts); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Signal = domain.SignalType(signal)
		t.Timestamp = time.UnixMilli(ts).UTC()
		if err := parseDecimals(map[*decimal.Decimal]string{
			&t.Price: price, &t.Quantity: qty, &t.Fee: fee, &t.PnL: pnl,
		}); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetEquityCurve returns a session's equity curve in time order.
func (s *SQLiteStore) GetEquityCurve(ctx context.Context, sessionID string) ([]domain.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity, cash, positions_value
		FROM equity_curve WHERE session_id = ? ORDER BY ts`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var pt domain.EquitySnapshot
		var ts int64
		var equity, cash, pv string
		if err := rows.Scan(&ts, &equity, &cash, &pv); err != nil {
			return nil, err
		}
		pt.Timestamp = time.UnixMilli(ts).UTC()
		if err := parseDecimals(map[*decimal.Decimal]string{
			&pt.Equity: equity, &pt.Cash: cash, &pt.PositionsValue: pv,
		}); err != nil {
			return nil, fmt.Errorf("equity point at %d: %w", ts, err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, raw := range fields {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("bad decimal %q", raw)
		}
		*dst = d
	}
	return nil
}
