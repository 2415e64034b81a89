// Package store persists the platform's data: historical bars in Parquet
// files on disk, and backtest sessions with their trade journals and equity
// curves in SQLite.
package store

import (
	"context"
	"time"

	"quantsim/internal/domain"
)

// BarStore persists and retrieves OHLCV bar history.
type BarStore interface {
	// WriteBars persists a batch of bars for the given timeframe.
	WriteBars(ctx context.Context, tf domain.Timeframe, bars []domain.Bar) error

	// ReadBars returns bars for the symbol and timeframe within [start, end],
	// sorted by timestamp.
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with data for the given timeframe.
	ListSymbols(ctx context.Context, tf domain.Timeframe) ([]string, error)
}

// SessionStore persists finished backtest sessions and their artifacts.
type SessionStore interface {
	// SaveSession inserts or replaces a session record with its trades and
	// equity curve.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session by ID, without its artifacts.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// ListSessions returns session records newest first, up to limit.
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// GetTrades returns a session's trade journal in execution order.
	GetTrades(ctx context.Context, sessionID string) ([]domain.Trade, error)

	// GetEquityCurve returns a session's equity curve in time order.
	GetEquityCurve(ctx context.Context, sessionID string) ([]domain.EquitySnapshot, error)
}

// SessionRecord is the persisted form of a terminal backtest session.
// MetricsJSON holds the serialized performance metrics so the schema does not
// chase every metric addition.
type SessionRecord struct {
	ID             string
	Strategy       string
	Symbol         string
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time
	InitialCapital string
	FinalEquity    string
	MetricsJSON    string
	ConflictBars   int
	Error          string

	Trades      []domain.Trade
	EquityCurve []domain.EquitySnapshot
}
