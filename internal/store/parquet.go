package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore with Parquet files on disk. It is the
// local cache for fetched market data; re-writing a range merges and
// deduplicates by timestamp, so repeated fetches are idempotent.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// barRecord is the on-disk schema. Prices are stored as decimal strings so a
// round trip through the cache never changes a value.
type barRecord struct {
	Symbol    string `parquet:"symbol"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	Volume    string `parquet:"volume"`
}

// WriteBars writes bars grouped by symbol and year:
//
//	<DataDir>/bars/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, tf domain.Timeframe, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]barRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], barRecord{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume.String(),
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, tf, k.year)

		existing, _ := readParquetFile[barRecord](path) // absent file is an empty set
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("write bars %s/%s/%d: %w", tf, k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for the symbol and timeframe within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(symbol, tf, year)

		records, err := readParquetFile[barRecord](path)
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bar, err := r.toBar(ts)
			if err != nil {
				return nil, fmt.Errorf("read bars %s: %w", path, err)
			}
			bars = append(bars, bar)
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// ListSymbols lists all symbols with data for the timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, tf domain.Timeframe) ([]string, error) {
	dir := filepath.Join(s.DataDir, "bars", string(tf))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (r barRecord) toBar(ts time.Time) (domain.Bar, error) {
	fields := [5]string{r.Open, r.High, r.Low, r.Close, r.Volume}
	var out [5]decimal.Decimal
	for i, f := range fields {
		d, err := decimal.NewFromString(f)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("bar %s@%s: bad value %q", r.Symbol, ts, f)
		}
		out[i] = d
	}
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: ts,
		Open:      out[0],
		High:      out[1],
		Low:       out[2],
		Close:     out[3],
		Volume:    out[4],
	}, nil
}

// barPath returns the file for one symbol-year of bars.
// Layout: <dataDir>/bars/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, tf domain.Timeframe, year int) string {
	return filepath.Join(s.DataDir, "bars", string(tf), strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates by (symbol, timestamp), preferring incoming
// records over existing ones. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []barRecord) []barRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]barRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]barRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
