package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"kestrel/internal/domain"
	"kestrel/internal/util"
)

// BarRow is the Parquet schema for journaled bars.
type BarRow struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// BarJournal is an append-only Parquet journal of the live bars the engine
// consumed, one file per trading date. It exists for post-hoc analysis;
// losing it never affects trading decisions.
type BarJournal struct {
	dir string

	mu  sync.Mutex
	buf []BarRow
}

// NewBarJournal creates a BarJournal rooted at dir.
func NewBarJournal(dir string) *BarJournal {
	return &BarJournal{dir: dir}
}

// Append buffers bars for the next flush.
func (j *BarJournal) Append(bars ...domain.Bar) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, b := range bars {
		j.buf = append(j.buf, BarRow{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}
}

// Flush merges buffered bars into the per-date journal files, deduplicating
// by (symbol, timestamp).
func (j *BarJournal) Flush() error {
	j.mu.Lock()
	pending := j.buf
	j.buf = nil
	j.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byDate := make(map[string][]BarRow)
	for _, r := range pending {
		date := util.TradingDate(time.UnixMilli(r.Timestamp))
		byDate[date] = append(byDate[date], r)
	}

	for date, rows := range byDate {
		path := filepath.Join(j.dir, date+".parquet")

		existing, _ := readBarFile(path)
		merged := mergeBarRows(existing, rows)

		if err := writeBarFile(path, merged); err != nil {
			// Put the rows back so a later flush can retry.
			j.mu.Lock()
			j.buf = append(j.buf, rows...)
			j.mu.Unlock()
			return fmt.Errorf("writing bar journal %s: %w", date, err)
		}
	}
	return nil
}

// ReadDay returns the journaled bars for a trading date (YYYY-MM-DD),
// sorted by timestamp.
func (j *BarJournal) ReadDay(date string) ([]domain.Bar, error) {
	rows, err := readBarFile(filepath.Join(j.dir, date+".parquet"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, domain.Bar{
			Symbol:     r.Symbol,
			Timestamp:  time.UnixMilli(r.Timestamp),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			TradeCount: r.TradeCount,
			VWAP:       r.VWAP,
		})
	}
	return bars, nil
}

// Close flushes any buffered bars.
func (j *BarJournal) Close() error {
	return j.Flush()
}

func writeBarFile(path string, rows []BarRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, rows)
}

func readBarFile(path string) ([]BarRow, error) {
	return parquet.ReadFile[BarRow](path)
}

// mergeBarRows deduplicates by (symbol, timestamp), preferring incoming rows,
// and sorts by timestamp.
func mergeBarRows(existing, incoming []BarRow) []BarRow {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Symbol < merged[j].Symbol
	})
	return merged
}
