package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ TradeStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	local_id        TEXT PRIMARY KEY,
	venue_id        TEXT NOT NULL DEFAULT '',
	correlation_id  TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	role            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	state           TEXT NOT NULL,
	version         INTEGER NOT NULL,
	parent_local_id TEXT NOT NULL DEFAULT '',
	submit_attempts INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_venue_id ON orders(venue_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);

CREATE TABLE IF NOT EXISTS order_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	local_id   TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	fill_qty   TEXT NOT NULL,
	fill_price TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_local_id ON order_events(local_id);

CREATE TABLE IF NOT EXISTS trades (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	qty            TEXT NOT NULL,
	entry_price    TEXT NOT NULL,
	exit_price     TEXT NOT NULL,
	pnl            TEXT NOT NULL,
	opened_at      TIMESTAMP NOT NULL,
	closed_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
`

// SQLiteStore implements OrderStore and TradeStore backed by a SQLite
// database. WAL mode keeps writes durable without blocking readers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The engine is the only writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// CreateOrder inserts a new order and its creation event in one transaction.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.OrderRecord, ev *domain.OrderEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (local_id, venue_id, correlation_id, symbol, side, role,
			qty, filled_qty, avg_fill_price, state, version, parent_local_id,
			submit_attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.LocalID, o.VenueID, o.CorrelationID, o.Symbol, string(o.Side), string(o.Role),
		o.Qty.String(), o.FilledQty.String(), o.AvgFillPrice.String(), string(o.State),
		o.Version, o.ParentLocalID, o.SubmitAttempts, o.LastError, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.LocalID, err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateOrder persists a state change and its event in one transaction,
// guarded by an optimistic version check.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.OrderRecord, ev *domain.OrderEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET venue_id = ?, qty = ?, filled_qty = ?, avg_fill_price = ?,
			state = ?, version = ?, submit_attempts = ?, last_error = ?, updated_at = ?
		WHERE local_id = ? AND version = ?`,
		o.VenueID, o.Qty.String(), o.FilledQty.String(), o.AvgFillPrice.String(),
		string(o.State), o.Version, o.SubmitAttempts, o.LastError, o.UpdatedAt,
		o.LocalID, o.Version-1,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s version %d: %w", o.LocalID, o.Version, ErrVersionConflict)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *domain.OrderEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (local_id, from_state, to_state, fill_qty, fill_price, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.LocalID, string(ev.FromState), string(ev.ToState),
		ev.FillQty.String(), ev.FillPrice.String(), ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event for %s: %w", ev.LocalID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

const orderColumns = `local_id, venue_id, correlation_id, symbol, side, role,
	qty, filled_qty, avg_fill_price, state, version, parent_local_id,
	submit_attempts, last_error, created_at, updated_at`

// GetOrder retrieves a single order by its local ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, localID string) (*domain.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE local_id = ?`, localID)
	return scanOrder(row)
}

// GetOrderByVenueID retrieves a single order by its venue ID.
func (s *SQLiteStore) GetOrderByVenueID(ctx context.Context, venueID string) (*domain.OrderRecord, error) {
	if venueID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE venue_id = ?`, venueID)
	return scanOrder(row)
}

// ListOpenOrders returns all orders in a non-terminal state.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE state NOT IN (?, ?, ?, ?, ?)
		ORDER BY created_at`,
		string(domain.StateFilled), string(domain.StateCanceled), string(domain.StateExpired),
		string(domain.StateRejected), string(domain.StateSubmitFailed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrdersBySymbol returns all orders for a symbol, oldest first.
func (s *SQLiteStore) ListOrdersBySymbol(ctx context.Context, symbol string) ([]domain.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE symbol = ? ORDER BY created_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrderEvents returns the audit events for an order, oldest first.
func (s *SQLiteStore) ListOrderEvents(ctx context.Context, localID string) ([]domain.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_id, from_state, to_state, fill_qty, fill_price, detail, created_at
		FROM order_events WHERE local_id = ? ORDER BY id`, localID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var ev domain.OrderEvent
		var fromState, toState, fillQty, fillPrice string
		if err := rows.Scan(&ev.ID, &ev.LocalID, &fromState, &toState, &fillQty, &fillPrice, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.FromState = domain.OrderState(fromState)
		ev.ToState = domain.OrderState(toState)
		if ev.FillQty, err = decimal.NewFromString(fillQty); err != nil {
			return nil, fmt.Errorf("parsing fill_qty %q: %w", fillQty, err)
		}
		if ev.FillPrice, err = decimal.NewFromString(fillPrice); err != nil {
			return nil, fmt.Errorf("parsing fill_price %q: %w", fillPrice, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrade appends a completed trade.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (correlation_id, symbol, qty, entry_price, exit_price, pnl, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.CorrelationID, t.Symbol, t.Qty.String(), t.EntryPrice.String(),
		t.ExitPrice.String(), t.PnL.String(), t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", t.CorrelationID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListTradesSince returns trades closed at or after since, oldest first.
func (s *SQLiteStore) ListTradesSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, symbol, qty, entry_price, exit_price, pnl, opened_at, closed_at
		FROM trades WHERE closed_at >= ? ORDER BY closed_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var qty, entry, exit, pnl string
		if err := rows.Scan(&t.ID, &t.CorrelationID, &t.Symbol, &qty, &entry, &exit, &pnl, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		if t.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, err
		}
		if t.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, err
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// Row scanning helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.OrderRecord, error) {
	var o domain.OrderRecord
	var side, role, state, qty, filledQty, avgFillPrice string
	err := row.Scan(&o.LocalID, &o.VenueID, &o.CorrelationID, &o.Symbol, &side, &role,
		&qty, &filledQty, &avgFillPrice, &state, &o.Version, &o.ParentLocalID,
		&o.SubmitAttempts, &o.LastError, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Role = domain.OrderRole(role)
	o.State = domain.OrderState(state)
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parsing qty %q: %w", qty, err)
	}
	if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return nil, fmt.Errorf("parsing filled_qty %q: %w", filledQty, err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgFillPrice); err != nil {
		return nil, fmt.Errorf("parsing avg_fill_price %q: %w", avgFillPrice, err)
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.OrderRecord, error) {
	var orders []domain.OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
