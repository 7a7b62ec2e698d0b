package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"quantbot/internal/domain"
	"quantbot/internal/ports"
)

// Repository implements ports.PositionRepository and ports.OrderRepository
// using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/quantbot.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// WAL mode for better concurrency between the symbol loops
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		avg_entry_price REAL NOT NULL,
		leverage INTEGER NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		trailing_distance REAL NOT NULL DEFAULT 0,
		trailing_price REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		exchange_order_id INTEGER NOT NULL DEFAULT 0,
		intent TEXT NOT NULL,
		status TEXT NOT NULL,
		filled_quantity REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		submitted_at TIMESTAMP DEFAULT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_exit_time ON positions (exit_time);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, quantity, avg_entry_price, leverage, stop_loss, take_profit,
	                       trailing_distance, trailing_price, realized_pnl, status, entry_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.Quantity, pos.AvgEntryPrice, pos.Leverage, pos.StopLoss, pos.TakeProfit,
		pos.TrailingStopDistance, pos.TrailingStopPrice, pos.RealizedPnL, pos.Status, pos.EntryTime)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET quantity = ?, avg_entry_price = ?, leverage = ?, stop_loss = ?, take_profit = ?,
	    trailing_distance = ?, trailing_price = ?, realized_pnl = ?, status = ?,
	    exit_time = ?, exit_price = ?, close_reason = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}
	var closeReason sql.NullString
	if pos.CloseReason != "" {
		closeReason = sql.NullString{String: string(pos.CloseReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Quantity, pos.AvgEntryPrice, pos.Leverage, pos.StopLoss, pos.TakeProfit,
		pos.TrailingStopDistance, pos.TrailingStopPrice, pos.RealizedPnL, pos.Status,
		exitTime, pos.ExitPrice, closeReason,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w: %w", pos.ID, ports.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

// FindOpenBySymbol retrieves the non-FLAT position for a symbol, if any.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	const query = positionSelect + ` WHERE symbol = ? AND status NOT IN (?, ?)`

	row := r.db.QueryRowContext(ctx, query, symbol, domain.StatusFlat, domain.StatusClosed)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// FindOpen retrieves all non-FLAT positions.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	const query = positionSelect + ` WHERE status NOT IN (?, ?) ORDER BY entry_time`

	rows, err := r.db.QueryContext(ctx, query, domain.StatusFlat, domain.StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// FindAll retrieves all positions, ordered by entry time descending.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Position, error) {
	const query = positionSelect + ` ORDER BY entry_time DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query all positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// CountOpenedToday counts positions entered today (UTC) for a symbol. Open
// positions count too: an entry consumed a trade slot whether or not it has
// closed yet.
func (r *Repository) CountOpenedToday(ctx context.Context, symbol string) (int, error) {
	const query = `SELECT COUNT(*) FROM positions WHERE symbol = ? AND date(entry_time) = date('now')`
	var count int
	err := r.db.QueryRowContext(ctx, query, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades today for symbol %s: %w: %w", symbol, ports.ErrQueryFailed, err)
	}
	return count, nil
}

// TotalRealizedPnL sums realized PnL over all closed positions.
func (r *Repository) TotalRealizedPnL(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pnl), 0) FROM positions WHERE status = ?`
	var total float64
	err := r.db.QueryRowContext(ctx, query, domain.StatusClosed).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// --- OrderRepository Implementation ---

// Upsert inserts or updates an order keyed by its client order id. The intent
// is stored as JSON: it is immutable once created and only read back whole.
func (r *Repository) Upsert(ctx context.Context, order *domain.Order) error {
	intentJSON, err := json.Marshal(order.Intent)
	if err != nil {
		return fmt.Errorf("failed to encode order intent %s: %w", order.Intent.ClientOrderID, err)
	}

	const query = `
	INSERT INTO orders (client_order_id, exchange_order_id, intent, status, filled_quantity, avg_fill_price, attempts, submitted_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		status = excluded.status,
		filled_quantity = excluded.filled_quantity,
		avg_fill_price = excluded.avg_fill_price,
		attempts = excluded.attempts,
		submitted_at = excluded.submitted_at,
		updated_at = excluded.updated_at`

	var submittedAt sql.NullTime
	if !order.SubmittedAt.IsZero() {
		submittedAt = sql.NullTime{Time: order.SubmittedAt, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		order.Intent.ClientOrderID, order.ExchangeOrderID, string(intentJSON), order.Status,
		order.FilledQuantity, order.AvgFillPrice, order.Attempts, submittedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.Intent.ClientOrderID, err)
	}
	return nil
}

// FindByClientID retrieves an order by its idempotency key.
func (r *Repository) FindByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	const query = orderSelect + ` WHERE client_order_id = ?`

	row := r.db.QueryRowContext(ctx, query, clientOrderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order %s: %w: %w", clientOrderID, ports.ErrQueryFailed, err)
	}
	return order, nil
}

// FindNonTerminal retrieves all orders not yet in a terminal status.
func (r *Repository) FindNonTerminal(ctx context.Context) ([]*domain.Order, error) {
	const query = orderSelect + ` WHERE status NOT IN (?, ?, ?) ORDER BY updated_at`

	rows, err := r.db.QueryContext(ctx, query, domain.OrderFilled, domain.OrderRejected, domain.OrderCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// FindRecent retrieves the most recent orders, up to limit.
func (r *Repository) FindRecent(ctx context.Context, limit int) ([]*domain.Order, error) {
	const query = orderSelect + ` ORDER BY updated_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// --- Helper Scan Functions ---

const positionSelect = `
	SELECT id, symbol, side, quantity, avg_entry_price, leverage, stop_loss, take_profit,
	       trailing_distance, trailing_price, realized_pnl, status, entry_time, exit_time,
	       COALESCE(exit_price, 0), close_reason
	FROM positions`

const orderSelect = `
	SELECT id, client_order_id, exchange_order_id, intent, status, filled_quantity,
	       avg_fill_price, attempts, submitted_at, updated_at
	FROM orders`

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var side, status string
	var exitTime sql.NullTime
	var closeReason sql.NullString
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.Quantity, &p.AvgEntryPrice, &p.Leverage,
		&p.StopLoss, &p.TakeProfit, &p.TrailingStopDistance, &p.TrailingStopPrice,
		&p.RealizedPnL, &status, &p.EntryTime, &exitTime, &p.ExitPrice, &closeReason)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	p.Side = domain.OrderSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func collectPositions(rows *sql.Rows) ([]*domain.Position, error) {
	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var clientOrderID, intentJSON, status string
	var submittedAt sql.NullTime
	err := s.Scan(
		&o.ID, &clientOrderID, &o.ExchangeOrderID, &intentJSON, &status,
		&o.FilledQuantity, &o.AvgFillPrice, &o.Attempts, &submittedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intentJSON), &o.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode order intent: %w", err)
	}
	if o.Intent.ClientOrderID == "" {
		o.Intent.ClientOrderID = clientOrderID
	}
	if submittedAt.Valid {
		o.SubmittedAt = submittedAt.Time
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	orders := make([]*domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}
