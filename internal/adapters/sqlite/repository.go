package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeStore on SQLite. Every query that
// touches rows binds the caller's tenant at the SQL level; child tables
// are reached only through a join on trades carrying the same bind.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (and if needed creates) the database and verifies
// the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// WAL keeps readers (trigger sweeps) unblocked by writers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// One connection: the driver serializes writes anyway, and a single
	// conn keeps transactions from deadlocking on the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT,
		ticker TEXT NOT NULL,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		expiry TIMESTAMP NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		stop_loss REAL,
		take_profit REAL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		entry_order_id TEXT,
		close_order_id TEXT,
		fill_price REAL,
		filled_at TIMESTAMP,
		exit_price REAL,
		realized_pnl REAL,
		close_reason TEXT,
		context TEXT NOT NULL DEFAULT '{}',
		entry_attempts INTEGER NOT NULL DEFAULT 0,
		close_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP,
		UNIQUE (tenant_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS state_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL REFERENCES trades(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS price_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id TEXT NOT NULL REFERENCES trades(id),
		mark REAL NOT NULL,
		bid REAL NOT NULL DEFAULT 0,
		ask REAL NOT NULL DEFAULT 0,
		delta REAL,
		gamma REAL,
		theta REAL,
		vega REAL,
		rho REAL,
		iv REAL,
		underlying REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id TEXT PRIMARY KEY,
		max_open_trades INTEGER NOT NULL DEFAULT 0,
		max_order_quantity INTEGER NOT NULL DEFAULT 0,
		max_order_notional REAL NOT NULL DEFAULT 0,
		default_stop_loss_pct REAL NOT NULL DEFAULT 0,
		default_take_profit_pct REAL NOT NULL DEFAULT 0,
		trigger_priority TEXT NOT NULL DEFAULT 'SL_FIRST',
		broker_mode TEXT NOT NULL DEFAULT 'sandbox',
		encrypted_api_key BLOB,
		encrypted_api_secret BLOB,
		expiry_mark_fallback REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_tenant_status ON trades (tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_transitions_trade ON state_transitions (trade_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_trade ON price_snapshots (trade_id, id);
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
		r.logger.Info(context.Background(), "Closing SQLite store")
		return r.db.Close()
	}
	return nil
}

const tradeColumns = `id, tenant_id, idempotency_key, ticker, option_type, strike, expiry,
	       direction, entry_price, quantity, stop_loss, take_profit, status, version,
	       entry_order_id, close_order_id, fill_price, filled_at, exit_price, realized_pnl,
	       close_reason, context, entry_attempts, close_attempts, created_at, updated_at, closed_at`

// --- Trades ---

// CreateTrade persists a new trade. A duplicate (tenant, idempotency
// key) pair is not an error: the original row is returned unchanged
// with created=false, so client retries after timeouts are safe.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (*domain.Trade, bool, error) {
	const query = `
	INSERT INTO trades (id, tenant_id, idempotency_key, ticker, option_type, strike, expiry,
	                    direction, entry_price, quantity, stop_loss, take_profit, status, version,
	                    context, entry_attempts, close_attempts, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, 0, 0, ?, ?)
	ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`

	now := time.Now().UTC()
	createdAt := trade.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	ctxJSON, err := marshalMap(trade.Context)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode trade context: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		trade.ID, trade.TenantID, trade.IdempotencyKey, trade.Ticker, string(trade.OptionType),
		trade.Strike, trade.Expiry, string(trade.Direction), trade.EntryPrice, trade.Quantity,
		trade.StopLoss, trade.TakeProfit, string(trade.Status), ctxJSON, createdAt, createdAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert trade for tenant %s: %w", trade.TenantID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected for trade insert: %w", err)
	}
	if rows == 0 {
		// Only the unique (tenant_id, idempotency_key) pair can swallow
		// the insert; NULL keys never collide.
		if trade.IdempotencyKey == nil {
			return nil, false, fmt.Errorf("trade insert affected no rows without an idempotency key: %w", ports.ErrQueryFailed)
		}
		existing, err := r.findByIdempotencyKey(ctx, trade.TenantID, *trade.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		r.logger.Debug(ctx, "Idempotent create returned existing trade", map[string]interface{}{
			"tenantID": trade.TenantID, "tradeID": existing.ID, "idempotencyKey": *trade.IdempotencyKey})
		return existing, false, nil
	}

	stored, err := r.GetTrade(ctx, trade.TenantID, trade.ID)
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tenantID": trade.TenantID, "tradeID": trade.ID})
	return stored, true, nil
}

func (r *Repository) findByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Trade, error) {
	const query = `SELECT ` + tradeColumns + ` FROM trades WHERE tenant_id = ? AND idempotency_key = ?`
	t, err := scanTrade(r.db.QueryRowContext(ctx, query, tenantID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade for idempotency key %q: %w", key, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query trade by idempotency key: %w", err)
	}
	return t, nil
}

// GetTrade retrieves one trade. A missing id and an id owned by another
// tenant both return ErrNotFound: the caller learns nothing about rows
// outside its tenant.
func (r *Repository) GetTrade(ctx context.Context, tenantID, id string) (*domain.Trade, error) {
	const query = `SELECT ` + tradeColumns + ` FROM trades WHERE id = ? AND tenant_id = ?`
	t, err := scanTrade(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query trade %s: %w", id, err)
	}
	return t, nil
}

// ListTrades retrieves the tenant's trades, newest first, optionally
// filtered by status.
func (r *Repository) ListTrades(ctx context.Context, tenantID string, statuses ...domain.TradeStatus) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during list: %w", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// ApplyPatch applies a versioned mutation and the accompanying audit
// record in one transaction. The UPDATE carries the version in its
// WHERE clause, so a concurrent writer that got there first makes this
// call a no-op; the follow-up SELECT distinguishes a lost race
// (ErrConflict) from a row that was never ours to touch (ErrNotFound).
func (r *Repository) ApplyPatch(ctx context.Context, tenantID, id string, expectedVersion int64, patch ports.TradePatch, transition *domain.StateTransition) (*domain.Trade, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin patch transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []interface{}{now}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.StopLoss != nil {
		sets = append(sets, "stop_loss = ?")
		args = append(args, *patch.StopLoss)
	} else if patch.ClearStopLoss {
		sets = append(sets, "stop_loss = NULL")
	}
	if patch.TakeProfit != nil {
		sets = append(sets, "take_profit = ?")
		args = append(args, *patch.TakeProfit)
	} else if patch.ClearTakeProfit {
		sets = append(sets, "take_profit = NULL")
	}
	if patch.EntryOrderID != nil {
		sets = append(sets, "entry_order_id = ?")
		args = append(args, *patch.EntryOrderID)
	}
	if patch.CloseOrderID != nil {
		sets = append(sets, "close_order_id = ?")
		args = append(args, *patch.CloseOrderID)
	} else if patch.ClearCloseOrderID {
		sets = append(sets, "close_order_id = NULL")
	}
	if patch.FillPrice != nil {
		sets = append(sets, "fill_price = ?")
		args = append(args, *patch.FillPrice)
	}
	if patch.FilledAt != nil {
		sets = append(sets, "filled_at = ?")
		args = append(args, *patch.FilledAt)
	}
	if patch.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, *patch.ExitPrice)
	}
	if patch.RealizedPnL != nil {
		sets = append(sets, "realized_pnl = ?")
		args = append(args, *patch.RealizedPnL)
	}
	if patch.CloseReason != nil {
		sets = append(sets, "close_reason = ?")
		args = append(args, string(*patch.CloseReason))
	}
	if patch.ClosedAt != nil {
		sets = append(sets, "closed_at = ?")
		args = append(args, *patch.ClosedAt)
	}
	if patch.IncEntryAttempts {
		sets = append(sets, "entry_attempts = entry_attempts + 1")
	}
	if patch.IncCloseAttempts {
		sets = append(sets, "close_attempts = close_attempts + 1")
	}
	if len(patch.Context) > 0 {
		merged, err := r.mergeContext(ctx, tx, tenantID, id, patch.Context)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "context = ?")
		args = append(args, merged)
	}

	query := "UPDATE trades SET " + strings.Join(sets, ", ") + " WHERE id = ? AND tenant_id = ? AND version = ?"
	args = append(args, id, tenantID, expectedVersion)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to patch trade %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected for trade patch %s: %w", id, err)
	}
	if rows == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM trades WHERE id = ? AND tenant_id = ?`, id, tenantID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, ports.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to re-read trade %s after patch miss: %w", id, err)
		}
		return nil, fmt.Errorf("trade %s is at version %d, caller expected %d: %w", id, current, expectedVersion, ports.ErrConflict)
	}

	if transition != nil {
		const insert = `
		INSERT INTO state_transitions (trade_id, from_status, to_status, triggered_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
		meta, err := marshalMap(transition.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transition metadata: %w", err)
		}
		createdAt := transition.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		res, err := tx.ExecContext(ctx, insert,
			id, string(transition.FromStatus), string(transition.ToStatus),
			string(transition.Trigger), meta, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert state transition for trade %s: %w", id, err)
		}
		if transition.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get transition id for trade %s: %w", id, err)
		}
	}

	updated, err := scanTrade(tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to read back trade %s after patch: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit patch for trade %s: %w", id, err)
	}
	r.logger.Debug(ctx, "Trade patched", map[string]interface{}{
		"tenantID": tenantID, "tradeID": id, "version": updated.Version, "status": updated.Status})
	return updated, nil
}

// mergeContext folds new entries into the stored context map under the
// open transaction.
func (r *Repository) mergeContext(ctx context.Context, tx *sql.Tx, tenantID, id string, add map[string]string) (string, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT context FROM trades WHERE id = ? AND tenant_id = ?`, id, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("trade %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read context for trade %s: %w", id, err)
	}
	current := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return "", fmt.Errorf("failed to decode stored context for trade %s: %w", id, err)
		}
	}
	for k, v := range add {
		current[k] = v
	}
	return marshalMap(current)
}

// ListTenants enumerates the distinct tenants holding trades, so the
// background sweeps can iterate per tenant and keep every row read
// scoped.
func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM trades ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return tenants, nil
}

// --- State transitions ---

// Transitions returns the trade's audit trail in insertion order. The
// tenant is bound through the join, so another tenant's trade yields an
// empty trail rather than rows.
func (r *Repository) Transitions(ctx context.Context, tenantID, tradeID string) ([]*domain.StateTransition, error) {
	const query = `
	SELECT st.id, st.trade_id, st.from_status, st.to_status, st.triggered_by, st.metadata, st.created_at
	FROM state_transitions st
	JOIN trades t ON t.id = st.trade_id
	WHERE st.trade_id = ? AND t.tenant_id = ?
	ORDER BY st.id ASC`

	rows, err := r.db.QueryContext(ctx, query, tradeID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions for trade %s: %w", tradeID, err)
	}
	defer rows.Close()

	transitions := make([]*domain.StateTransition, 0)
	for rows.Next() {
		tr := &domain.StateTransition{}
		var fromStatus, toStatus, trigger, meta string
		if err := rows.Scan(&tr.ID, &tr.TradeID, &fromStatus, &toStatus, &trigger, &meta, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state transition: %w", err)
		}
		tr.FromStatus = domain.TradeStatus(fromStatus)
		tr.ToStatus = domain.TradeStatus(toStatus)
		tr.Trigger = domain.TransitionTrigger(trigger)
		if err := json.Unmarshal([]byte(meta), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transition metadata: %w", err)
		}
		transitions = append(transitions, tr)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transition rows: %w", err)
	}
	return transitions, nil
}

// --- Price snapshots ---

// CreateSnapshot appends a price observation. The INSERT selects
// through trades with the tenant bound, so a snapshot can never attach
// to another tenant's trade.
func (r *Repository) CreateSnapshot(ctx context.Context, tenantID string, snap *domain.PriceSnapshot) (int64, error) {
	const query = `
	INSERT INTO price_snapshots (trade_id, mark, bid, ask, delta, gamma, theta, vega, rho, iv, underlying, reason, created_at)
	SELECT t.id, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	FROM trades t WHERE t.id = ? AND t.tenant_id = ?`

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var delta, gamma, theta, vega, rho, iv interface{}
	if g := snap.Greeks; g != nil {
		delta, gamma, theta, vega, rho, iv = g.Delta, g.Gamma, g.Theta, g.Vega, g.Rho, g.IV
	}

	result, err := r.db.ExecContext(ctx, query,
		snap.Mark, snap.Bid, snap.Ask, delta, gamma, theta, vega, rho, iv,
		snap.Underlying, string(snap.Reason), createdAt,
		snap.TradeID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot for trade %s: %w", snap.TradeID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for snapshot insert: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("trade %s: %w", snap.TradeID, ports.ErrNotFound)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot id for trade %s: %w", snap.TradeID, err)
	}
	snap.ID = id
	return id, nil
}

const snapshotColumns = `ps.id, ps.trade_id, ps.mark, ps.bid, ps.ask, ps.delta, ps.gamma,
	       ps.theta, ps.vega, ps.rho, ps.iv, ps.underlying, ps.reason, ps.created_at`

// Snapshots returns the trade's most recent observations, newest first.
func (r *Repository) Snapshots(ctx context.Context, tenantID, tradeID string, limit int) ([]*domain.PriceSnapshot, error) {
	const query = `
	SELECT ` + snapshotColumns + `
	FROM price_snapshots ps
	JOIN trades t ON t.id = ps.trade_id
	WHERE ps.trade_id = ? AND t.tenant_id = ?
	ORDER BY ps.id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, tradeID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for trade %s: %w", tradeID, err)
	}
	defer rows.Close()

	snaps := make([]*domain.PriceSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

// LatestSnapshot returns the most recent observation for the trade.
func (r *Repository) LatestSnapshot(ctx context.Context, tenantID, tradeID string) (*domain.PriceSnapshot, error) {
	const query = `
	SELECT ` + snapshotColumns + `
	FROM price_snapshots ps
	JOIN trades t ON t.id = ps.trade_id
	WHERE ps.trade_id = ? AND t.tenant_id = ?
	ORDER BY ps.id DESC LIMIT 1`

	snap, err := scanSnapshot(r.db.QueryRowContext(ctx, query, tradeID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no snapshot for trade %s: %w", tradeID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query latest snapshot for trade %s: %w", tradeID, err)
	}
	return snap, nil
}

// --- Tenant settings ---

// UpsertSettings creates or replaces the tenant's configuration,
// preserving the original created_at on replace.
func (r *Repository) UpsertSettings(ctx context.Context, s *domain.TenantSettings) error {
	const query = `
	INSERT INTO tenant_settings (tenant_id, max_open_trades, max_order_quantity, max_order_notional,
	                             default_stop_loss_pct, default_take_profit_pct, trigger_priority,
	                             broker_mode, encrypted_api_key, encrypted_api_secret,
	                             expiry_mark_fallback, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id) DO UPDATE SET
		max_open_trades = excluded.max_open_trades,
		max_order_quantity = excluded.max_order_quantity,
		max_order_notional = excluded.max_order_notional,
		default_stop_loss_pct = excluded.default_stop_loss_pct,
		default_take_profit_pct = excluded.default_take_profit_pct,
		trigger_priority = excluded.trigger_priority,
		broker_mode = excluded.broker_mode,
		encrypted_api_key = excluded.encrypted_api_key,
		encrypted_api_secret = excluded.encrypted_api_secret,
		expiry_mark_fallback = excluded.expiry_mark_fallback,
		updated_at = excluded.updated_at`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		s.TenantID, s.MaxOpenTrades, s.MaxOrderQuantity, s.MaxOrderNotional,
		s.DefaultStopLossPct, s.DefaultTakeProfitPct, string(s.Priority()),
		string(s.Mode()), s.EncryptedAPIKey, s.EncryptedAPISecret,
		s.ExpiryMarkFallback, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert settings for tenant %s: %w", s.TenantID, err)
	}
	return nil
}

// GetSettings retrieves the tenant's configuration.
func (r *Repository) GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	const query = `
	SELECT tenant_id, max_open_trades, max_order_quantity, max_order_notional,
	       default_stop_loss_pct, default_take_profit_pct, trigger_priority, broker_mode,
	       encrypted_api_key, encrypted_api_secret, expiry_mark_fallback, created_at, updated_at
	FROM tenant_settings WHERE tenant_id = ?`

	s := &domain.TenantSettings{}
	var priority, mode string
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&s.TenantID, &s.MaxOpenTrades, &s.MaxOrderQuantity, &s.MaxOrderNotional,
		&s.DefaultStopLossPct, &s.DefaultTakeProfitPct, &priority, &mode,
		&s.EncryptedAPIKey, &s.EncryptedAPISecret, &s.ExpiryMarkFallback, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("settings for tenant %s: %w", tenantID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query settings for tenant %s: %w", tenantID, err)
	}
	s.TriggerPriority = domain.TriggerPriority(priority)
	s.BrokerMode = domain.BrokerMode(mode)
	return s, nil
}

// --- Helper scan functions ---

// scanner is compatible with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row in tradeColumns order into a domain.Trade.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		idemKey, optionType, direction, status  sql.NullString
		entryOrderID, closeOrderID, closeReason sql.NullString
		stopLoss, takeProfit, fillPrice         sql.NullFloat64
		exitPrice, realizedPnL                  sql.NullFloat64
		filledAt, closedAt                      sql.NullTime
		ctxJSON                                 string
	)
	err := s.Scan(
		&t.ID, &t.TenantID, &idemKey, &t.Ticker, &optionType, &t.Strike, &t.Expiry,
		&direction, &t.EntryPrice, &t.Quantity, &stopLoss, &takeProfit, &status, &t.Version,
		&entryOrderID, &closeOrderID, &fillPrice, &filledAt, &exitPrice, &realizedPnL,
		&closeReason, &ctxJSON, &t.EntryAttempts, &t.CloseAttempts, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by callers
	}
	t.IdempotencyKey = strPtr(idemKey)
	t.OptionType = domain.OptionType(optionType.String)
	t.Direction = domain.Direction(direction.String)
	t.Status = domain.TradeStatus(status.String)
	t.StopLoss = floatPtr(stopLoss)
	t.TakeProfit = floatPtr(takeProfit)
	t.EntryOrderID = strPtr(entryOrderID)
	t.CloseOrderID = strPtr(closeOrderID)
	t.FillPrice = floatPtr(fillPrice)
	t.FilledAt = timePtr(filledAt)
	t.ExitPrice = floatPtr(exitPrice)
	t.RealizedPnL = floatPtr(realizedPnL)
	if closeReason.Valid {
		t.CloseReason = domain.CloseReason(closeReason.String)
	}
	t.ClosedAt = timePtr(closedAt)
	if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("failed to decode trade context: %w", err)
	}
	return t, nil
}

// scanSnapshot scans a row in snapshotColumns order.
func scanSnapshot(s scanner) (*domain.PriceSnapshot, error) {
	snap := &domain.PriceSnapshot{}
	var reason string
	var delta, gamma, theta, vega, rho, iv sql.NullFloat64
	err := s.Scan(
		&snap.ID, &snap.TradeID, &snap.Mark, &snap.Bid, &snap.Ask,
		&delta, &gamma, &theta, &vega, &rho, &iv,
		&snap.Underlying, &reason, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	snap.Reason = domain.SnapshotReason(reason)
	if delta.Valid {
		snap.Greeks = &domain.Greeks{
			Delta: delta.Float64, Gamma: gamma.Float64, Theta: theta.Float64,
			Vega: vega.Float64, Rho: rho.Float64, IV: iv.Float64,
		}
	}
	return snap, nil
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
