package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/id"
	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// DefaultTradeRetention - сколько последних записей журнала хранится
const DefaultTradeRetention = 1000

// Storage управляет базой данных: аккаунты, журнал сделок, состояние сервиса
type Storage struct {
	db        *sql.DB
	logger    *slog.Logger
	retention int
	now       func() time.Time

	// SQLite допускает одного писателя
	writeMu sync.Mutex
}

// Option настраивает Storage
type Option func(*Storage)

// WithRetention меняет размер журнала сделок
func WithRetention(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.retention = n
		}
	}
}

// New создает новый экземпляр Storage
func New(dbPath string, logger *slog.Logger, opts ...Option) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	storage := &Storage{
		db:        db,
		logger:    logger,
		retention: DefaultTradeRetention,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(storage)
	}

	if err := storage.init(); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return storage, nil
}

// init инициализирует таблицы БД
func (s *Storage) init() error {
	_, err := s.db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;

		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL CHECK (role IN ('master', 'slave')),
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			risk_percentage TEXT NOT NULL,
			multiplier TEXT NOT NULL DEFAULT '0',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS trades (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			master_id TEXT NOT NULL,
			slave_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			reason TEXT,
			order_id TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_trades_slave ON trades(slave_id);

		CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			copying_active INTEGER NOT NULL DEFAULT 0,
			started_at TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.logger.Info("✅ Database initialized")

	return nil
}

// Close закрывает базу
func (s *Storage) Close() error {
	return s.db.Close()
}

// ListAccounts возвращает все аккаунты, включая неактивные
func (s *Storage) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, api_key, api_secret, risk_percentage, multiplier, active, created_at
		FROM accounts
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	return accounts, nil
}

// GetAccount возвращает аккаунт по id
func (s *Storage) GetAccount(ctx context.Context, accountID string) (models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, role, api_key, api_secret, risk_percentage, multiplier, active, created_at
		FROM accounts
		WHERE id = ?
	`, accountID)

	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%w: %s", exception.ErrAccountNotFound, accountID)
	}

	return acc, err
}

// SaveAccount создает или обновляет аккаунт
func (s *Storage) SaveAccount(ctx context.Context, acc models.Account) error {
	acc = acc.Normalize()
	if err := acc.Validate(); err != nil {
		return err
	}

	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, role, api_key, api_secret, risk_percentage, multiplier, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			risk_percentage = excluded.risk_percentage,
			multiplier = excluded.multiplier,
			active = excluded.active
	`, acc.ID, string(acc.Role), acc.Credentials.APIKey, acc.Credentials.APISecret,
		acc.RiskPercentage.String(), acc.Multiplier.String(), boolToInt(acc.Active),
		acc.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	s.logger.Info("✅ Account saved",
		slog.String("account", acc.ID),
		slog.String("role", string(acc.Role)),
		slog.Bool("active", acc.Active))

	return nil
}

// DeleteAccount удаляет аккаунт
func (s *Storage) DeleteAccount(ctx context.Context, accountID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", exception.ErrAccountNotFound, accountID)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var (
		acc                  models.Account
		role, risk, mult, ts string
		active               int
	)

	err := row.Scan(&acc.ID, &role, &acc.Credentials.APIKey, &acc.Credentials.APISecret,
		&risk, &mult, &active, &ts)
	if err != nil {
		return models.Account{}, err
	}

	acc.Role = models.Role(role)
	acc.Active = active == 1

	if acc.RiskPercentage, err = decimal.NewFromString(risk); err != nil {
		return models.Account{}, fmt.Errorf("%w: account %s risk %q", exception.ErrInvalidAccount, acc.ID, risk)
	}
	if acc.Multiplier, err = decimal.NewFromString(mult); err != nil {
		return models.Account{}, fmt.Errorf("%w: account %s multiplier %q", exception.ErrInvalidAccount, acc.ID, mult)
	}

	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)

	return acc.Normalize(), nil
}

// Append добавляет запись в журнал и удаляет самые старые сверх лимита
func (s *Storage) Append(ctx context.Context, rec models.TradeRecord) (models.TradeRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.ID == "" {
		rec.ID = id.NewAt(rec.Timestamp)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (id, timestamp, master_id, slave_id, symbol, side, quantity, price,
		                    status, error, reason, order_id, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.MasterID, rec.SlaveID,
		rec.Symbol, string(rec.Side), rec.Quantity.String(), rec.Price.String(),
		string(rec.Status), nullString(rec.Error), nullString(rec.Reason), nullString(rec.OrderID),
		rec.LatencyMs)
	if err != nil {
		return rec, fmt.Errorf("failed to insert trade: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM trades
		WHERE seq <= (SELECT seq FROM trades ORDER BY seq DESC LIMIT 1 OFFSET ?)
	`, s.retention)
	if err != nil {
		return rec, fmt.Errorf("failed to prune trades: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("failed to commit trade: %w", err)
	}

	return rec, nil
}

// Recent возвращает последние limit записей, новые первыми
func (s *Storage) Recent(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, master_id, slave_id, symbol, side, quantity, price, status,
		       COALESCE(error, ''), COALESCE(reason, ''), COALESCE(order_id, ''), latency_ms
		FROM trades
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			rec                         models.TradeRecord
			ts, side, qty, price, state string
		)

		err := rows.Scan(&rec.ID, &ts, &rec.MasterID, &rec.SlaveID, &rec.Symbol, &side, &qty, &price,
			&state, &rec.Error, &rec.Reason, &rec.OrderID, &rec.LatencyMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Side = models.Side(side)
		rec.Status = models.TradeStatus(state)
		rec.Quantity, _ = decimal.NewFromString(qty)
		rec.Price, _ = decimal.NewFromString(price)

		trades = append(trades, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}

	return trades, nil
}

// CountTrades возвращает число записей в журнале
func (s *Storage) CountTrades(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

// LoadState возвращает сохраненное состояние; пустое если записи нет
func (s *Storage) LoadState(ctx context.Context) (models.PersistedState, error) {
	var (
		active    int
		startedAt sql.NullString
	)

	err := s.db.QueryRowContext(ctx, "SELECT copying_active, started_at FROM system_state WHERE id = 1").
		Scan(&active, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PersistedState{}, nil
	}
	if err != nil {
		return models.PersistedState{}, fmt.Errorf("failed to load state: %w", err)
	}

	state := models.PersistedState{CopyingActive: active == 1}
	if startedAt.Valid && startedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			state.StartedAt = &t
		}
	}

	return state, nil
}

// SaveState сохраняет состояние сервиса
func (s *Storage) SaveState(ctx context.Context, state models.PersistedState) error {
	var startedAt sql.NullString
	if state.StartedAt != nil {
		startedAt = sql.NullString{String: state.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (id, copying_active, started_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			copying_active = excluded.copying_active,
			started_at = excluded.started_at
	`, boolToInt(state.CopyingActive), startedAt)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
