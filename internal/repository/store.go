package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"gridbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки хранилища
var (
	ErrEmergencyStopNotFound = errors.New("emergency stop record not found")
)

// Schema - таблицы бота (PostgreSQL)
//
// Активная аварийная остановка на пару одна: частичный уникальный индекс.
const Schema = `
CREATE TABLE IF NOT EXISTS grid_state (
	pair       TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_snapshots (
	id             BIGSERIAL PRIMARY KEY,
	pair           TEXT NOT NULL,
	risk_level     TEXT NOT NULL,
	drawdown_pct   DOUBLE PRECISION NOT NULL,
	portfolio_high DOUBLE PRECISION NOT NULL,
	metrics        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_snapshots_pair ON risk_snapshots (pair, id DESC);

CREATE TABLE IF NOT EXISTS trade_log (
	id          BIGSERIAL PRIMARY KEY,
	pair        TEXT NOT NULL,
	event       TEXT NOT NULL,
	order_ref   TEXT NOT NULL DEFAULT '',
	side        TEXT NOT NULL DEFAULT '',
	price       DOUBLE PRECISION NOT NULL DEFAULT 0,
	quantity    DOUBLE PRECISION NOT NULL DEFAULT 0,
	amount      DOUBLE PRECISION NOT NULL DEFAULT 0,
	level_index INTEGER,
	message     TEXT NOT NULL DEFAULT '',
	meta        JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_log_pair ON trade_log (pair, id DESC);

CREATE TABLE IF NOT EXISTS emergency_stops (
	id           BIGSERIAL PRIMARY KEY,
	pair         TEXT NOT NULL,
	reason       TEXT NOT NULL,
	source       TEXT NOT NULL,
	triggered_at TIMESTAMPTZ NOT NULL,
	active       BOOLEAN NOT NULL,
	reset_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_emergency_stops_active ON emergency_stops (pair) WHERE active;
`

// Store - хранилище бота в PostgreSQL
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore создает хранилище поверх открытого соединения
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate создает таблицы, если их нет
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ============ Состояние сетки ============

// LoadGridState возвращает сохраненное состояние пары; (nil, nil) - состояния нет
func (s *Store) LoadGridState(ctx context.Context, pair string) (*models.GridState, error) {
	query := `SELECT state FROM grid_state WHERE pair = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, pair).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	state := &models.GridState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode grid state for %s: %w", pair, err)
	}
	return state, nil
}

// SaveGridState сохраняет состояние пары (upsert)
func (s *Store) SaveGridState(ctx context.Context, pair string, state *models.GridState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO grid_state (pair, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query, pair, raw, s.now())
	return err
}

// ============ Снимки риска ============

// AppendRiskMetricsSnapshot добавляет снимок метрик риска
func (s *Store) AppendRiskMetricsSnapshot(ctx context.Context, pair string, m *models.RiskMetrics) error {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO risk_snapshots (pair, risk_level, drawdown_pct, portfolio_high, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.db.ExecContext(ctx, query,
		pair,
		string(m.RiskLevel),
		m.DrawdownPercent,
		m.PortfolioHigh,
		raw,
		s.now(),
	)
	return err
}

// LoadLatestRiskSnapshot - последний снимок пары; (nil, nil) - снимков нет
func (s *Store) LoadLatestRiskSnapshot(ctx context.Context, pair string) (*models.RiskMetrics, error) {
	query := `
		SELECT metrics FROM risk_snapshots
		WHERE pair = $1
		ORDER BY id DESC
		LIMIT 1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, pair).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	m := &models.RiskMetrics{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("decode risk snapshot for %s: %w", pair, err)
	}
	return m, nil
}

// ============ Аудит ============

// AppendTradeLog добавляет запись аудита и заполняет entry.ID
func (s *Store) AppendTradeLog(ctx context.Context, entry *models.TradeLogEntry) error {
	var meta []byte
	if len(entry.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(entry.Meta); err != nil {
			return err
		}
	}

	var level sql.NullInt64
	if entry.LevelIndex != nil {
		level = sql.NullInt64{Int64: int64(*entry.LevelIndex), Valid: true}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	query := `
		INSERT INTO trade_log (pair, event, order_ref, side, price, quantity, amount, level_index, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	return s.db.QueryRowContext(ctx, query,
		entry.Pair,
		entry.Event,
		entry.OrderRef,
		entry.Side,
		entry.Price,
		entry.Quantity,
		entry.Amount,
		level,
		entry.Message,
		meta,
		ts,
	).Scan(&entry.ID)
}

// RecentTradeLog - последние записи аудита пары, новые первыми
func (s *Store) RecentTradeLog(ctx context.Context, pair string, limit int) ([]*models.TradeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, pair, event, order_ref, side, price, quantity, amount, level_index, message, meta, created_at
		FROM trade_log
		WHERE pair = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.TradeLogEntry
	for rows.Next() {
		e := &models.TradeLogEntry{}
		var level sql.NullInt64
		var meta []byte
		if err := rows.Scan(
			&e.ID,
			&e.Pair,
			&e.Event,
			&e.OrderRef,
			&e.Side,
			&e.Price,
			&e.Quantity,
			&e.Amount,
			&level,
			&e.Message,
			&meta,
			&e.Timestamp,
		); err != nil {
			return nil, err
		}
		if level.Valid {
			idx := int(level.Int64)
			e.LevelIndex = &idx
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode trade log meta %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============ Аварийная остановка ============

// SaveEmergencyStop создает запись (ID == 0) или обновляет ее статус
func (s *Store) SaveEmergencyStop(ctx context.Context, pair string, rec *models.EmergencyStopRecord) error {
	if rec.ID == 0 {
		query := `
			INSERT INTO emergency_stops (pair, reason, source, triggered_at, active, reset_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`

		return s.db.QueryRowContext(ctx, query,
			pair,
			rec.Reason,
			rec.Source,
			rec.TriggeredAt,
			rec.Active,
			nullTime(rec.ResetAt),
		).Scan(&rec.ID)
	}

	query := `
		UPDATE emergency_stops
		SET active = $1, reset_at = $2
		WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, rec.Active, nullTime(rec.ResetAt), rec.ID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrEmergencyStopNotFound
	}
	return nil
}

// LoadActiveEmergencyStop - активная остановка пары или nil
func (s *Store) LoadActiveEmergencyStop(ctx context.Context, pair string) (*models.EmergencyStopRecord, error) {
	query := `
		SELECT id, reason, source, triggered_at, active, reset_at
		FROM emergency_stops
		WHERE pair = $1 AND active
		ORDER BY id DESC
		LIMIT 1`

	rec := &models.EmergencyStopRecord{}
	var resetAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, pair).Scan(
		&rec.ID,
		&rec.Reason,
		&rec.Source,
		&rec.TriggeredAt,
		&rec.Active,
		&resetAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if resetAt.Valid {
		t := resetAt.Time
		rec.ResetAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
