package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records each in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// RunInTx runs fn inside a pgx transaction. Rollback and commit use a
// context detached from ctx so a cancelled caller cannot interrupt them.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// --- Reader ---

const marketColumns = `id, title, yes_pool::TEXT, no_pool::TEXT, volume::TEXT,
	status, outcome, closes_at, created_at, resolved_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (money.Amount, error) {
	return getBalance(ctx, s.pool, userID, false)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, outcome, shares::TEXT, cost_basis::TEXT
		 FROM positions WHERE user_id = $1 AND shares > 0
		 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return listMarketPositions(ctx, s.pool, marketID)
}

func (s *PostgresStore) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.user_id, t.market_id, t.outcome, t.kind,
		        t.shares::TEXT, t.amount::TEXT, t.price::TEXT,
		        COALESCE(st.status, 'pending'), t.timestamp
		 FROM trades t
		 LEFT JOIN settlements st ON st.trade_id = t.id
		 WHERE t.user_id = $1
		 ORDER BY t.seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListUserLedger(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, type, reference, market_id, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, yes_price::TEXT, no_price::TEXT, timestamp
		 FROM price_points WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var yes, no string
		if err := rows.Scan(&p.MarketID, &yes, &no, &p.Timestamp); err != nil {
			return nil, err
		}
		if err := decode(numeric{&p.YesPrice, yes}, numeric{&p.NoPrice, no}); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Tx ---

// pgTx implements Tx on a pgx transaction. Market and balance reads take
// row locks with FOR UPDATE.
type pgTx struct {
	q querier
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id, true)
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (money.Amount, error) {
	return getBalance(ctx, t.q, userID, true)
}

func (t *pgTx) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	p := model.Position{UserID: key.UserID, MarketID: key.MarketID, Outcome: key.Outcome}
	var shares, cost string
	err := t.q.QueryRow(ctx,
		`SELECT shares::TEXT, cost_basis::TEXT FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3
		 FOR UPDATE`, key.UserID, key.MarketID, string(key.Outcome)).
		Scan(&shares, &cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("get position: %w", err)
	}
	if err := decode(numeric{&p.Shares, shares}, numeric{&p.CostBasis, cost}); err != nil {
		return p, err
	}
	return p, nil
}

func (t *pgTx) ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return listMarketPositions(ctx, t.q, marketID)
}

func (t *pgTx) ListMarketTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := t.q.Query(ctx,
		`SELECT t.id, t.user_id, t.market_id, t.outcome, t.kind,
		        t.shares::TEXT, t.amount::TEXT, t.price::TEXT,
		        COALESCE(st.status, 'pending'), t.timestamp
		 FROM trades t
		 LEFT JOIN settlements st ON st.trade_id = t.id
		 WHERE t.market_id = $1
		 ORDER BY t.seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (t *pgTx) ListMarketLedger(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, type, reference, market_id, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, title, yes_pool, no_pool, volume, status, outcome, closes_at, created_at, resolved_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		m.ID, m.Title, m.YesPool.String(), m.NoPool.String(), m.Volume.String(),
		string(m.Status), outcomeArg(m.Outcome), m.ClosesAt, m.CreatedAt, m.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s already exists: %w", m.ID, model.ErrValidation)
	}
	return err
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC, volume = $4::NUMERIC,
		     status = $5, outcome = $6, resolved_at = $7
		 WHERE id = $1`,
		m.ID, m.YesPool.String(), m.NoPool.String(), m.Volume.String(),
		string(m.Status), outcomeArg(m.Outcome), m.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertUser(ctx context.Context, userID string, balance money.Amount) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, balance) VALUES ($1, $2::NUMERIC)`,
		userID, balance.String())
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already exists: %w", userID, model.ErrValidation)
	}
	return err
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance money.Amount) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
		userID, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) PutPosition(ctx context.Context, p model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, shares, cost_basis)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (user_id, market_id, outcome)
		 DO UPDATE SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis`,
		p.UserID, p.MarketID, string(p.Outcome), p.Shares.String(), p.CostBasis.String())
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome, kind, shares, amount, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		tr.ID, tr.UserID, tr.MarketID, string(tr.Outcome), string(tr.Kind),
		tr.Shares.String(), tr.Amount.String(), tr.Price.String(), tr.Timestamp)
	return err
}

func (t *pgTx) PutSettlement(ctx context.Context, st *model.Settlement) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO settlements (trade_id, market_id, status, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		st.TradeID, st.MarketID, string(st.Status), st.Timestamp)
	if isUniqueViolation(err) {
		return fmt.Errorf("trade %s already settled: %w", st.TradeID, model.ErrAlreadyResolved)
	}
	return err
}

func (t *pgTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, type, reference, market_id, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.Amount.String(), string(e.Type), e.Reference, e.MarketID, e.Timestamp)
	return err
}

func (t *pgTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO price_points (market_id, yes_price, no_price, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		p.MarketID, p.YesPrice.String(), p.NoPrice.String(), p.Timestamp)
	return err
}

// --- shared queries ---

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func getBalance(ctx context.Context, q querier, userID string, forUpdate bool) (money.Amount, error) {
	sql := `SELECT balance::TEXT FROM users WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var text string
	err := q.QueryRow(ctx, sql, userID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", userID, err)
	}
	var b money.Amount
	if err := decode(numeric{&b, text}); err != nil {
		return 0, err
	}
	return b, nil
}

func listMarketPositions(ctx context.Context, q querier, marketID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, market_id, outcome, shares::TEXT, cost_basis::TEXT
		 FROM positions WHERE market_id = $1 AND shares > 0
		 ORDER BY user_id, outcome`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// --- scanning ---

type scanner interface {
	Scan(dest ...any) error
}

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var yes, no, volume, status string
	var outcome *string
	if err := row.Scan(&m.ID, &m.Title, &yes, &no, &volume,
		&status, &outcome, &m.ClosesAt, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	if err := decode(numeric{&m.YesPool, yes}, numeric{&m.NoPool, no}, numeric{&m.Volume, volume}); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var outcome, shares, cost string
		if err := rows.Scan(&p.UserID, &p.MarketID, &outcome, &shares, &cost); err != nil {
			return nil, err
		}
		p.Outcome = model.Outcome(outcome)
		if err := decode(numeric{&p.Shares, shares}, numeric{&p.CostBasis, cost}); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var outcome, kind, settlement, shares, amount, price string
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.MarketID, &outcome, &kind,
			&shares, &amount, &price, &settlement, &tr.Timestamp); err != nil {
			return nil, err
		}
		tr.Outcome = model.Outcome(outcome)
		tr.Kind = model.TradeKind(kind)
		tr.Settlement = model.SettlementStatus(settlement)
		if err := decode(numeric{&tr.Shares, shares}, numeric{&tr.Amount, amount}, numeric{&tr.Price, price}); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, typ string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &typ, &e.Reference, &e.MarketID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = model.LedgerType(typ)
		if err := decode(numeric{&e.Amount, amount}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// numeric pairs a NUMERIC column's text with its destination.
type numeric struct {
	dst  *money.Amount
	text string
}

func decode(ns ...numeric) error {
	for _, n := range ns {
		v, err := money.Parse(n.text)
		if err != nil {
			return fmt.Errorf("decode numeric %q: %w", n.text, err)
		}
		*n.dst = v
	}
	return nil
}

func outcomeArg(o *model.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
