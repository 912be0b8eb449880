package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pivotal/paper-trading/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func wrapNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Accounts ---

const accountColumns = `id, user_id, balance::TEXT, initial_balance::TEXT, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance, initial string
	if err := row.Scan(&a.ID, &a.UserID, &balance, &initial, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = dec(balance)
	a.InitialBalance = dec(initial)
	return &a, nil
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, balance, initial_balance, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, $4, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), userID, initial.StringFixed(model.CurrencyScale), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create account for %s: %w", userID, err)
	}

	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, wrapNotFound(err, "get account for "+userID)
	}
	return a, nil
}

func (s *PostgresStore) ResetAccount(ctx context.Context, userID string, initial decimal.Decimal) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the old row so in-flight trades finish before the wipe.
	var oldID string
	err = tx.QueryRow(ctx, `SELECT id FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&oldID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock account for %s: %w", userID, err)
	}
	if oldID != "" {
		// Positions and trades cascade.
		if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, oldID); err != nil {
			return nil, fmt.Errorf("delete account %s: %w", oldID, err)
		}
	}

	now := time.Now().UTC()
	a, err := scanAccount(tx.QueryRow(ctx,
		`INSERT INTO accounts (id, user_id, balance, initial_balance, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, $4, $4)
		 RETURNING `+accountColumns,
		uuid.New().String(), userID, initial.StringFixed(model.CurrencyScale), now,
	))
	if err != nil {
		return nil, fmt.Errorf("recreate account for %s: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) InAccountTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent trades on the same account.
	a, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return wrapNotFound(err, "lock account "+accountID)
	}

	if err := fn(&pgTx{tx: tx, account: *a}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Position and history reads ---

func (s *PostgresStore) ListStockPositions(ctx context.Context, accountID string) ([]model.StockPosition, error) {
	return listStockPositions(ctx, s.pool, accountID)
}

func (s *PostgresStore) ListOptionPositions(ctx context.Context, accountID string) ([]model.OptionPosition, error) {
	return listOptionPositions(ctx, s.pool, accountID)
}

func (s *PostgresStore) ListTrades(ctx context.Context, accountID string, f TradeFilter) ([]model.Trade, int, error) {
	where := `account_id = $1`
	args := []any{accountID}
	if f.Symbol != "" {
		where += ` AND symbol = $2`
		args = append(args, f.Symbol)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trades WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	args = append(args, pageLimit(f.Limit), max(f.Offset, 0))
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, symbol, name, side, order_type,
		        quantity::TEXT, price::TEXT, total_amount::TEXT,
		        status, created_at, executed_at
		 FROM trades WHERE %s
		 ORDER BY created_at DESC, id
		 LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var qty, price, amount string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.Name, &t.Side, &t.OrderType,
			&qty, &price, &amount,
			&t.Status, &t.CreatedAt, &t.ExecutedAt); err != nil {
			return nil, 0, err
		}
		t.Quantity = dec(qty)
		t.Price = dec(price)
		t.TotalAmount = dec(amount)
		trades = append(trades, t)
	}
	return trades, total, rows.Err()
}

func (s *PostgresStore) ListOptionTrades(ctx context.Context, accountID string, f OptionTradeFilter) ([]model.OptionTrade, int, error) {
	where := `account_id = $1`
	args := []any{accountID}
	if f.Underlying != "" {
		where += ` AND underlying_symbol = $2`
		args = append(args, f.Underlying)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM option_trades WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count option trades: %w", err)
	}

	args = append(args, pageLimit(f.Limit), max(f.Offset, 0))
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, contract_id, contract_symbol, underlying_symbol,
		        action, order_type, quantity,
		        premium::TEXT, commission::TEXT, total_amount::TEXT,
		        status, assigned_shares, assignment_price::TEXT,
		        created_at, executed_at
		 FROM option_trades WHERE %s
		 ORDER BY created_at DESC, id
		 LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list option trades: %w", err)
	}
	defer rows.Close()

	trades := []model.OptionTrade{}
	for rows.Next() {
		var t model.OptionTrade
		var premium, commission, amount string
		var assignmentPrice *string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.ContractID, &t.ContractSymbol, &t.UnderlyingSymbol,
			&t.Action, &t.OrderType, &t.Quantity,
			&premium, &commission, &amount,
			&t.Status, &t.AssignedShares, &assignmentPrice,
			&t.CreatedAt, &t.ExecutedAt); err != nil {
			return nil, 0, err
		}
		t.Premium = dec(premium)
		t.Commission = dec(commission)
		t.TotalAmount = dec(amount)
		if assignmentPrice != nil {
			p := dec(*assignmentPrice)
			t.AssignmentPrice = &p
		}
		trades = append(trades, t)
	}
	return trades, total, rows.Err()
}

// --- Option contract registry ---

const contractColumns = `id, contract_symbol, underlying_symbol, option_type,
		strike_price::TEXT, expiration_date, multiplier, created_at`

func scanContract(row pgx.Row) (*model.OptionContract, error) {
	var c model.OptionContract
	var strike string
	if err := row.Scan(&c.ID, &c.ContractSymbol, &c.UnderlyingSymbol, &c.OptionType,
		&strike, &c.ExpirationDate, &c.Multiplier, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.StrikePrice = dec(strike)
	return &c, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, symbol string) (*model.OptionContract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM option_contracts WHERE contract_symbol = $1`, symbol))
	if err != nil {
		return nil, wrapNotFound(err, "get contract "+symbol)
	}
	return c, nil
}

func (s *PostgresStore) EnsureContract(ctx context.Context, c *model.OptionContract) (*model.OptionContract, bool, error) {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	expiry := model.CivilDate(c.ExpirationDate)

	// Either unique constraint (symbol or terms) makes this a no-op.
	created, err := scanContract(s.pool.QueryRow(ctx,
		`INSERT INTO option_contracts (id, contract_symbol, underlying_symbol, option_type,
		        strike_price, expiration_date, multiplier, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT DO NOTHING
		 RETURNING `+contractColumns,
		id, c.ContractSymbol, c.UnderlyingSymbol, c.OptionType,
		c.StrikePrice.String(), expiry, c.Multiplier, createdAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert contract %s: %w", c.ContractSymbol, err)
	}

	existing, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM option_contracts
		 WHERE contract_symbol = $1
		    OR (underlying_symbol = $2 AND option_type = $3
		        AND strike_price = $4::NUMERIC AND expiration_date = $5)
		 LIMIT 1`,
		c.ContractSymbol, c.UnderlyingSymbol, c.OptionType, c.StrikePrice.String(), expiry,
	))
	if err != nil {
		return nil, false, wrapNotFound(err, "resolve contract "+c.ContractSymbol)
	}
	return existing, false, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.OptionContract, error) {
	var conds []string
	var args []any
	if f.Underlying != "" {
		args = append(args, f.Underlying)
		conds = append(conds, fmt.Sprintf("underlying_symbol = $%d", len(args)))
	}
	if f.OptionType != "" {
		args = append(args, f.OptionType)
		conds = append(conds, fmt.Sprintf("option_type = $%d", len(args)))
	}
	if !f.Expiration.IsZero() {
		args = append(args, model.CivilDate(f.Expiration))
		conds = append(conds, fmt.Sprintf("expiration_date = $%d", len(args)))
	}

	q := `SELECT ` + contractColumns + ` FROM option_contracts`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY underlying_symbol, expiration_date, strike_price`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []model.OptionContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

// --- Shared position queries ---

const stockPositionColumns = `id, account_id, symbol, name,
		quantity::TEXT, average_cost::TEXT, current_price::TEXT,
		opened_at, updated_at`

func scanStockPosition(row pgx.Row) (*model.StockPosition, error) {
	var p model.StockPosition
	var qty, avg, price string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &p.Name,
		&qty, &avg, &price,
		&p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity = dec(qty)
	p.AverageCost = dec(avg)
	p.CurrentPrice = dec(price)
	return &p, nil
}

func listStockPositions(ctx context.Context, q querier, accountID string) ([]model.StockPosition, error) {
	rows, err := q.Query(ctx,
		`SELECT `+stockPositionColumns+` FROM stock_positions
		 WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list stock positions: %w", err)
	}
	defer rows.Close()

	var positions []model.StockPosition
	for rows.Next() {
		p, err := scanStockPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const optionPositionSelect = `SELECT p.id, p.account_id, p.contract_id, p.position_type, p.quantity,
		p.average_cost::TEXT, p.current_price::TEXT, p.opened_at, p.updated_at,
		c.id, c.contract_symbol, c.underlying_symbol, c.option_type,
		c.strike_price::TEXT, c.expiration_date, c.multiplier, c.created_at
	 FROM option_positions p
	 JOIN option_contracts c ON c.id = p.contract_id`

func scanOptionPosition(row pgx.Row) (*model.OptionPosition, error) {
	var p model.OptionPosition
	var avg, price, strike string
	c := &p.Contract
	if err := row.Scan(&p.ID, &p.AccountID, &p.ContractID, &p.PositionType, &p.Quantity,
		&avg, &price, &p.OpenedAt, &p.UpdatedAt,
		&c.ID, &c.ContractSymbol, &c.UnderlyingSymbol, &c.OptionType,
		&strike, &c.ExpirationDate, &c.Multiplier, &c.CreatedAt); err != nil {
		return nil, err
	}
	p.AverageCost = dec(avg)
	p.CurrentPrice = dec(price)
	c.StrikePrice = dec(strike)
	return &p, nil
}

func listOptionPositions(ctx context.Context, q querier, accountID string) ([]model.OptionPosition, error) {
	rows, err := q.Query(ctx,
		optionPositionSelect+` WHERE p.account_id = $1
		 ORDER BY c.contract_symbol, p.position_type`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list option positions: %w", err)
	}
	defer rows.Close()

	var positions []model.OptionPosition
	for rows.Next() {
		p, err := scanOptionPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// pgTx is the Tx handed to InAccountTx callbacks. The account row is held
// FOR UPDATE until commit or rollback.
type pgTx struct {
	tx      pgx.Tx
	account model.Account
}

func (t *pgTx) Account() *model.Account {
	a := t.account
	return &a
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	if a.ID != t.account.ID {
		return fmt.Errorf("update account %s outside transaction scope", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		a.ID, a.Balance.StringFixed(model.CurrencyScale), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	t.account = *a
	return nil
}

func (t *pgTx) GetStockPosition(ctx context.Context, symbol string) (*model.StockPosition, error) {
	p, err := scanStockPosition(t.tx.QueryRow(ctx,
		`SELECT `+stockPositionColumns+` FROM stock_positions
		 WHERE account_id = $1 AND symbol = $2`, t.account.ID, symbol))
	if err != nil {
		return nil, wrapNotFound(err, "position "+symbol)
	}
	return p, nil
}

func (t *pgTx) ListStockPositions(ctx context.Context) ([]model.StockPosition, error) {
	return listStockPositions(ctx, t.tx, t.account.ID)
}

func (t *pgTx) SaveStockPosition(ctx context.Context, p *model.StockPosition) error {
	p.AccountID = t.account.ID
	p.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_positions (id, account_id, symbol, name, quantity, average_cost, current_price, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, quantity = EXCLUDED.quantity,
		     average_cost = EXCLUDED.average_cost, current_price = EXCLUDED.current_price,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.AccountID, p.Symbol, p.Name,
		p.Quantity.String(), p.AverageCost.String(), p.CurrentPrice.String(),
		p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Symbol, err)
	}
	return nil
}

func (t *pgTx) DeleteStockPosition(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM stock_positions WHERE id = $1 AND account_id = $2`, id, t.account.ID)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	tr.AccountID = t.account.ID
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, symbol, name, side, order_type,
		        quantity, price, total_amount, status, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		tr.ID, tr.AccountID, tr.Symbol, tr.Name, tr.Side, tr.OrderType,
		tr.Quantity.String(), tr.Price.String(), tr.TotalAmount.String(),
		tr.Status, tr.CreatedAt, tr.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *pgTx) GetOptionPosition(ctx context.Context, contractID string, posType model.PositionType) (*model.OptionPosition, error) {
	p, err := scanOptionPosition(t.tx.QueryRow(ctx,
		optionPositionSelect+` WHERE p.account_id = $1 AND p.contract_id = $2 AND p.position_type = $3`,
		t.account.ID, contractID, posType))
	if err != nil {
		return nil, wrapNotFound(err, fmt.Sprintf("%s position in contract %s", posType, contractID))
	}
	return p, nil
}

func (t *pgTx) GetOptionPositionByID(ctx context.Context, id string) (*model.OptionPosition, error) {
	p, err := scanOptionPosition(t.tx.QueryRow(ctx,
		optionPositionSelect+` WHERE p.account_id = $1 AND p.id = $2`, t.account.ID, id))
	if err != nil {
		return nil, wrapNotFound(err, "option position "+id)
	}
	return p, nil
}

func (t *pgTx) ListOptionPositions(ctx context.Context) ([]model.OptionPosition, error) {
	return listOptionPositions(ctx, t.tx, t.account.ID)
}

func (t *pgTx) SaveOptionPosition(ctx context.Context, p *model.OptionPosition) error {
	if p.Contract.ID != p.ContractID {
		c, err := scanContract(t.tx.QueryRow(ctx,
			`SELECT `+contractColumns+` FROM option_contracts WHERE id = $1`, p.ContractID))
		if err != nil {
			return wrapNotFound(err, "contract "+p.ContractID)
		}
		p.Contract = *c
	}
	p.AccountID = t.account.ID
	p.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx,
		`INSERT INTO option_positions (id, account_id, contract_id, position_type, quantity,
		        average_cost, current_price, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost,
		     current_price = EXCLUDED.current_price, updated_at = EXCLUDED.updated_at`,
		p.ID, p.AccountID, p.ContractID, p.PositionType, p.Quantity,
		p.AverageCost.String(), p.CurrentPrice.String(),
		p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save option position %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) DeleteOptionPosition(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM option_positions WHERE id = $1 AND account_id = $2`, id, t.account.ID)
	return err
}

func (t *pgTx) InsertOptionTrade(ctx context.Context, tr *model.OptionTrade) error {
	tr.AccountID = t.account.ID
	var assignmentPrice *string
	if tr.AssignmentPrice != nil {
		s := tr.AssignmentPrice.String()
		assignmentPrice = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO option_trades (id, account_id, contract_id, contract_symbol, underlying_symbol,
		        action, order_type, quantity, premium, commission, total_amount,
		        status, assigned_shares, assignment_price, created_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14::NUMERIC, $15, $16)`,
		tr.ID, tr.AccountID, tr.ContractID, tr.ContractSymbol, tr.UnderlyingSymbol,
		tr.Action, tr.OrderType, tr.Quantity,
		tr.Premium.String(), tr.Commission.String(), tr.TotalAmount.String(),
		tr.Status, tr.AssignedShares, assignmentPrice,
		tr.CreatedAt, tr.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert option trade: %w", err)
	}
	return nil
}
