package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/redlytic/analyzer-bot/types"
)

// PostgresStore is the production LedgerStore backend. Every balance
// mutation runs inside a transaction holding a FOR UPDATE lock on the
// user row, so concurrent debits and credits for the same user serialize.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

const userColumns = `user_id, username, first_name, last_name, is_admin, is_active,
added_date, added_by, last_seen, coin_balance, coins_expire_at,
total_coins_purchased, free_coins_claimed`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(&u.UserID, &u.Username, &u.FirstName, &u.LastName,
		&u.IsAdmin, &u.IsActive, &u.AddedDate, &u.AddedBy, &u.LastSeen,
		&u.CoinBalance, &u.CoinsExpireAt, &u.TotalCoinsPurchased, &u.FreeCoinsClaimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return &u, nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID int64) (*types.User, error) {
	return scanUser(tx.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE user_id = $1
FOR UPDATE
`, userID))
}

// expireLocked forfeits a lapsed balance inside an open transaction.
// The caller must hold the FOR UPDATE lock on the user row.
func expireLocked(ctx context.Context, tx pgx.Tx, u *types.User, now time.Time) (int64, error) {
	if !u.CoinsExpired(now) || u.CoinBalance <= 0 {
		return 0, nil
	}
	forfeited := u.CoinBalance
	_, err := tx.Exec(ctx, `
UPDATE users SET coin_balance = 0 WHERE user_id = $1
`, u.UserID)
	if err != nil {
		return 0, storageErr(err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO coin_transactions (user_id, transaction_type, amount, balance_after, description)
VALUES ($1, $2, $3, 0, $4)
`, u.UserID, types.TxTypeExpiryReversal, -forfeited,
		fmt.Sprintf("Coins expired on %s", u.CoinsExpireAt.Format("2006-01-02")))
	if err != nil {
		return 0, storageErr(err)
	}
	u.CoinBalance = 0
	return forfeited, nil
}

// --- Users ---

func (s *PostgresStore) RegisterUser(ctx context.Context, p RegisterUserParams) (*types.User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)
`, p.UserID).Scan(&exists)
	if err != nil {
		return nil, false, storageErr(err)
	}

	u, err := scanUser(tx.QueryRow(ctx, `
INSERT INTO users (user_id, username, first_name, last_name, added_by, last_seen)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (user_id) DO UPDATE SET
  username = EXCLUDED.username,
  first_name = EXCLUDED.first_name,
  last_name = EXCLUDED.last_name,
  last_seen = NOW()
RETURNING `+userColumns, p.UserID, p.Username, p.FirstName, p.LastName, p.AddedBy))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, storageErr(err)
	}
	return u, !exists, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return scanUser(s.pool.QueryRow(ctx, `
SELECT `+userColumns+` FROM users WHERE user_id = $1
`, userID))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
ORDER BY is_admin DESC, added_date DESC
`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetAdmin(ctx context.Context, adminID, userID int64, admin bool) error {
	action := types.AdminActionMakeAdmin
	if !admin {
		action = types.AdminActionRemoveAdmin
	}
	return s.userFlagUpdate(ctx, adminID, userID, action, `
UPDATE users SET is_admin = $2 WHERE user_id = $1
`, userID, admin)
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, adminID, userID int64) error {
	return s.userFlagUpdate(ctx, adminID, userID, types.AdminActionDeactivateUser, `
UPDATE users SET is_active = FALSE WHERE user_id = $1
`, userID)
}

func (s *PostgresStore) userFlagUpdate(ctx context.Context, adminID, userID int64, action, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	_, err = tx.Exec(ctx, `
INSERT INTO admin_actions (admin_id, action, details)
VALUES ($1, $2, $3)
`, adminID, action, fmt.Sprintf("target user %d", userID))
	if err != nil {
		return storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var balance int64
	err := s.pool.QueryRow(ctx, `
SELECT coin_balance FROM users WHERE user_id = $1
`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return balance, nil
}

func (s *PostgresStore) Spend(ctx context.Context, p SpendParams) (*SpendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := lockUser(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}

	forfeited, err := expireLocked(ctx, tx, u, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if u.IsAdmin {
		if err := insertUsage(ctx, tx, u, p.Command, p.Params, 0); err != nil {
			return nil, err
		}
		if err := touchLastSeen(ctx, tx, u.UserID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, storageErr(err)
		}
		return &SpendResult{NewBalance: u.CoinBalance, Spent: 0, Unlimited: true}, nil
	}

	if u.CoinBalance < p.Cost {
		// The lapse is housekeeping, not part of the failed debit; it
		// commits even though the debit does not.
		if forfeited > 0 {
			if err := tx.Commit(ctx); err != nil {
				return nil, storageErr(err)
			}
		}
		return nil, ErrInsufficientBalance
	}

	newBalance := u.CoinBalance - p.Cost
	if p.Cost > 0 {
		_, err = tx.Exec(ctx, `
UPDATE users SET coin_balance = $2, last_seen = NOW() WHERE user_id = $1
`, p.UserID, newBalance)
		if err != nil {
			return nil, storageErr(err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO coin_transactions (user_id, transaction_type, amount, balance_after, description)
VALUES ($1, $2, $3, $4, $5)
`, p.UserID, types.TxTypeSpend, -p.Cost, newBalance, p.Description)
		if err != nil {
			return nil, storageErr(err)
		}
	} else if err := touchLastSeen(ctx, tx, p.UserID); err != nil {
		return nil, err
	}

	if err := insertUsage(ctx, tx, u, p.Command, p.Params, p.Cost); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	return &SpendResult{NewBalance: newBalance, Spent: p.Cost}, nil
}

func insertUsage(ctx context.Context, tx pgx.Tx, u *types.User, command, params string, spent int64) error {
	_, err := tx.Exec(ctx, `
INSERT INTO usage_logs (user_id, username, first_name, command, params, coins_spent)
VALUES ($1, $2, $3, $4, $5, $6)
`, u.UserID, u.Username, u.FirstName, command, params, spent)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func touchLastSeen(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx, `
UPDATE users SET last_seen = NOW() WHERE user_id = $1
`, userID)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *PostgresStore) CreditPurchase(ctx context.Context, p CreditPurchaseParams) (*CreditResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied, err := settlePayment(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A completed row already exists for this payment id; report the
		// current balance without touching it.
		balance, berr := s.GetBalance(ctx, p.UserID)
		if berr != nil {
			return nil, berr
		}
		return &CreditResult{NewBalance: balance}, ErrAlreadyProcessed
	}

	u, err := lockUser(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := expireLocked(ctx, tx, u, time.Now().UTC()); err != nil {
		return nil, err
	}

	total := p.Coins + p.BonusCoins
	newBalance := u.CoinBalance + total
	if p.NewExpiry != nil {
		_, err = tx.Exec(ctx, `
UPDATE users SET
  coin_balance = $2,
  total_coins_purchased = total_coins_purchased + $3,
  coins_expire_at = $4,
  last_seen = NOW()
WHERE user_id = $1
`, p.UserID, newBalance, total, *p.NewExpiry)
	} else {
		_, err = tx.Exec(ctx, `
UPDATE users SET
  coin_balance = $2,
  total_coins_purchased = total_coins_purchased + $3,
  last_seen = NOW()
WHERE user_id = $1
`, p.UserID, newBalance, total)
	}
	if err != nil {
		return nil, storageErr(err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO coin_transactions (user_id, transaction_type, amount, balance_after, description, payment_id)
VALUES ($1, $2, $3, $4, $5, $6)
`, p.UserID, types.TxTypePurchase, total, newBalance, p.Description, p.PaymentIntent)
	if err != nil {
		return nil, storageErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	return &CreditResult{NewBalance: newBalance}, nil
}

// settlePayment moves the payment_history row for this external payment id
// to completed. Returns false when a completed row already exists, which is
// the idempotent-retry case.
func settlePayment(ctx context.Context, tx pgx.Tx, p CreditPurchaseParams) (bool, error) {
	var status string
	err := tx.QueryRow(ctx, `
SELECT status FROM payment_history WHERE payment_intent = $1 FOR UPDATE
`, p.PaymentIntent).Scan(&status)
	switch {
	case err == nil:
		if status == string(types.PaymentCompleted) {
			return false, nil
		}
		_, err = tx.Exec(ctx, `
UPDATE payment_history SET
  status = $2,
  amount_usd = $3,
  coins_purchased = $4,
  completed_at = NOW()
WHERE payment_intent = $1
`, p.PaymentIntent, types.PaymentCompleted, p.AmountUSD.StringFixed(2), p.Coins+p.BonusCoins)
		if err != nil {
			return false, storageErr(err)
		}
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return false, storageErr(err)
	}

	// A checkout flow may have left a pending row keyed only by session id.
	if p.SessionID != "" {
		tag, err := tx.Exec(ctx, `
UPDATE payment_history SET
  payment_intent = $1,
  status = $2,
  amount_usd = $3,
  coins_purchased = $4,
  completed_at = NOW()
WHERE session_id = $5 AND status = $6
`, p.PaymentIntent, types.PaymentCompleted, p.AmountUSD.StringFixed(2),
			p.Coins+p.BonusCoins, p.SessionID, types.PaymentPending)
		if err != nil {
			return false, storageErr(err)
		}
		if tag.RowsAffected() > 0 {
			return true, nil
		}
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO payment_history (user_id, payment_intent, session_id, amount_usd, coins_purchased, status, completed_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NOW())
ON CONFLICT (payment_intent) DO NOTHING
`, p.UserID, p.PaymentIntent, p.SessionID, p.AmountUSD.StringFixed(2),
		p.Coins+p.BonusCoins, types.PaymentCompleted)
	if err != nil {
		return false, storageErr(err)
	}
	// Zero rows means a concurrent credit for the same payment id won the
	// insert race.
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GrantFreeCoins(ctx context.Context, userID, amount int64, expiresAt time.Time) (bool, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := lockUser(ctx, tx, userID)
	if err != nil {
		return false, 0, err
	}
	if u.FreeCoinsClaimed {
		return false, u.CoinBalance, nil
	}

	newBalance := u.CoinBalance + amount
	_, err = tx.Exec(ctx, `
UPDATE users SET
  coin_balance = $2,
  free_coins_claimed = TRUE,
  coins_expire_at = $3
WHERE user_id = $1
`, userID, newBalance, expiresAt)
	if err != nil {
		return false, 0, storageErr(err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO coin_transactions (user_id, transaction_type, amount, balance_after, description)
VALUES ($1, $2, $3, $4, 'Welcome bonus coins')
`, userID, types.TxTypeGrant, amount, newBalance)
	if err != nil {
		return false, 0, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, storageErr(err)
	}
	return true, newBalance, nil
}

func (s *PostgresStore) Adjust(ctx context.Context, p AdjustParams) (*AdjustResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := lockUser(ctx, tx, p.TargetUserID)
	if err != nil {
		return nil, err
	}
	if _, err := expireLocked(ctx, tx, u, time.Now().UTC()); err != nil {
		return nil, err
	}

	// A negative delta may drain the balance to zero but never below.
	applied := p.Delta
	if applied < -u.CoinBalance {
		applied = -u.CoinBalance
	}
	newBalance := u.CoinBalance + applied

	if applied != 0 {
		_, err = tx.Exec(ctx, `
UPDATE users SET coin_balance = $2 WHERE user_id = $1
`, p.TargetUserID, newBalance)
		if err != nil {
			return nil, storageErr(err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO coin_transactions (user_id, transaction_type, amount, balance_after, description)
VALUES ($1, $2, $3, $4, $5)
`, p.TargetUserID, types.TxTypeAdminAdjust, applied, newBalance, p.Reason)
		if err != nil {
			return nil, storageErr(err)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO admin_actions (admin_id, action, details)
VALUES ($1, $2, $3)
`, p.AdminID, types.AdminActionAdjustCoins,
		fmt.Sprintf("adjusted user %d by %d (%s)", p.TargetUserID, applied, p.Reason))
	if err != nil {
		return nil, storageErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	return &AdjustResult{Applied: applied, NewBalance: newBalance}, nil
}

func (s *PostgresStore) ExpireIfDue(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := lockUser(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	forfeited, err := expireLocked(ctx, tx, u, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr(err)
	}
	return forfeited, nil
}

func (s *PostgresStore) UsersDueForExpiry(ctx context.Context, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT user_id FROM users
WHERE NOT is_admin
  AND coin_balance > 0
  AND coins_expire_at IS NOT NULL
  AND coins_expire_at < NOW()
LIMIT $1
`, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Command costs ---

func (s *PostgresStore) GetCommandCost(ctx context.Context, command string) (*types.CommandCost, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var c types.CommandCost
	var desc *string
	err := s.pool.QueryRow(ctx, `
SELECT command, cost, description FROM command_costs WHERE command = $1
`, command).Scan(&c.Command, &c.Cost, &desc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCommandCostNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if desc != nil {
		c.Description = *desc
	}
	return &c, nil
}

func (s *PostgresStore) ListCommandCosts(ctx context.Context) ([]types.CommandCost, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT command, cost, COALESCE(description, '') FROM command_costs ORDER BY command
`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var costs []types.CommandCost
	for rows.Next() {
		var c types.CommandCost
		if err := rows.Scan(&c.Command, &c.Cost, &c.Description); err != nil {
			return nil, storageErr(err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func (s *PostgresStore) UpsertCommandCost(ctx context.Context, cost types.CommandCost) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO command_costs (command, cost, description)
VALUES ($1, $2, $3)
ON CONFLICT (command) DO UPDATE SET
  cost = EXCLUDED.cost,
  description = EXCLUDED.description
`, cost.Command, cost.Cost, cost.Description)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// --- Packages and payments ---

func (s *PostgresStore) ListActivePackages(ctx context.Context) ([]types.CoinPackage, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, package_name, coins, price_usd::text, bonus_coins, is_active, created_at
FROM coin_packages
WHERE is_active = TRUE
ORDER BY price_usd ASC
`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var packages []types.CoinPackage
	for rows.Next() {
		var p types.CoinPackage
		var price string
		if err := rows.Scan(&p.ID, &p.Name, &p.Coins, &price, &p.BonusCoins, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		p.PriceUSD, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", price, err)
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *PostgresStore) CreatePendingPayment(ctx context.Context, rec types.PaymentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO payment_history (user_id, session_id, amount_usd, coins_purchased, status)
VALUES ($1, $2, $3, $4, $5)
`, rec.UserID, rec.SessionID, rec.AmountUSD.StringFixed(2), rec.CoinsPurchased, types.PaymentPending)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *PostgresStore) MarkPaymentFailed(ctx context.Context, paymentIntent, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Only pending payments may fail; completed ones never move backward.
	tag, err := s.pool.Exec(ctx, `
UPDATE payment_history SET status = $1, completed_at = NOW()
WHERE (payment_intent = NULLIF($2, '') OR session_id = NULLIF($3, ''))
  AND status = $4
`, types.PaymentFailed, paymentIntent, sessionID, types.PaymentPending)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `
SELECT status FROM payment_history
WHERE payment_intent = NULLIF($1, '') OR session_id = NULLIF($2, '')
`, paymentIntent, sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return storageErr(err)
	}
	if status == string(types.PaymentCompleted) {
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, paymentIntent string) (*types.PaymentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec types.PaymentRecord
	var intent, session *string
	var amount *string
	var coins *int64
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, payment_intent, session_id, amount_usd::text, coins_purchased, status, created_at, completed_at
FROM payment_history
WHERE payment_intent = $1
`, paymentIntent).Scan(&rec.ID, &rec.UserID, &intent, &session, &amount, &coins, &rec.Status, &rec.CreatedAt, &rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if intent != nil {
		rec.PaymentIntent = *intent
	}
	if session != nil {
		rec.SessionID = *session
	}
	if coins != nil {
		rec.CoinsPurchased = *coins
	}
	if amount != nil {
		rec.AmountUSD, err = decimal.NewFromString(*amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", *amount, err)
		}
	}
	return &rec, nil
}

// --- Reporting ---

func (s *PostgresStore) TransactionHistory(ctx context.Context, userID int64, limit int) ([]types.CoinTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, transaction_type, amount, balance_after,
       COALESCE(description, ''), COALESCE(payment_id, ''), created_at
FROM coin_transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var txs []types.CoinTransaction
	for rows.Next() {
		var t types.CoinTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.TransactionType, &t.Amount,
			&t.BalanceAfter, &t.Description, &t.PaymentID, &t.CreatedAt); err != nil {
			return nil, storageErr(err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) RecentUsage(ctx context.Context, limit int) ([]types.UsageLog, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, COALESCE(username, ''), COALESCE(first_name, ''),
       command, COALESCE(params, ''), coins_spent, timestamp
FROM usage_logs
ORDER BY timestamp DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var logs []types.UsageLog
	for rows.Next() {
		var l types.UsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &l.FirstName,
			&l.Command, &l.Params, &l.CoinsSpent, &l.Timestamp); err != nil {
			return nil, storageErr(err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) AdminActions(ctx context.Context, limit int) ([]types.AdminAction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, admin_id, action, COALESCE(details, ''), timestamp
FROM admin_actions
ORDER BY timestamp DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var actions []types.AdminAction
	for rows.Next() {
		var a types.AdminAction
		if err := rows.Scan(&a.ID, &a.AdminID, &a.Action, &a.Details, &a.Timestamp); err != nil {
			return nil, storageErr(err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*types.BotStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var stats types.BotStats
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM users WHERE is_active = TRUE),
  (SELECT COUNT(*) FROM usage_logs WHERE timestamp > NOW() - INTERVAL '24 hours')
`).Scan(&stats.TotalUsers, &stats.ActiveUsers, &stats.Commands24h)
	if err != nil {
		return nil, storageErr(err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT command, COUNT(*) AS count
FROM usage_logs
WHERE timestamp > NOW() - INTERVAL '7 days'
GROUP BY command
ORDER BY count DESC
LIMIT 5
`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var c types.CommandCount
		if err := rows.Scan(&c.Command, &c.Count); err != nil {
			return nil, storageErr(err)
		}
		stats.TopCommands = append(stats.TopCommands, c)
	}
	return &stats, rows.Err()
}

func (s *PostgresStore) SetStat(ctx context.Context, name, value string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO bot_stats (stat_name, stat_value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (stat_name) DO UPDATE SET
  stat_value = EXCLUDED.stat_value,
  updated_at = NOW()
`, name, value)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

var _ LedgerStore = (*PostgresStore)(nil)
