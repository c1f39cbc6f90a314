package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redlytic/analyzer-bot/types"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient coin balance")
	ErrAlreadyProcessed    = errors.New("payment already processed")
	ErrForbidden           = errors.New("admin privileges required")
	ErrCommandCostNotFound = errors.New("command cost not configured")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

type RegisterUserParams struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	AddedBy   *int64
}

type SpendParams struct {
	UserID      int64
	Command     string
	Params      string
	Cost        int64
	Description string
}

type SpendResult struct {
	NewBalance int64
	Spent      int64
	Unlimited  bool
}

// CreditPurchaseParams describes a completed external payment.
// PaymentIntent is the idempotency key: crediting the same intent twice
// must apply exactly once.
type CreditPurchaseParams struct {
	UserID        int64
	PaymentIntent string
	SessionID     string
	Coins         int64
	BonusCoins    int64
	AmountUSD     decimal.Decimal
	NewExpiry     *time.Time
	Description   string
}

type CreditResult struct {
	NewBalance int64
}

type AdjustParams struct {
	AdminID      int64
	TargetUserID int64
	Delta        int64
	Reason       string
}

type AdjustResult struct {
	Applied    int64
	NewBalance int64
}

// LedgerStore is the contract every backend (Postgres, in-memory) must
// satisfy. Balance-mutating operations serialize per user and apply all
// derived rows (transaction log, usage log, payment row) atomically with
// the balance update, or not at all.
type LedgerStore interface {
	// --- Users ---
	RegisterUser(ctx context.Context, params RegisterUserParams) (user *types.User, created bool, err error)
	GetUser(ctx context.Context, userID int64) (*types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	SetAdmin(ctx context.Context, adminID, userID int64, admin bool) error
	DeactivateUser(ctx context.Context, adminID, userID int64) error

	// --- Ledger ---
	GetBalance(ctx context.Context, userID int64) (int64, error)
	Spend(ctx context.Context, params SpendParams) (*SpendResult, error)
	CreditPurchase(ctx context.Context, params CreditPurchaseParams) (*CreditResult, error)
	GrantFreeCoins(ctx context.Context, userID, amount int64, expiresAt time.Time) (granted bool, newBalance int64, err error)
	Adjust(ctx context.Context, params AdjustParams) (*AdjustResult, error)
	ExpireIfDue(ctx context.Context, userID int64) (forfeited int64, err error)
	UsersDueForExpiry(ctx context.Context, limit int) ([]int64, error)

	// --- Command costs ---
	GetCommandCost(ctx context.Context, command string) (*types.CommandCost, error)
	ListCommandCosts(ctx context.Context) ([]types.CommandCost, error)
	UpsertCommandCost(ctx context.Context, cost types.CommandCost) error

	// --- Packages and payments ---
	ListActivePackages(ctx context.Context) ([]types.CoinPackage, error)
	CreatePendingPayment(ctx context.Context, rec types.PaymentRecord) error
	MarkPaymentFailed(ctx context.Context, paymentIntent, sessionID string) error
	GetPayment(ctx context.Context, paymentIntent string) (*types.PaymentRecord, error)

	// --- Reporting ---
	TransactionHistory(ctx context.Context, userID int64, limit int) ([]types.CoinTransaction, error)
	RecentUsage(ctx context.Context, limit int) ([]types.UsageLog, error)
	AdminActions(ctx context.Context, limit int) ([]types.AdminAction, error)
	Stats(ctx context.Context) (*types.BotStats, error)
	SetStat(ctx context.Context, name, value string) error
}

// CostSource resolves a command's coin cost. The Redis cache and the
// LedgerStore backends both satisfy it.
type CostSource interface {
	GetCommandCost(ctx context.Context, command string) (*types.CommandCost, error)
}
