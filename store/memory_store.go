package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redlytic/analyzer-bot/types"
)

// MemoryStore is a LedgerStore backend that keeps everything in process
// memory. One mutex serializes every operation, which is the whole of the
// per-user serialization requirement for a single process. Used by the test
// suite and for running the bot without a database.
type MemoryStore struct {
	mu sync.Mutex

	users        map[int64]*types.User
	transactions map[int64][]types.CoinTransaction
	payments     []*types.PaymentRecord
	costs        map[string]types.CommandCost
	packages     []types.CoinPackage
	usage        []types.UsageLog
	adminActions []types.AdminAction
	stats        map[string]string
	nextID       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]*types.User),
		transactions: make(map[int64][]types.CoinTransaction),
		costs:        make(map[string]types.CommandCost),
		stats:        make(map[string]string),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) appendTx(userID int64, txType types.TransactionType, amount, balanceAfter int64, description, paymentID string) {
	s.transactions[userID] = append(s.transactions[userID], types.CoinTransaction{
		ID:              s.id(),
		UserID:          userID,
		TransactionType: txType,
		Amount:          amount,
		BalanceAfter:    balanceAfter,
		Description:     description,
		PaymentID:       paymentID,
		CreatedAt:       time.Now().UTC(),
	})
}

// expireLocked mirrors the Postgres backend: forfeits a lapsed balance and
// logs the reversal. Caller holds s.mu.
func (s *MemoryStore) expireLocked(u *types.User, now time.Time) int64 {
	if !u.CoinsExpired(now) || u.CoinBalance <= 0 {
		return 0
	}
	forfeited := u.CoinBalance
	u.CoinBalance = 0
	s.appendTx(u.UserID, types.TxTypeExpiryReversal, -forfeited, 0,
		fmt.Sprintf("Coins expired on %s", u.CoinsExpireAt.Format("2006-01-02")), "")
	return forfeited
}

// --- Users ---

func (s *MemoryStore) RegisterUser(_ context.Context, p RegisterUserParams) (*types.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if u, ok := s.users[p.UserID]; ok {
		u.Username = p.Username
		u.FirstName = p.FirstName
		u.LastName = p.LastName
		u.LastSeen = &now
		copied := *u
		return &copied, false, nil
	}
	u := &types.User{
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		IsActive:  true,
		AddedDate: now,
		AddedBy:   p.AddedBy,
		LastSeen:  &now,
	}
	s.users[p.UserID] = u
	copied := *u
	return &copied, true, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID int64) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]types.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].IsAdmin != users[j].IsAdmin {
			return users[i].IsAdmin
		}
		return users[i].AddedDate.After(users[j].AddedDate)
	})
	return users, nil
}

func (s *MemoryStore) SetAdmin(_ context.Context, adminID, userID int64, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.IsAdmin = admin
	action := types.AdminActionMakeAdmin
	if !admin {
		action = types.AdminActionRemoveAdmin
	}
	s.logAdminAction(adminID, action, fmt.Sprintf("target user %d", userID))
	return nil
}

func (s *MemoryStore) DeactivateUser(_ context.Context, adminID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.IsActive = false
	s.logAdminAction(adminID, types.AdminActionDeactivateUser, fmt.Sprintf("target user %d", userID))
	return nil
}

func (s *MemoryStore) logAdminAction(adminID int64, action, details string) {
	s.adminActions = append(s.adminActions, types.AdminAction{
		ID:        s.id(),
		AdminID:   adminID,
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// --- Ledger ---

func (s *MemoryStore) GetBalance(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return u.CoinBalance, nil
}

func (s *MemoryStore) Spend(_ context.Context, p SpendParams) (*SpendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	now := time.Now().UTC()
	s.expireLocked(u, now)

	if u.IsAdmin {
		s.logUsage(u, p.Command, p.Params, 0)
		u.LastSeen = &now
		return &SpendResult{NewBalance: u.CoinBalance, Spent: 0, Unlimited: true}, nil
	}

	if u.CoinBalance < p.Cost {
		return nil, ErrInsufficientBalance
	}

	u.CoinBalance -= p.Cost
	u.LastSeen = &now
	if p.Cost > 0 {
		s.appendTx(p.UserID, types.TxTypeSpend, -p.Cost, u.CoinBalance, p.Description, "")
	}
	s.logUsage(u, p.Command, p.Params, p.Cost)
	return &SpendResult{NewBalance: u.CoinBalance, Spent: p.Cost}, nil
}

func (s *MemoryStore) logUsage(u *types.User, command, params string, spent int64) {
	s.usage = append(s.usage, types.UsageLog{
		ID:         s.id(),
		UserID:     u.UserID,
		Username:   u.Username,
		FirstName:  u.FirstName,
		Command:    command,
		Params:     params,
		CoinsSpent: spent,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *MemoryStore) findPaymentByIntent(intent string) *types.PaymentRecord {
	for _, rec := range s.payments {
		if rec.PaymentIntent == intent {
			return rec
		}
	}
	return nil
}

func (s *MemoryStore) findPaymentBySession(sessionID string) *types.PaymentRecord {
	for _, rec := range s.payments {
		if rec.SessionID == sessionID {
			return rec
		}
	}
	return nil
}

func (s *MemoryStore) CreditPurchase(_ context.Context, p CreditPurchaseParams) (*CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	now := time.Now().UTC()
	total := p.Coins + p.BonusCoins

	rec := s.findPaymentByIntent(p.PaymentIntent)
	if rec == nil && p.SessionID != "" {
		rec = s.findPaymentBySession(p.SessionID)
	}
	if rec != nil && rec.Status == types.PaymentCompleted {
		return &CreditResult{NewBalance: u.CoinBalance}, ErrAlreadyProcessed
	}
	if rec == nil {
		rec = &types.PaymentRecord{
			ID:        s.id(),
			UserID:    p.UserID,
			SessionID: p.SessionID,
			CreatedAt: now,
		}
		s.payments = append(s.payments, rec)
	}
	rec.PaymentIntent = p.PaymentIntent
	rec.AmountUSD = p.AmountUSD
	rec.CoinsPurchased = total
	rec.Status = types.PaymentCompleted
	rec.CompletedAt = &now

	s.expireLocked(u, now)
	u.CoinBalance += total
	u.TotalCoinsPurchased += total
	if p.NewExpiry != nil {
		expiry := *p.NewExpiry
		u.CoinsExpireAt = &expiry
	}
	u.LastSeen = &now
	s.appendTx(p.UserID, types.TxTypePurchase, total, u.CoinBalance, p.Description, p.PaymentIntent)
	return &CreditResult{NewBalance: u.CoinBalance}, nil
}

func (s *MemoryStore) GrantFreeCoins(_ context.Context, userID, amount int64, expiresAt time.Time) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, 0, ErrUserNotFound
	}
	if u.FreeCoinsClaimed {
		return false, u.CoinBalance, nil
	}
	u.FreeCoinsClaimed = true
	u.CoinBalance += amount
	expiry := expiresAt
	u.CoinsExpireAt = &expiry
	s.appendTx(userID, types.TxTypeGrant, amount, u.CoinBalance, "Welcome bonus coins", "")
	return true, u.CoinBalance, nil
}

func (s *MemoryStore) Adjust(_ context.Context, p AdjustParams) (*AdjustResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.TargetUserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	s.expireLocked(u, time.Now().UTC())

	applied := p.Delta
	if applied < -u.CoinBalance {
		applied = -u.CoinBalance
	}
	u.CoinBalance += applied
	if applied != 0 {
		s.appendTx(p.TargetUserID, types.TxTypeAdminAdjust, applied, u.CoinBalance, p.Reason, "")
	}
	s.logAdminAction(p.AdminID, types.AdminActionAdjustCoins,
		fmt.Sprintf("adjusted user %d by %d (%s)", p.TargetUserID, applied, p.Reason))
	return &AdjustResult{Applied: applied, NewBalance: u.CoinBalance}, nil
}

func (s *MemoryStore) ExpireIfDue(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return s.expireLocked(u, time.Now().UTC()), nil
}

func (s *MemoryStore) UsersDueForExpiry(_ context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var ids []int64
	for _, u := range s.users {
		if len(ids) >= limit {
			break
		}
		if u.CoinBalance > 0 && u.CoinsExpired(now) {
			ids = append(ids, u.UserID)
		}
	}
	return ids, nil
}

// --- Command costs ---

func (s *MemoryStore) GetCommandCost(_ context.Context, command string) (*types.CommandCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.costs[command]
	if !ok {
		return nil, ErrCommandCostNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListCommandCosts(_ context.Context) ([]types.CommandCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	costs := make([]types.CommandCost, 0, len(s.costs))
	for _, c := range s.costs {
		costs = append(costs, c)
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i].Command < costs[j].Command })
	return costs, nil
}

func (s *MemoryStore) UpsertCommandCost(_ context.Context, cost types.CommandCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.costs[cost.Command] = cost
	return nil
}

// --- Packages and payments ---

func (s *MemoryStore) AddPackage(p types.CoinPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = s.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.packages = append(s.packages, p)
}

func (s *MemoryStore) ListActivePackages(_ context.Context) ([]types.CoinPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []types.CoinPackage
	for _, p := range s.packages {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].PriceUSD.LessThan(active[j].PriceUSD)
	})
	return active, nil
}

func (s *MemoryStore) CreatePendingPayment(_ context.Context, rec types.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.id()
	rec.Status = types.PaymentPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.payments = append(s.payments, &rec)
	return nil
}

func (s *MemoryStore) MarkPaymentFailed(_ context.Context, paymentIntent, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *types.PaymentRecord
	if paymentIntent != "" {
		rec = s.findPaymentByIntent(paymentIntent)
	}
	if rec == nil && sessionID != "" {
		rec = s.findPaymentBySession(sessionID)
	}
	if rec == nil {
		return ErrPaymentNotFound
	}
	if rec.Status == types.PaymentCompleted {
		return ErrAlreadyProcessed
	}
	if rec.Status == types.PaymentPending {
		now := time.Now().UTC()
		rec.Status = types.PaymentFailed
		rec.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, paymentIntent string) (*types.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findPaymentByIntent(paymentIntent)
	if rec == nil {
		return nil, ErrPaymentNotFound
	}
	copied := *rec
	return &copied, nil
}

// --- Reporting ---

func (s *MemoryStore) TransactionHistory(_ context.Context, userID int64, limit int) ([]types.CoinTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := s.transactions[userID]
	out := make([]types.CoinTransaction, 0, limit)
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out, nil
}

func (s *MemoryStore) RecentUsage(_ context.Context, limit int) ([]types.UsageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.UsageLog, 0, limit)
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.usage[i])
	}
	return out, nil
}

func (s *MemoryStore) AdminActions(_ context.Context, limit int) ([]types.AdminAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AdminAction, 0, limit)
	for i := len(s.adminActions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.adminActions[i])
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*types.BotStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &types.BotStats{TotalUsers: int64(len(s.users))}
	for _, u := range s.users {
		if u.IsActive {
			stats.ActiveUsers++
		}
	}
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	weekAgo := time.Now().UTC().Add(-7 * 24 * time.Hour)
	counts := make(map[string]int64)
	for _, l := range s.usage {
		if l.Timestamp.After(dayAgo) {
			stats.Commands24h++
		}
		if l.Timestamp.After(weekAgo) {
			counts[l.Command]++
		}
	}
	for cmd, n := range counts {
		stats.TopCommands = append(stats.TopCommands, types.CommandCount{Command: cmd, Count: n})
	}
	sort.Slice(stats.TopCommands, func(i, j int) bool {
		return stats.TopCommands[i].Count > stats.TopCommands[j].Count
	})
	if len(stats.TopCommands) > 5 {
		stats.TopCommands = stats.TopCommands[:5]
	}
	return stats, nil
}

func (s *MemoryStore) SetStat(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[name] = value
	return nil
}

// Stat reads back a snapshotted value.
func (s *MemoryStore) Stat(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.stats[name]
	return v, ok
}

var _ LedgerStore = (*MemoryStore)(nil)
