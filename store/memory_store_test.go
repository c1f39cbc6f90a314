package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redlytic/analyzer-bot/types"
)

func newTestUser(t *testing.T, s *MemoryStore, userID int64) *types.User {
	t.Helper()
	u, _, err := s.RegisterUser(context.Background(), RegisterUserParams{
		UserID:    userID,
		Username:  "tester",
		FirstName: "Test",
	})
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	return u
}

func creditCoins(t *testing.T, s *MemoryStore, userID, coins int64, intent string) {
	t.Helper()
	expiry := time.Now().Add(30 * 24 * time.Hour)
	_, err := s.CreditPurchase(context.Background(), CreditPurchaseParams{
		UserID:        userID,
		PaymentIntent: intent,
		Coins:         coins,
		AmountUSD:     decimal.NewFromFloat(9.99),
		NewExpiry:     &expiry,
		Description:   "test credit",
	})
	if err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
}

// checkRunningSum verifies that the transaction log sums to the stored
// balance.
func checkRunningSum(t *testing.T, s *MemoryStore, userID int64) {
	t.Helper()
	ctx := context.Background()
	txs, err := s.TransactionHistory(ctx, userID, 10000)
	if err != nil {
		t.Fatalf("TransactionHistory failed: %v", err)
	}
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if sum != balance {
		t.Errorf("Transaction sum %d does not match balance %d", sum, balance)
	}
}

func TestSpendDebitsBalanceAndLogs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	creditCoins(t, s, 1, 10, "pi_1")

	res, err := s.Spend(ctx, SpendParams{
		UserID:      1,
		Command:     "analyze",
		Params:      "golang",
		Cost:        2,
		Description: "Used analyze command",
	})
	if err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if res.NewBalance != 8 || res.Spent != 2 || res.Unlimited {
		t.Errorf("Unexpected result: %+v", res)
	}

	usage, err := s.RecentUsage(ctx, 10)
	if err != nil {
		t.Fatalf("RecentUsage failed: %v", err)
	}
	if len(usage) != 1 || usage[0].Command != "analyze" || usage[0].CoinsSpent != 2 {
		t.Errorf("Unexpected usage log: %+v", usage)
	}

	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if txs[0].TransactionType != types.TxTypeSpend || txs[0].Amount != -2 || txs[0].BalanceAfter != 8 {
		t.Errorf("Unexpected spend transaction: %+v", txs[0])
	}
	checkRunningSum(t, s, 1)
}

func TestSpendInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	creditCoins(t, s, 1, 3, "pi_1")

	_, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "compare", Cost: 5})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := s.GetBalance(ctx, 1)
	if balance != 3 {
		t.Errorf("Balance changed on failed debit: %d", balance)
	}
	usage, _ := s.RecentUsage(ctx, 10)
	if len(usage) != 0 {
		t.Errorf("Failed debit produced usage logs: %+v", usage)
	}
	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if len(txs) != 1 {
		t.Errorf("Failed debit produced transactions: %+v", txs)
	}
}

func TestSpendZeroCostCommand(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	res, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "scrape", Cost: 0})
	if err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if res.NewBalance != 0 || res.Spent != 0 {
		t.Errorf("Unexpected result: %+v", res)
	}

	// Zero-cost invocations are logged for usage but never hit the
	// transaction log.
	usage, _ := s.RecentUsage(ctx, 10)
	if len(usage) != 1 {
		t.Errorf("Expected one usage log, got %d", len(usage))
	}
	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if len(txs) != 0 {
		t.Errorf("Zero-cost spend produced transactions: %+v", txs)
	}
}

func TestSpendAdminBypass(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	if err := s.SetAdmin(ctx, 1, 1, true); err != nil {
		t.Fatalf("SetAdmin failed: %v", err)
	}

	res, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "discover", Cost: 10})
	if err != nil {
		t.Fatalf("Spend failed: %v", err)
	}
	if !res.Unlimited || res.Spent != 0 {
		t.Errorf("Expected unlimited zero-cost result, got %+v", res)
	}

	usage, _ := s.RecentUsage(ctx, 10)
	if len(usage) != 1 || usage[0].CoinsSpent != 0 {
		t.Errorf("Admin usage not logged at zero cost: %+v", usage)
	}
	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if len(txs) != 0 {
		t.Errorf("Admin bypass produced transactions: %+v", txs)
	}
}

func TestSpendUnknownUser(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Spend(context.Background(), SpendParams{UserID: 42, Command: "analyze", Cost: 1})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestCreditPurchaseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	creditCoins(t, s, 1, 20, "pi_dup")

	res, err := s.CreditPurchase(ctx, CreditPurchaseParams{
		UserID:        1,
		PaymentIntent: "pi_dup",
		Coins:         20,
		AmountUSD:     decimal.NewFromFloat(9.99),
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("Expected ErrAlreadyProcessed, got %v", err)
	}
	if res == nil || res.NewBalance != 20 {
		t.Errorf("Expected unchanged balance 20, got %+v", res)
	}

	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if len(txs) != 1 {
		t.Errorf("Duplicate credit produced extra transactions: %+v", txs)
	}
	checkRunningSum(t, s, 1)
}

func TestCreditPurchaseCompletesPendingSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	err := s.CreatePendingPayment(ctx, types.PaymentRecord{
		UserID:         1,
		SessionID:      "cs_abc",
		AmountUSD:      decimal.NewFromFloat(9.99),
		CoinsPurchased: 20,
	})
	if err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}

	_, err = s.CreditPurchase(ctx, CreditPurchaseParams{
		UserID:        1,
		PaymentIntent: "pi_1",
		SessionID:     "cs_abc",
		Coins:         20,
		AmountUSD:     decimal.NewFromFloat(9.99),
	})
	if err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}

	rec, err := s.GetPayment(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if rec.Status != types.PaymentCompleted || rec.SessionID != "cs_abc" {
		t.Errorf("Pending row not completed: %+v", rec)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestGrantFreeCoinsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	expiry := time.Now().Add(30 * 24 * time.Hour)
	granted, balance, err := s.GrantFreeCoins(ctx, 1, 10, expiry)
	if err != nil || !granted || balance != 10 {
		t.Fatalf("First grant: granted=%v balance=%d err=%v", granted, balance, err)
	}

	granted, balance, err = s.GrantFreeCoins(ctx, 1, 10, expiry)
	if err != nil {
		t.Fatalf("Second grant errored: %v", err)
	}
	if granted || balance != 10 {
		t.Errorf("Second grant applied: granted=%v balance=%d", granted, balance)
	}
	checkRunningSum(t, s, 1)
}

func TestAdjustClampsAtZero(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	creditCoins(t, s, 1, 5, "pi_1")

	res, err := s.Adjust(ctx, AdjustParams{AdminID: 99, TargetUserID: 1, Delta: -8, Reason: "cleanup"})
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if res.Applied != -5 || res.NewBalance != 0 {
		t.Errorf("Expected clamp to zero, got %+v", res)
	}

	actions, _ := s.AdminActions(ctx, 10)
	if len(actions) == 0 || actions[0].Action != types.AdminActionAdjustCoins {
		t.Errorf("Adjustment not audited: %+v", actions)
	}
	checkRunningSum(t, s, 1)
}

func TestAdjustPositive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	res, err := s.Adjust(ctx, AdjustParams{AdminID: 99, TargetUserID: 1, Delta: 7, Reason: "support bonus"})
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if res.Applied != 7 || res.NewBalance != 7 {
		t.Errorf("Unexpected result: %+v", res)
	}
	checkRunningSum(t, s, 1)
}

func TestExpiryScenario(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	past := time.Now().Add(-time.Hour)
	if _, _, err := s.GrantFreeCoins(ctx, 1, 10, past); err != nil {
		t.Fatalf("GrantFreeCoins failed: %v", err)
	}

	// The lapse applies even though the debit cannot proceed.
	_, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "analyze", Cost: 2})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	balance, _ := s.GetBalance(ctx, 1)
	if balance != 0 {
		t.Errorf("Expired balance not forfeited: %d", balance)
	}
	txs, _ := s.TransactionHistory(ctx, 1, 10)
	if len(txs) != 2 || txs[0].TransactionType != types.TxTypeExpiryReversal || txs[0].Amount != -10 {
		t.Errorf("Missing expiry reversal: %+v", txs)
	}
	checkRunningSum(t, s, 1)

	// A purchase makes the account spendable again.
	creditCoins(t, s, 1, 20, "pi_topup")
	res, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "analyze", Cost: 2})
	if err != nil {
		t.Fatalf("Spend after top-up failed: %v", err)
	}
	if res.NewBalance != 18 {
		t.Errorf("Unexpected balance after top-up spend: %d", res.NewBalance)
	}
	checkRunningSum(t, s, 1)
}

func TestExpireIfDueIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	if _, _, err := s.GrantFreeCoins(ctx, 1, 10, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("GrantFreeCoins failed: %v", err)
	}

	forfeited, err := s.ExpireIfDue(ctx, 1)
	if err != nil || forfeited != 10 {
		t.Fatalf("First expiry: forfeited=%d err=%v", forfeited, err)
	}
	forfeited, err = s.ExpireIfDue(ctx, 1)
	if err != nil || forfeited != 0 {
		t.Errorf("Second expiry forfeited again: forfeited=%d err=%v", forfeited, err)
	}
	checkRunningSum(t, s, 1)
}

func TestAdminCoinsNeverExpire(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	if _, _, err := s.GrantFreeCoins(ctx, 1, 10, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("GrantFreeCoins failed: %v", err)
	}
	if err := s.SetAdmin(ctx, 1, 1, true); err != nil {
		t.Fatalf("SetAdmin failed: %v", err)
	}

	forfeited, err := s.ExpireIfDue(ctx, 1)
	if err != nil || forfeited != 0 {
		t.Errorf("Admin balance lapsed: forfeited=%d err=%v", forfeited, err)
	}
}

func TestConcurrentSpendsDrainExactly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	const n = 50
	const cost = 2
	creditCoins(t, s, 1, n*cost, "pi_bulk")

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "analyze", Cost: cost})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent spend failed: %v", err)
		}
	}

	balance, _ := s.GetBalance(ctx, 1)
	if balance != 0 {
		t.Errorf("Expected balance 0 after %d spends, got %d", n, balance)
	}
	txs, _ := s.TransactionHistory(ctx, 1, n+10)
	spends := 0
	for _, tx := range txs {
		if tx.TransactionType == types.TxTypeSpend {
			spends++
		}
	}
	if spends != n {
		t.Errorf("Expected %d spend transactions, got %d", n, spends)
	}
	checkRunningSum(t, s, 1)
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	creditCoins(t, s, 1, 5, "pi_small")

	var wg sync.WaitGroup
	var okCount, failCount int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "search", Cost: 1})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				okCount++
			} else if errors.Is(err, ErrInsufficientBalance) {
				failCount++
			} else {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if okCount != 5 || failCount != 5 {
		t.Errorf("Expected 5 successes and 5 refusals, got %d/%d", okCount, failCount)
	}
	balance, _ := s.GetBalance(ctx, 1)
	if balance != 0 {
		t.Errorf("Balance went below zero or stayed positive: %d", balance)
	}
}

func TestMarkPaymentFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)

	if err := s.CreatePendingPayment(ctx, types.PaymentRecord{UserID: 1, SessionID: "cs_1"}); err != nil {
		t.Fatalf("CreatePendingPayment failed: %v", err)
	}
	if err := s.MarkPaymentFailed(ctx, "", "cs_1"); err != nil {
		t.Fatalf("MarkPaymentFailed failed: %v", err)
	}

	if err := s.MarkPaymentFailed(ctx, "", "cs_missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound, got %v", err)
	}

	creditCoins(t, s, 1, 20, "pi_done")
	if err := s.MarkPaymentFailed(ctx, "pi_done", ""); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Expected ErrAlreadyProcessed for completed payment, got %v", err)
	}
}

func TestUsersDueForExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	newTestUser(t, s, 2)
	newTestUser(t, s, 3)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	if _, _, err := s.GrantFreeCoins(ctx, 1, 10, past); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.GrantFreeCoins(ctx, 2, 10, future); err != nil {
		t.Fatal(err)
	}

	due, err := s.UsersDueForExpiry(ctx, 100)
	if err != nil {
		t.Fatalf("UsersDueForExpiry failed: %v", err)
	}
	if len(due) != 1 || due[0] != 1 {
		t.Errorf("Expected only user 1 due, got %v", due)
	}
}

func TestStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestUser(t, s, 1)
	newTestUser(t, s, 2)
	if err := s.DeactivateUser(ctx, 1, 2); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Spend(ctx, SpendParams{UserID: 1, Command: "scrape", Cost: 0}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalUsers != 2 || stats.ActiveUsers != 1 || stats.Commands24h != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if len(stats.TopCommands) != 1 || stats.TopCommands[0].Command != "scrape" {
		t.Errorf("Unexpected top commands: %+v", stats.TopCommands)
	}
}
