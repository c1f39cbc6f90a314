package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	svc := NewService(s, nil, 10, 30)
	if err := s.UpsertCommandCost(context.Background(), types.CommandCost{Command: "analyze", Cost: 2}); err != nil {
		t.Fatalf("UpsertCommandCost failed: %v", err)
	}
	return svc, s
}

func registerTestUser(t *testing.T, svc *Service, userID int64) *types.User {
	t.Helper()
	u, err := svc.RegisterUser(context.Background(), store.RegisterUserParams{
		UserID:    userID,
		Username:  "tester",
		FirstName: "Test",
	})
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	return u
}

func TestRegisterUserGrantsWelcomeCoinsOnce(t *testing.T) {
	svc, _ := newTestService(t)

	u := registerTestUser(t, svc, 1)
	if u.CoinBalance != 10 || !u.FreeCoinsClaimed {
		t.Errorf("Welcome grant not applied: %+v", u)
	}
	if u.CoinsExpireAt == nil {
		t.Error("Welcome grant carries no expiry")
	}

	again := registerTestUser(t, svc, 1)
	if again.CoinBalance != 10 {
		t.Errorf("Repeat contact granted more coins: %d", again.CoinBalance)
	}
}

func TestDebitForCommandUsesConfiguredCost(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestUser(t, svc, 1)

	res, err := svc.DebitForCommand(context.Background(), 1, "analyze", "golang")
	if err != nil {
		t.Fatalf("DebitForCommand failed: %v", err)
	}
	if res.Spent != 2 || res.NewBalance != 8 {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestDebitForCommandUnknownCommandIsFree(t *testing.T) {
	svc, ms := newTestService(t)
	registerTestUser(t, svc, 1)

	res, err := svc.DebitForCommand(context.Background(), 1, "mystery", "")
	if err != nil {
		t.Fatalf("DebitForCommand failed: %v", err)
	}
	if res.Spent != 0 || res.NewBalance != 10 {
		t.Errorf("Unknown command was charged: %+v", res)
	}

	usage, _ := ms.RecentUsage(context.Background(), 10)
	if len(usage) != 1 || usage[0].Command != "mystery" {
		t.Errorf("Unknown command not usage-logged: %+v", usage)
	}
}

func TestDebitForCommandInsufficientBalance(t *testing.T) {
	svc, ms := newTestService(t)
	registerTestUser(t, svc, 1)
	if err := ms.UpsertCommandCost(context.Background(), types.CommandCost{Command: "discover", Cost: 99}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.DebitForCommand(context.Background(), 1, "discover", "")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
}

func TestAdminAdjustForbiddenForNonAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestUser(t, svc, 1)
	registerTestUser(t, svc, 2)

	_, err := svc.AdminAdjust(context.Background(), 1, 2, 5, "because")
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}
}

func TestAdminAdjustAppliesDelta(t *testing.T) {
	svc, ms := newTestService(t)
	registerTestUser(t, svc, 1)
	registerTestUser(t, svc, 2)
	if err := ms.SetAdmin(context.Background(), 1, 1, true); err != nil {
		t.Fatal(err)
	}

	res, err := svc.AdminAdjust(context.Background(), 1, 2, 5, "support bonus")
	if err != nil {
		t.Fatalf("AdminAdjust failed: %v", err)
	}
	if res.Applied != 5 || res.NewBalance != 15 {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestAdminAdjustUnknownAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestUser(t, svc, 2)

	_, err := svc.AdminAdjust(context.Background(), 999, 2, 5, "because")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestCreditPurchaseSetsExpiryWindow(t *testing.T) {
	svc, ms := newTestService(t)
	registerTestUser(t, svc, 1)

	res, err := svc.CreditPurchase(context.Background(), store.CreditPurchaseParams{
		UserID:        1,
		PaymentIntent: "pi_1",
		Coins:         20,
		AmountUSD:     decimal.NewFromFloat(9.99),
	})
	if err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	if res.NewBalance != 30 {
		t.Errorf("Unexpected balance: %d", res.NewBalance)
	}

	u, _ := ms.GetUser(context.Background(), 1)
	if u.CoinsExpireAt == nil || u.CoinsExpireAt.Before(time.Now().Add(29*24*time.Hour)) {
		t.Errorf("Purchase did not extend expiry: %+v", u.CoinsExpireAt)
	}
}

func TestCreditPurchaseDuplicateSurfacesAlreadyProcessed(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestUser(t, svc, 1)

	params := store.CreditPurchaseParams{
		UserID:        1,
		PaymentIntent: "pi_dup",
		Coins:         20,
		AmountUSD:     decimal.NewFromFloat(9.99),
	}
	if _, err := svc.CreditPurchase(context.Background(), params); err != nil {
		t.Fatalf("First credit failed: %v", err)
	}

	res, err := svc.CreditPurchase(context.Background(), params)
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("Expected ErrAlreadyProcessed, got %v", err)
	}
	if res == nil || res.NewBalance != 30 {
		t.Errorf("Duplicate credit changed balance: %+v", res)
	}
}

func TestGetBalanceAppliesLapse(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	// Register straight on the store so the grant can carry a past expiry.
	if _, _, err := ms.RegisterUser(ctx, store.RegisterUserParams{UserID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ms.GrantFreeCoins(ctx, 1, 10, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	balance, err := svc.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Lapsed balance still visible: %d", balance)
	}
}
