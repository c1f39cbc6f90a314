// Package ledger holds the coin accounting rules: how commands are
// debited, how purchases and grants credit balances, and how balances
// lapse after their expiry window.
package ledger

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

type Service struct {
	store store.LedgerStore
	costs store.CostSource

	initialFreeCoins int64
	expiryDays       int
}

func NewService(s store.LedgerStore, costs store.CostSource, initialFreeCoins int64, expiryDays int) *Service {
	if costs == nil {
		costs = s
	}
	return &Service{
		store:            s,
		costs:            costs,
		initialFreeCoins: initialFreeCoins,
		expiryDays:       expiryDays,
	}
}

// RegisterUser upserts the user record and, on genuine first contact,
// claims the one-time free coin grant.
func (s *Service) RegisterUser(ctx context.Context, p store.RegisterUserParams) (*types.User, error) {
	user, _, err := s.store.RegisterUser(ctx, p)
	if err != nil {
		return nil, err
	}

	if !user.FreeCoinsClaimed && s.initialFreeCoins > 0 {
		expiry := time.Now().AddDate(0, 0, s.expiryDays)
		granted, newBalance, err := s.store.GrantFreeCoins(ctx, user.UserID, s.initialFreeCoins, expiry)
		if err != nil {
			return nil, err
		}
		if granted {
			user.FreeCoinsClaimed = true
			user.CoinBalance = newBalance
			user.CoinsExpireAt = &expiry
			log.WithFields(log.Fields{
				"user_id": user.UserID,
				"coins":   s.initialFreeCoins,
			}).Info("Granted welcome coins")
		}
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return s.store.GetUser(ctx, userID)
}

// GetBalance returns the user's balance after applying any due lapse.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	if _, err := s.store.ExpireIfDue(ctx, userID); err != nil {
		return 0, err
	}
	return s.store.GetBalance(ctx, userID)
}

// CommandCost resolves the configured coin cost for a command.
// Unknown commands are free, with a warning, so a missing catalog row
// never blocks users.
func (s *Service) CommandCost(ctx context.Context, command string) (int64, error) {
	cc, err := s.costs.GetCommandCost(ctx, command)
	if err != nil {
		if errors.Is(err, store.ErrCommandCostNotFound) {
			log.WithField("command", command).Warn("No cost configured for command, treating as free")
			return 0, nil
		}
		return 0, err
	}
	return cc.Cost, nil
}

// DebitForCommand charges the user for one invocation of command.
func (s *Service) DebitForCommand(ctx context.Context, userID int64, command, params string) (*store.SpendResult, error) {
	cost, err := s.CommandCost(ctx, command)
	if err != nil {
		return nil, err
	}

	res, err := s.store.Spend(ctx, store.SpendParams{
		UserID:      userID,
		Command:     command,
		Params:      params,
		Cost:        cost,
		Description: "Used " + command + " command",
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id":   userID,
		"command":   command,
		"cost":      res.Spent,
		"balance":   res.NewBalance,
		"unlimited": res.Unlimited,
	}).Info("Command charged")
	return res, nil
}

// CreditPurchase credits a completed external payment. Purchases push
// the expiry window out from now, never shorten it.
func (s *Service) CreditPurchase(ctx context.Context, p store.CreditPurchaseParams) (*store.CreditResult, error) {
	if p.NewExpiry == nil {
		expiry := time.Now().AddDate(0, 0, s.expiryDays)
		p.NewExpiry = &expiry
	}
	res, err := s.store.CreditPurchase(ctx, p)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.WithFields(log.Fields{
				"user_id":        p.UserID,
				"payment_intent": p.PaymentIntent,
			}).Info("Duplicate payment delivery ignored")
		}
		return res, err
	}

	log.WithFields(log.Fields{
		"user_id": p.UserID,
		"coins":   p.Coins + p.BonusCoins,
		"balance": res.NewBalance,
	}).Info("Purchase credited")
	return res, nil
}

// GrantFreeCoins claims the one-time free grant for the user. Returns
// false when the grant was already claimed.
func (s *Service) GrantFreeCoins(ctx context.Context, userID int64) (bool, int64, error) {
	expiry := time.Now().AddDate(0, 0, s.expiryDays)
	return s.store.GrantFreeCoins(ctx, userID, s.initialFreeCoins, expiry)
}

// AdminAdjust applies a signed balance delta on behalf of an admin.
// Non-admin callers are refused before any state changes.
func (s *Service) AdminAdjust(ctx context.Context, adminID, targetUserID, delta int64, reason string) (*store.AdjustResult, error) {
	admin, err := s.store.GetUser(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if !admin.IsAdmin {
		return nil, store.ErrForbidden
	}

	res, err := s.store.Adjust(ctx, store.AdjustParams{
		AdminID:      adminID,
		TargetUserID: targetUserID,
		Delta:        delta,
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"admin_id": adminID,
		"user_id":  targetUserID,
		"delta":    res.Applied,
		"balance":  res.NewBalance,
	}).Info("Admin balance adjustment")
	return res, nil
}

// ExpireIfDue lapses the user's balance if their expiry has passed.
func (s *Service) ExpireIfDue(ctx context.Context, userID int64) (int64, error) {
	forfeited, err := s.store.ExpireIfDue(ctx, userID)
	if err != nil {
		return 0, err
	}
	if forfeited > 0 {
		log.WithFields(log.Fields{
			"user_id":   userID,
			"forfeited": forfeited,
		}).Info("Coins expired")
	}
	return forfeited, nil
}

func (s *Service) TransactionHistory(ctx context.Context, userID int64, limit int) ([]types.CoinTransaction, error) {
	return s.store.TransactionHistory(ctx, userID, limit)
}
