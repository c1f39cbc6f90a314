// Package payments drives the coin purchase flow: picking a package,
// opening a checkout session, and settling or failing the payment.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/ledger"
	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

var ErrPackageNotFound = errors.New("coin package not found")

type Processor struct {
	store  store.LedgerStore
	ledger *ledger.Service
}

func NewProcessor(s store.LedgerStore, l *ledger.Service) *Processor {
	return &Processor{store: s, ledger: l}
}

func (p *Processor) Packages(ctx context.Context) ([]types.CoinPackage, error) {
	return p.store.ListActivePackages(ctx)
}

func (p *Processor) PackageByID(ctx context.Context, id int64) (*types.CoinPackage, error) {
	packages, err := p.store.ListActivePackages(ctx)
	if err != nil {
		return nil, err
	}
	for i := range packages {
		if packages[i].ID == id {
			return &packages[i], nil
		}
	}
	return nil, ErrPackageNotFound
}

// Checkout is an open purchase waiting for the external provider to
// confirm or reject it.
type Checkout struct {
	SessionID string
	Package   types.CoinPackage
}

// BeginCheckout opens a pending payment row for the chosen package and
// returns the session reference to hand to the payment provider.
func (p *Processor) BeginCheckout(ctx context.Context, userID, packageID int64) (*Checkout, error) {
	pkg, err := p.PackageByID(ctx, packageID)
	if err != nil {
		return nil, err
	}

	sessionID := "cs_" + uuid.NewString()
	err = p.store.CreatePendingPayment(ctx, types.PaymentRecord{
		UserID:         userID,
		SessionID:      sessionID,
		AmountUSD:      pkg.PriceUSD,
		CoinsPurchased: pkg.TotalCoins(),
		Status:         types.PaymentPending,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user_id":    userID,
		"package":    pkg.Name,
		"session_id": sessionID,
	}).Info("Checkout opened")
	return &Checkout{SessionID: sessionID, Package: *pkg}, nil
}

// Complete settles the payment and credits the purchased coins. A
// repeated delivery of the same payment id returns ErrAlreadyProcessed
// together with the unchanged balance.
func (p *Processor) Complete(ctx context.Context, userID int64, paymentIntent, sessionID string, packageID int64) (*store.CreditResult, error) {
	pkg, err := p.PackageByID(ctx, packageID)
	if err != nil {
		return nil, err
	}

	return p.ledger.CreditPurchase(ctx, store.CreditPurchaseParams{
		UserID:        userID,
		PaymentIntent: paymentIntent,
		SessionID:     sessionID,
		Coins:         pkg.Coins,
		BonusCoins:    pkg.BonusCoins,
		AmountUSD:     pkg.PriceUSD,
		Description:   fmt.Sprintf("Purchased %s package", pkg.Name),
	})
}

// Fail marks an open payment as failed. Completed payments never move
// backward; failing one reports ErrAlreadyProcessed.
func (p *Processor) Fail(ctx context.Context, paymentIntent, sessionID string) error {
	err := p.store.MarkPaymentFailed(ctx, paymentIntent, sessionID)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"payment_intent": paymentIntent,
		"session_id":     sessionID,
	}).Info("Payment failed")
	return nil
}
