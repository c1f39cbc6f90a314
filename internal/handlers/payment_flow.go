package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/contextkeys"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/internal/payments"
	"github.com/redlytic/analyzer-bot/store"
)

const invoicePayloadPrefix = "pkg:"

func (bh *Handlers) sendPackageInvoice(ctx context.Context, b *bot.Bot, update *models.Update, checkout *payments.Checkout) {
	chatID := getChatIDFromUpdate(update)
	if chatID == 0 {
		return
	}

	pkg := checkout.Package
	payload := fmt.Sprintf("%s%d:%s", invoicePayloadPrefix, pkg.ID, checkout.SessionID)
	cents := pkg.PriceUSD.Mul(decimal.NewFromInt(100)).IntPart()

	_, err := b.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:        chatID,
		Title:         pkg.Name + " package",
		Description:   fmt.Sprintf("%d coins for subreddit analysis", pkg.TotalCoins()),
		Payload:       payload,
		ProviderToken: bh.providerToken,
		Currency:      "USD",
		Prices: []models.LabeledPrice{
			{Label: messages.PackageButton(pkg), Amount: int(cents)},
		},
	})
	if err != nil {
		log.WithError(err).WithField("session_id", checkout.SessionID).Error("Failed to send invoice")
		bh.reply(ctx, b, update, messages.ErrorDefault())
	}
}

func (bh *Handlers) HandlePreCheckout(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.PreCheckoutQuery == nil {
		return
	}
	payload := strings.TrimSpace(update.PreCheckoutQuery.InvoicePayload)
	_, _, ok := parseInvoicePayload(payload)
	_, _ = b.AnswerPreCheckoutQuery(ctx, &bot.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: update.PreCheckoutQuery.ID,
		OK:                 ok,
		ErrorMessage: func() string {
			if ok {
				return ""
			}
			return "Invalid payment"
		}(),
	})
}

func (bh *Handlers) HandleSuccessfulPayment(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.SuccessfulPayment == nil {
		return
	}
	user, okUser := contextkeys.GetUser(ctx)
	if !okUser {
		return
	}

	p := update.Message.SuccessfulPayment
	packageID, sessionID, ok := parseInvoicePayload(p.InvoicePayload)
	if !ok {
		log.WithField("payload", p.InvoicePayload).Warn("Unrecognized invoice payload")
		return
	}

	paymentIntent := strings.TrimSpace(p.TelegramPaymentChargeID)
	res, err := bh.payments.Complete(ctx, user.UserID, paymentIntent, sessionID, packageID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyProcessed) {
			balance := int64(0)
			if res != nil {
				balance = res.NewBalance
			}
			bh.reply(ctx, b, update, messages.PurchaseAlreadyCredited(balance))
			return
		}
		log.WithError(err).WithFields(log.Fields{
			"user_id":        user.UserID,
			"payment_intent": paymentIntent,
		}).Error("Failed to credit purchase")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	pkg, perr := bh.payments.PackageByID(ctx, packageID)
	coins := int64(0)
	if perr == nil {
		coins = pkg.TotalCoins()
	}
	bh.reply(ctx, b, update, messages.PurchaseCredited(coins, res.NewBalance))
}

func parseInvoicePayload(payload string) (packageID int64, sessionID string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(payload), invoicePayloadPrefix)
	if !found {
		return 0, "", false
	}
	idStr, session, found := strings.Cut(rest, ":")
	if !found || session == "" {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, session, true
}
