package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/contextkeys"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/internal/payments"
)

func (bh *Handlers) HandleStart(ctx context.Context, b *bot.Bot, update *models.Update) {
	bh.reply(ctx, b, update, messages.StartWelcome(bh.freeCoins))
}

func (bh *Handlers) HandleHelp(ctx context.Context, b *bot.Bot, update *models.Update) {
	bh.reply(ctx, b, update, messages.Help(bh.meteredCommands()))
}

func (bh *Handlers) HandleBalance(ctx context.Context, b *bot.Bot, update *models.Update) {
	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		return
	}
	if user.IsAdmin {
		bh.reply(ctx, b, update, messages.Balance(0, nil, true))
		return
	}

	balance, err := bh.ledger.GetBalance(ctx, user.UserID)
	if err != nil {
		log.WithError(err).WithField("user_id", user.UserID).Error("Failed to read balance")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	fresh, err := bh.ledger.GetUser(ctx, user.UserID)
	if err != nil {
		bh.reply(ctx, b, update, messages.Balance(balance, nil, false))
		return
	}
	bh.reply(ctx, b, update, messages.Balance(balance, fresh.CoinsExpireAt, false))
}

func (bh *Handlers) HandlePrices(ctx context.Context, b *bot.Bot, update *models.Update) {
	costs, err := bh.store.ListCommandCosts(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list command costs")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}
	packages, err := bh.payments.Packages(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list packages")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, update, messages.Prices(costs, packages))
}

func (bh *Handlers) HandleHistory(ctx context.Context, b *bot.Bot, update *models.Update) {
	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		return
	}
	txs, err := bh.ledger.TransactionHistory(ctx, user.UserID, 10)
	if err != nil {
		log.WithError(err).WithField("user_id", user.UserID).Error("Failed to load history")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, update, messages.History(txs))
}

func (bh *Handlers) HandleBuy(ctx context.Context, b *bot.Bot, update *models.Update) {
	packages, err := bh.payments.Packages(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list packages")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(packages))
	for _, p := range packages {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         messages.PackageButton(p),
			CallbackData: "buy:" + strconv.FormatInt(p.ID, 10),
		}})
	}

	chatID := getChatIDFromUpdate(update)
	if chatID == 0 {
		return
	}
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        messages.BuyPrompt(),
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: rows},
	})
	if err != nil {
		log.WithError(err).Error("Failed to send package keyboard")
	}
}

func (bh *Handlers) HandleCallback(ctx context.Context, b *bot.Bot, update *models.Update, data string) {
	if update.CallbackQuery != nil {
		_, _ = b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: update.CallbackQuery.ID,
		})
	}

	if rest, ok := strings.CutPrefix(data, "buy:"); ok {
		bh.handleBuyCallback(ctx, b, update, rest)
		return
	}
}

func (bh *Handlers) handleBuyCallback(ctx context.Context, b *bot.Bot, update *models.Update, rawID string) {
	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		return
	}
	packageID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	checkout, err := bh.payments.BeginCheckout(ctx, user.UserID, packageID)
	if err != nil {
		if errors.Is(err, payments.ErrPackageNotFound) {
			bh.reply(ctx, b, update, messages.ErrorDefault())
			return
		}
		log.WithError(err).WithField("user_id", user.UserID).Error("Failed to open checkout")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	bh.sendPackageInvoice(ctx, b, update, checkout)
}
