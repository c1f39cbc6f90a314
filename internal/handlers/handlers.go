// Package handlers wires Telegram updates to the coin ledger: user
// commands, admin commands, the purchase flow, and the metered
// analysis commands.
package handlers

import (
	"context"
	"sort"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/contextkeys"
	"github.com/redlytic/analyzer-bot/internal/ledger"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/internal/payments"
	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

type Handlers struct {
	store     store.LedgerStore
	ledger    *ledger.Service
	payments  *payments.Processor
	costCache *store.CostCache
	runners   map[string]types.Runner

	freeCoins     int64
	providerToken string
}

func NewHandlers(s store.LedgerStore, l *ledger.Service, p *payments.Processor, cache *store.CostCache, freeCoins int64, providerToken string) *Handlers {
	return &Handlers{
		store:         s,
		ledger:        l,
		payments:      p,
		costCache:     cache,
		runners:       make(map[string]types.Runner),
		freeCoins:     freeCoins,
		providerToken: providerToken,
	}
}

// RegisterRunner binds a metered command name to the code that serves it.
func (bh *Handlers) RegisterRunner(command string, r types.Runner) {
	bh.runners[command] = r
}

func (bh *Handlers) meteredCommands() []string {
	commands := make([]string, 0, len(bh.runners))
	for command := range bh.runners {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.PreCheckoutQuery != nil {
		bh.HandlePreCheckout(ctx, b, update)
		return
	}
	if update.Message != nil && update.Message.SuccessfulPayment != nil {
		bh.HandleSuccessfulPayment(ctx, b, update)
		return
	}
	if data, ok := contextkeys.GetCallbackData(ctx); ok && data != "" {
		bh.HandleCallback(ctx, b, update, data)
		return
	}

	command, ok := contextkeys.GetCommand(ctx)
	if !ok {
		return
	}

	switch command {
	case "start":
		bh.HandleStart(ctx, b, update)
	case "help":
		bh.HandleHelp(ctx, b, update)
	case "balance":
		bh.HandleBalance(ctx, b, update)
	case "prices":
		bh.HandlePrices(ctx, b, update)
	case "history":
		bh.HandleHistory(ctx, b, update)
	case "buy":
		bh.HandleBuy(ctx, b, update)
	case "addcoins":
		bh.HandleAddCoins(ctx, b, update)
	case "setcoins":
		bh.HandleSetCoins(ctx, b, update)
	case "setcost":
		bh.HandleSetCost(ctx, b, update)
	case "users":
		bh.HandleUsers(ctx, b, update)
	case "stats":
		bh.HandleStats(ctx, b, update)
	case "makeadmin":
		bh.HandleSetAdmin(ctx, b, update, true)
	case "removeadmin":
		bh.HandleSetAdmin(ctx, b, update, false)
	case "deactivate":
		bh.HandleDeactivate(ctx, b, update)
	default:
		if _, metered := bh.runners[command]; metered {
			bh.HandleMeteredCommand(ctx, b, update, command)
			return
		}
		bh.reply(ctx, b, update, messages.ErrorUnknownCommand())
	}
}

func (bh *Handlers) reply(ctx context.Context, b *bot.Bot, update *models.Update, text string) {
	chatID := getChatIDFromUpdate(update)
	if chatID == 0 {
		return
	}
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Failed to send message")
	}
}

// commandArgs returns everything after the command itself.
func commandArgs(update *models.Update) string {
	if update.Message == nil {
		return ""
	}
	parts := strings.SplitN(update.Message.Text, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func getChatIDFromUpdate(update *models.Update) int64 {
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil {
		if update.CallbackQuery.Message.Message != nil {
			return update.CallbackQuery.Message.Message.Chat.ID
		}
		if update.CallbackQuery.Message.InaccessibleMessage != nil {
			return update.CallbackQuery.Message.InaccessibleMessage.Chat.ID
		}
	}
	return 0
}
