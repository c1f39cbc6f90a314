package middleware

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/contextkeys"
	"github.com/redlytic/analyzer-bot/internal/ledger"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/store"
)

type Middlewares struct {
	store    store.LedgerStore
	ledger   *ledger.Service
	dedup    *store.UpdateDedup
	adminIDs map[int64]struct{}
}

func New(s store.LedgerStore, l *ledger.Service, dedup *store.UpdateDedup, adminIDs []int64) *Middlewares {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Middlewares{
		store:    s,
		ledger:   l,
		dedup:    dedup,
		adminIDs: admins,
	}
}

// DedupMiddleware drops Telegram update redeliveries. Redelivery
// happens whenever the previous poll died before acking.
func (m *Middlewares) DedupMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if m.dedup != nil && update.ID != 0 && m.dedup.Seen(ctx, update.ID) {
			log.WithField("update_id", update.ID).Debug("Skipping duplicate update")
			return
		}
		next(ctx, b, update)
	}
}

// ResolveUserMiddleware registers or refreshes the sender's user record
// and puts it in the context, together with the parsed command or
// callback data.
func (m *Middlewares) ResolveUserMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		var (
			userID int64
			chatID int64
			from   *models.User
		)

		switch {
		case update.Message != nil && update.Message.From != nil:
			from = update.Message.From
			userID = from.ID
			chatID = update.Message.Chat.ID
		case update.CallbackQuery != nil:
			from = &update.CallbackQuery.From
			userID = from.ID
			chatID = getChatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
		case update.PreCheckoutQuery != nil:
			from = update.PreCheckoutQuery.From
			if from == nil {
				return
			}
			userID = from.ID
			chatID = userID
		default:
			return
		}

		if from == nil || userID == 0 {
			return
		}

		user, err := m.ledger.RegisterUser(ctx, store.RegisterUserParams{
			UserID:    userID,
			Username:  from.Username,
			FirstName: from.FirstName,
			LastName:  from.LastName,
		})
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Failed to resolve user")
			m.sendReply(ctx, b, chatID, messages.ErrorDefault())
			return
		}

		// Operators listed in ADMIN_IDS get admin on first contact.
		if _, ok := m.adminIDs[userID]; ok && !user.IsAdmin {
			if err := m.store.SetAdmin(ctx, userID, userID, true); err != nil {
				log.WithError(err).WithField("user_id", userID).Error("Failed to bootstrap admin")
			} else {
				user.IsAdmin = true
				log.WithField("user_id", userID).Info("Bootstrapped configured admin")
			}
		}

		if !user.IsActive {
			m.sendReply(ctx, b, chatID, messages.ErrorAccountDeactivated())
			return
		}

		ctx = contextkeys.WithUser(ctx, user)
		if update.CallbackQuery != nil && update.CallbackQuery.Data != "" {
			ctx = contextkeys.WithCallbackData(ctx, update.CallbackQuery.Data)
		}
		if cmd := parseCommand(update); cmd != "" {
			ctx = contextkeys.WithCommand(ctx, cmd)
		}

		next(ctx, b, update)
	}
}

func (m *Middlewares) sendReply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
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

func parseCommand(update *models.Update) string {
	if update.Message == nil || !strings.HasPrefix(update.Message.Text, "/") {
		return ""
	}
	cmd := strings.Fields(update.Message.Text)[0]
	cmd = strings.TrimPrefix(cmd, "/")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func getChatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}
