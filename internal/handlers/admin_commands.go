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
	"github.com/redlytic/analyzer-bot/store"
	"github.com/redlytic/analyzer-bot/types"
)

// requireAdmin replies with a refusal and returns nil for non-admins.
func (bh *Handlers) requireAdmin(ctx context.Context, b *bot.Bot, update *models.Update) *types.User {
	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		return nil
	}
	if !user.IsAdmin {
		bh.reply(ctx, b, update, messages.ErrorAdminOnly())
		return nil
	}
	return user
}

// HandleAddCoins serves /addcoins <user_id> <amount> [reason]. Negative
// amounts deduct, clamped at zero.
func (bh *Handlers) HandleAddCoins(ctx context.Context, b *bot.Bot, update *models.Update) {
	admin := bh.requireAdmin(ctx, b, update)
	if admin == nil {
		return
	}

	args := strings.Fields(commandArgs(update))
	if len(args) < 2 {
		bh.reply(ctx, b, update, messages.CommandUsage("/addcoins <user_id> <amount> [reason]"))
		return
	}
	targetID, err1 := strconv.ParseInt(args[0], 10, 64)
	delta, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		bh.reply(ctx, b, update, messages.CommandUsage("/addcoins <user_id> <amount> [reason]"))
		return
	}
	reason := "manual adjustment"
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	res, err := bh.ledger.AdminAdjust(ctx, admin.UserID, targetID, delta, reason)
	if err != nil {
		bh.replyAdjustError(ctx, b, update, err)
		return
	}
	bh.reply(ctx, b, update, messages.AdminAdjusted(targetID, res.Applied, res.NewBalance))
}

// HandleSetCoins serves /setcoins <user_id> <balance>: adjusts by
// whatever delta lands the user on the requested balance.
func (bh *Handlers) HandleSetCoins(ctx context.Context, b *bot.Bot, update *models.Update) {
	admin := bh.requireAdmin(ctx, b, update)
	if admin == nil {
		return
	}

	args := strings.Fields(commandArgs(update))
	if len(args) != 2 {
		bh.reply(ctx, b, update, messages.CommandUsage("/setcoins <user_id> <balance>"))
		return
	}
	targetID, err1 := strconv.ParseInt(args[0], 10, 64)
	target, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil || target < 0 {
		bh.reply(ctx, b, update, messages.CommandUsage("/setcoins <user_id> <balance>"))
		return
	}

	current, err := bh.store.GetBalance(ctx, targetID)
	if err != nil {
		bh.replyAdjustError(ctx, b, update, err)
		return
	}
	res, err := bh.ledger.AdminAdjust(ctx, admin.UserID, targetID, target-current, "balance set by admin")
	if err != nil {
		bh.replyAdjustError(ctx, b, update, err)
		return
	}
	bh.reply(ctx, b, update, messages.AdminAdjusted(targetID, res.Applied, res.NewBalance))
}

func (bh *Handlers) replyAdjustError(ctx context.Context, b *bot.Bot, update *models.Update, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		bh.reply(ctx, b, update, messages.ErrorUserNotFound())
	case errors.Is(err, store.ErrForbidden):
		bh.reply(ctx, b, update, messages.ErrorAdminOnly())
	default:
		log.WithError(err).Error("Admin adjustment failed")
		bh.reply(ctx, b, update, messages.ErrorDefault())
	}
}

func (bh *Handlers) HandleUsers(ctx context.Context, b *bot.Bot, update *models.Update) {
	if bh.requireAdmin(ctx, b, update) == nil {
		return
	}

	users, err := bh.store.ListUsers(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list users")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	var sb strings.Builder
	sb.WriteString("👥 <b>Users</b>\n")
	for _, u := range users {
		sb.WriteString(messages.AdminUserLine(u) + "\n")
	}
	bh.reply(ctx, b, update, sb.String())
}

func (bh *Handlers) HandleStats(ctx context.Context, b *bot.Bot, update *models.Update) {
	if bh.requireAdmin(ctx, b, update) == nil {
		return
	}

	stats, err := bh.store.Stats(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load stats")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, update, messages.Stats(stats))
}

func (bh *Handlers) HandleSetAdmin(ctx context.Context, b *bot.Bot, update *models.Update, makeAdmin bool) {
	admin := bh.requireAdmin(ctx, b, update)
	if admin == nil {
		return
	}

	usage := "/makeadmin <user_id>"
	if !makeAdmin {
		usage = "/removeadmin <user_id>"
	}
	targetID, err := strconv.ParseInt(commandArgs(update), 10, 64)
	if err != nil {
		bh.reply(ctx, b, update, messages.CommandUsage(usage))
		return
	}

	if err := bh.store.SetAdmin(ctx, admin.UserID, targetID, makeAdmin); err != nil {
		bh.replyAdjustError(ctx, b, update, err)
		return
	}
	if makeAdmin {
		bh.reply(ctx, b, update, "👑 <b>Admin granted</b>")
	} else {
		bh.reply(ctx, b, update, "👤 <b>Admin removed</b>")
	}
}

func (bh *Handlers) HandleDeactivate(ctx context.Context, b *bot.Bot, update *models.Update) {
	admin := bh.requireAdmin(ctx, b, update)
	if admin == nil {
		return
	}

	targetID, err := strconv.ParseInt(commandArgs(update), 10, 64)
	if err != nil {
		bh.reply(ctx, b, update, messages.CommandUsage("/deactivate <user_id>"))
		return
	}

	if err := bh.store.DeactivateUser(ctx, admin.UserID, targetID); err != nil {
		bh.replyAdjustError(ctx, b, update, err)
		return
	}
	bh.reply(ctx, b, update, "🚷 <b>User deactivated</b>")
}

// HandleSetCost serves /setcost <command> <coins> and invalidates the
// cached cost so the change takes effect immediately.
func (bh *Handlers) HandleSetCost(ctx context.Context, b *bot.Bot, update *models.Update) {
	if bh.requireAdmin(ctx, b, update) == nil {
		return
	}

	args := strings.Fields(commandArgs(update))
	if len(args) != 2 {
		bh.reply(ctx, b, update, messages.CommandUsage("/setcost <command> <coins>"))
		return
	}
	command := strings.TrimPrefix(strings.ToLower(args[0]), "/")
	cost, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || cost < 0 {
		bh.reply(ctx, b, update, messages.CommandUsage("/setcost <command> <coins>"))
		return
	}

	err = bh.store.UpsertCommandCost(ctx, types.CommandCost{Command: command, Cost: cost})
	if err != nil {
		log.WithError(err).WithField("command", command).Error("Failed to upsert command cost")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}
	if bh.costCache != nil {
		bh.costCache.Invalidate(ctx, command)
	}
	bh.reply(ctx, b, update, "💲 <b>Cost updated</b>")
}
