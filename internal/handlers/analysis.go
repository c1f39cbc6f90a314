package handlers

import (
	"context"
	"errors"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/contextkeys"
	"github.com/redlytic/analyzer-bot/internal/messages"
	"github.com/redlytic/analyzer-bot/store"
)

// HandleMeteredCommand charges the user and then runs the command.
// The debit decides everything: lapse, admin bypass, and the
// insufficient-balance refusal all happen inside it.
func (bh *Handlers) HandleMeteredCommand(ctx context.Context, b *bot.Bot, update *models.Update, command string) {
	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		return
	}
	runner, ok := bh.runners[command]
	if !ok {
		bh.reply(ctx, b, update, messages.ErrorUnknownCommand())
		return
	}

	params := commandArgs(update)
	res, err := bh.ledger.DebitForCommand(ctx, user.UserID, command, params)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			cost, cerr := bh.ledger.CommandCost(ctx, command)
			balance, berr := bh.store.GetBalance(ctx, user.UserID)
			if cerr != nil || berr != nil {
				bh.reply(ctx, b, update, messages.ErrorDefault())
				return
			}
			bh.reply(ctx, b, update, messages.InsufficientBalance(cost, balance))
			return
		}
		log.WithError(err).WithFields(log.Fields{
			"user_id": user.UserID,
			"command": command,
		}).Error("Failed to charge command")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	output, err := runner.Run(ctx, user.UserID, params)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": user.UserID,
			"command": command,
		}).Error("Command runner failed")
		bh.reply(ctx, b, update, messages.ErrorDefault())
		return
	}

	if !res.Unlimited && res.Spent > 0 {
		output += "\n\n" + messages.ChargeFooter(res.Spent, res.NewBalance)
	}
	bh.reply(ctx, b, update, output)
}
