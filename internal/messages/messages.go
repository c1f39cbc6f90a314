package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/redlytic/analyzer-bot/types"
)

const ParseModeHTML = "HTML"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func ErrorDefault() string {
	return "🚫 <b>Something went wrong</b>\nPlease try again."
}

func ErrorUnknownCommand() string {
	return "❓ <b>Unknown command</b>\nSend /help to see what I can do."
}

func ErrorAdminOnly() string {
	return "⛔ <b>Admins only</b>"
}

func ErrorUserNotFound() string {
	return "🚫 <b>User not found</b>\nThey need to message the bot first."
}

func ErrorAccountDeactivated() string {
	return "⛔ <b>Account deactivated</b>\nContact support if you think this is a mistake."
}

func StartWelcome(freeCoins int64) string {
	return fmt.Sprintf(
		"👋 <b>Welcome!</b>\nI analyze subreddits: audiences, pain points, niches.\n\n"+
			"🪙 You start with <b>%d free coins</b>.\n"+
			"📖 Send /help for the commands, /prices for costs, /buy to top up.",
		freeCoins)
}

// Help lists the ledger commands plus whatever analysis commands are
// actually registered, so the menu never advertises a dead command.
func Help(metered []string) string {
	var b strings.Builder
	b.WriteString("ℹ️ <b>Commands</b>\n\n")
	if len(metered) > 0 {
		b.WriteString("📊 <b>Analysis</b>\n")
		for _, cmd := range metered {
			b.WriteString(fmt.Sprintf("• /%s\n", Escape(cmd)))
		}
		b.WriteString("\n")
	}
	b.WriteString("🪙 /balance — your coins\n" +
		"💳 /buy — purchase coins\n" +
		"💲 /prices — command costs and packages\n" +
		"📜 /history — recent transactions")
	return b.String()
}

func Balance(balance int64, expiresAt *time.Time, unlimited bool) string {
	if unlimited {
		return "🪙 <b>Balance:</b> unlimited (admin)"
	}
	msg := fmt.Sprintf("🪙 <b>Balance:</b> %d coins", balance)
	if expiresAt != nil && balance > 0 {
		msg += fmt.Sprintf("\n⏳ Expires on <b>%s</b>", expiresAt.Format("Jan 2, 2006"))
	}
	return msg
}

func InsufficientBalance(cost, balance int64) string {
	return fmt.Sprintf(
		"💸 <b>Not enough coins</b>\nThis command costs <b>%d</b>, you have <b>%d</b>.\nTop up with /buy.",
		cost, balance)
}

func CoinsExpired(forfeited int64) string {
	return fmt.Sprintf(
		"⏳ <b>Your coins expired</b>\n%d coins were removed from your balance.\nTop up with /buy.",
		forfeited)
}

func Prices(costs []types.CommandCost, packages []types.CoinPackage) string {
	var b strings.Builder
	b.WriteString("💲 <b>Command costs</b>\n")
	for _, c := range costs {
		b.WriteString(fmt.Sprintf("• /%s — %d 🪙\n", Escape(c.Command), c.Cost))
	}
	b.WriteString("\n📦 <b>Packages</b>\n")
	for _, p := range packages {
		line := fmt.Sprintf("• <b>%s</b>: %d 🪙 for $%s", Escape(p.Name), p.Coins, p.PriceUSD.StringFixed(2))
		if p.BonusCoins > 0 {
			line += fmt.Sprintf(" (+%d bonus)", p.BonusCoins)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\nBuy with /buy")
	return b.String()
}

func BuyPrompt() string {
	return "💳 <b>Choose a package</b>"
}

func PackageButton(p types.CoinPackage) string {
	label := fmt.Sprintf("%s — %d 🪙 ($%s)", p.Name, p.TotalCoins(), p.PriceUSD.StringFixed(2))
	return label
}

func PurchaseCredited(coins, balance int64) string {
	return fmt.Sprintf(
		"✅ <b>Payment received</b>\n%d coins added. New balance: <b>%d</b> 🪙",
		coins, balance)
}

func PurchaseAlreadyCredited(balance int64) string {
	return fmt.Sprintf(
		"ℹ️ <b>Already credited</b>\nThis payment was applied earlier. Balance: <b>%d</b> 🪙",
		balance)
}

func PurchaseFailed() string {
	return "🚫 <b>Payment failed</b>\nYou were not charged. Try again with /buy."
}

func History(txs []types.CoinTransaction) string {
	if len(txs) == 0 {
		return "📜 <b>No transactions yet</b>"
	}
	var b strings.Builder
	b.WriteString("📜 <b>Recent transactions</b>\n")
	for _, tx := range txs {
		sign := ""
		if tx.Amount > 0 {
			sign = "+"
		}
		b.WriteString(fmt.Sprintf(
			"%s %s%d 🪙 — %s (balance %d)\n",
			tx.CreatedAt.Format("Jan 2"), sign, tx.Amount, Escape(tx.Description), tx.BalanceAfter))
	}
	return b.String()
}

func AdminAdjusted(userID, applied, balance int64) string {
	sign := ""
	if applied > 0 {
		sign = "+"
	}
	return fmt.Sprintf(
		"🛠 <b>Adjusted</b>\nUser <code>%d</code>: %s%d 🪙, new balance <b>%d</b>",
		userID, sign, applied, balance)
}

func AdminUserLine(u types.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.Username != "" {
		name = "@" + u.Username
	}
	flags := ""
	if u.IsAdmin {
		flags += " 👑"
	}
	if !u.IsActive {
		flags += " 🚷"
	}
	return fmt.Sprintf("<code>%d</code> %s — %d 🪙%s", u.UserID, Escape(name), u.CoinBalance, flags)
}

func Stats(s *types.BotStats) string {
	var b strings.Builder
	b.WriteString("📈 <b>Bot stats</b>\n")
	b.WriteString(fmt.Sprintf("👥 Users: %d (%d active)\n", s.TotalUsers, s.ActiveUsers))
	b.WriteString(fmt.Sprintf("⚡ Commands in 24h: %d\n", s.Commands24h))
	if len(s.TopCommands) > 0 {
		b.WriteString("\n🔝 <b>Top commands</b>\n")
		for _, c := range s.TopCommands {
			b.WriteString(fmt.Sprintf("• /%s — %d\n", Escape(c.Command), c.Count))
		}
	}
	return b.String()
}

func ChargeFooter(spent, balance int64) string {
	return fmt.Sprintf("🪙 -%d coins, balance: <b>%d</b>", spent, balance)
}

func CommandUsage(usage string) string {
	return "🤏 <b>Usage:</b> <code>" + Escape(usage) + "</code>"
}
