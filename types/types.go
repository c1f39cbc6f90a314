package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	UserID              int64
	Username            string
	FirstName           string
	LastName            string
	IsAdmin             bool
	IsActive            bool
	AddedDate           time.Time
	AddedBy             *int64
	LastSeen            *time.Time
	CoinBalance         int64
	CoinsExpireAt       *time.Time
	TotalCoinsPurchased int64
	FreeCoinsClaimed    bool
}

// CoinsExpired reports whether the user's balance has lapsed. Admins never lapse.
func (u *User) CoinsExpired(now time.Time) bool {
	if u.IsAdmin || u.CoinsExpireAt == nil {
		return false
	}
	return now.After(*u.CoinsExpireAt)
}

type CoinTransaction struct {
	ID              int64
	UserID          int64
	TransactionType TransactionType
	Amount          int64
	BalanceAfter    int64
	Description     string
	PaymentID       string
	CreatedAt       time.Time
}

type CoinPackage struct {
	ID         int64
	Name       string
	Coins      int64
	PriceUSD   decimal.Decimal
	BonusCoins int64
	IsActive   bool
	CreatedAt  time.Time
}

// TotalCoins is what the buyer actually receives.
func (p *CoinPackage) TotalCoins() int64 {
	return p.Coins + p.BonusCoins
}

type PaymentRecord struct {
	ID             int64
	UserID         int64
	PaymentIntent  string
	SessionID      string
	AmountUSD      decimal.Decimal
	CoinsPurchased int64
	Status         PaymentStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

type CommandCost struct {
	Command     string
	Cost        int64
	Description string
}

type UsageLog struct {
	ID         int64
	UserID     int64
	Username   string
	FirstName  string
	Command    string
	Params     string
	CoinsSpent int64
	Timestamp  time.Time
}

type AdminAction struct {
	ID        int64
	AdminID   int64
	Action    string
	Details   string
	Timestamp time.Time
}

type CommandCount struct {
	Command string
	Count   int64
}

type BotStats struct {
	TotalUsers  int64
	ActiveUsers int64
	Commands24h int64
	TopCommands []CommandCount
}
