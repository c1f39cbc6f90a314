package types

type TransactionType string

const (
	TxTypeGrant          TransactionType = "grant"
	TxTypePurchase       TransactionType = "purchase"
	TxTypeSpend          TransactionType = "spend"
	TxTypeAdminAdjust    TransactionType = "admin_adjust"
	TxTypeExpiryReversal TransactionType = "expiry_reversal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

const (
	AdminActionAdjustCoins    string = "adjust_coins"
	AdminActionMakeAdmin      string = "make_admin"
	AdminActionRemoveAdmin    string = "remove_admin"
	AdminActionDeactivateUser string = "deactivate_user"
)
