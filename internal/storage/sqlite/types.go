package sqlite

import "time"

// Session row kinds. SESSION holds the upstream-compatible session-update
// payload; CONV holds accumulated speaker-tagged conversation text.
const (
	KindSession = "SESSION"
	KindConv    = "CONV"
)

// Account is one provisioned user. token_remaining is the subscription
// balance and may go negative; topup_remaining is clamped at zero.
type Account struct {
	ID             string
	Email          string
	PlanName       string
	TokenRemaining int64
	TopupRemaining int64
	Status         int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIKey is a hashed credential. The plaintext is returned only at creation.
type APIKey struct {
	KeyHash      string
	AccountID    string
	KeyIndicator string
	Label        string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
}

// SessionRow is one (account, session, kind) blob.
type SessionRow struct {
	AccountID string
	SessionID string
	Kind      string
	Data      string
	CreatedAt time.Time
}

// UsageEvent is one immutable row of the usage append log.
type UsageEvent struct {
	ID           int64
	AccountID    string
	SessionID    string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CreatedAt    time.Time
}

// SessionLoad is the result of the auth+load join: the account's credit
// columns plus zero, one or two session rows for the requested session id.
type SessionLoad struct {
	AccountID      string
	TokenRemaining int64
	TopupRemaining int64
	Rows           []SessionRow
}

// planTokens maps a plan name to its default subscription balance.
var planTokens = map[string]int64{
	"Free":       1000,
	"Pro":        50000,
	"Enterprise": 500000,
}

// defaultPlanTokens applies to unknown plan names.
const defaultPlanTokens = 1000

// PlanTokens returns the default token balance for a plan name.
func PlanTokens(plan string) int64 {
	if n, ok := planTokens[plan]; ok {
		return n
	}
	return defaultPlanTokens
}
