package types

import "time"

// LotteryEntry is one account's accumulated lots for an ISO week.
type LotteryEntry struct {
	ID          int64     `json:"id"`
	GuildID     string    `json:"guild_id"`
	AccountName string    `json:"account_name"`
	Week        int       `json:"week"`
	Year        int       `json:"year"`
	Lots        int       `json:"lots"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LotteryWinner records the drawn winner of a week. PrizeCopper is in copper.
type LotteryWinner struct {
	ID          int64      `json:"id"`
	GuildID     string     `json:"guild_id"`
	AccountName string     `json:"account_name"`
	Week        int        `json:"week"`
	Year        int        `json:"year"`
	PrizeCopper int64      `json:"prize_copper"`
	PaidOut     bool       `json:"paid_out"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
