package query

import "time"

// Amounts are decimal strings: reward amounts and secondsX are uint256.

// FarmResponse is a farm as seen by API queries.
type FarmResponse struct {
	FarmID          string `json:"farm_id"`
	RangeID         string `json:"range_id"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Sponsor         string `json:"sponsor"`
	TotalReward     string `json:"total_reward"`
	RemainingReward string `json:"remaining_reward"`
	ClaimedSecondsX string `json:"claimed_seconds_x"`
	OpenStakes      int64  `json:"open_stakes"`
	OpenLiquidity   string `json:"open_liquidity"`
	Ended           bool   `json:"ended"`
	Refund          string `json:"refund"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// StakeResponse is one stake of a deposit in a farm. UnstakedAt and
// RewardTo are empty while the stake is open.
type StakeResponse struct {
	TokenID      string `json:"token_id"`
	FarmID       string `json:"farm_id"`
	Liquidity    string `json:"liquidity"`
	StakedAt     int64  `json:"staked_at"`
	UnstakedAt   *int64 `json:"unstaked_at,omitempty"`
	SecondsX     string `json:"seconds_x"`
	Reward       string `json:"reward"`
	RewardTo     string `json:"reward_to,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AccruedResponse is an account's unharvested and harvested reward.
type AccruedResponse struct {
	Account      string `json:"account"`
	Accrued      string `json:"accrued"`
	Harvested    string `json:"harvested"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RewardHistoryEntry is one accrual, harvest or refund.
type RewardHistoryEntry struct {
	Sequence     int64     `json:"sequence"`
	Kind         string    `json:"kind"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	FarmID       string    `json:"farm_id,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	Amount       string    `json:"amount"`
	SecondsX     string    `json:"seconds_x,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	EventsChecked   int64           `json:"events_checked"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	NegativeEscrows []EscrowBalance `json:"negative_escrows,omitempty"`
	BrokenFarms     []string        `json:"broken_farms,omitempty"`
}

// EscrowBalance is a farm escrow account whose journal sum went negative.
type EscrowBalance struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}
