package projection

import (
	"context"
	"database/sql"
	"fmt"

	"FarmLedger/internal/farm"
	"FarmLedger/internal/ledger"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/position"
)

// State is the engine state the entity tables are rebuilt from.
type State struct {
	Farms    []*farm.Farm
	Deposits []*position.Deposit
	Stakes   []*position.Stake
	LastSeq  int64
}

// RebuildProjections truncates every projection table and rebuilds it:
// farms, deposits and stakes from the replayed engine state, accrued
// rewards and history from the journal.
func RebuildProjections(ctx context.Context, db *sql.DB, state State) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.farms`,
		`TRUNCATE projections.deposits`,
		`TRUNCATE projections.stakes`,
		`TRUNCATE projections.accrued_rewards`,
		`TRUNCATE projections.reward_history`,
		`DELETE FROM projections.watermark`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	for _, f := range state.Farms {
		if err := upsertFarm(ctx, tx, f, state.LastSeq); err != nil {
			return fmt.Errorf("rebuild farm %s: %w", f.Key, err)
		}
	}
	for _, d := range state.Deposits {
		if err := upsertDeposit(ctx, tx, d, state.LastSeq); err != nil {
			return fmt.Errorf("rebuild deposit %s: %w", d.TokenID.Dec(), err)
		}
	}
	for _, s := range state.Stakes {
		if err := upsertStake(ctx, tx, s, state.LastSeq); err != nil {
			return fmt.Errorf("rebuild stake %s/%s: %w", s.TokenID.Dec(), s.Farm, err)
		}
	}

	// Accruals debit user:<addr>:accrued; harvests credit it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accrued_rewards (account, accrued, harvested, last_sequence)
		SELECT
			split_part(acct, ':', 2) AS account,
			SUM(CASE WHEN journal_type = $1 THEN amount ELSE -amount END) AS accrued,
			SUM(CASE WHEN journal_type = $2 THEN amount ELSE 0 END) AS harvested,
			MAX(sequence) AS last_sequence
		FROM (
			SELECT debit_account AS acct, amount, journal_type, sequence
			FROM event_log.journal WHERE journal_type = $1
			UNION ALL
			SELECT credit_account AS acct, amount, journal_type, sequence
			FROM event_log.journal WHERE journal_type = $2
		) moves
		GROUP BY split_part(acct, ':', 2)
	`, int32(ledger.JournalTypeRewardAccrual), int32(ledger.JournalTypeHarvest)); err != nil {
		return fmt.Errorf("rebuild accrued rewards: %w", err)
	}

	// History rows rebuilt from the journal carry no farm or token.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reward_history (sequence, kind, account, amount, timestamp)
		SELECT j.sequence,
			CASE j.journal_type WHEN $1 THEN 'TokenUnstaked' WHEN $2 THEN 'RewardHarvested' ELSE 'FarmEnded' END,
			split_part(CASE j.journal_type WHEN $2 THEN j.credit_account ELSE j.debit_account END, ':', 2),
			j.amount, e.timestamp
		FROM event_log.journal j
		JOIN event_log.events e ON e.sequence = j.sequence
		WHERE j.journal_type IN ($1, $2, $3)
		ON CONFLICT (sequence) DO NOTHING
	`, int32(ledger.JournalTypeRewardAccrual), int32(ledger.JournalTypeHarvest), int32(ledger.JournalTypeRefund)); err != nil {
		return fmt.Errorf("rebuild reward history: %w", err)
	}

	if state.LastSeq >= 0 {
		if err := setWatermark(ctx, tx, state.LastSeq); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().
		Int("farms", len(state.Farms)).
		Int("deposits", len(state.Deposits)).
		Int64("seq", state.LastSeq).
		Msg("projection rebuild complete")
	return nil
}
