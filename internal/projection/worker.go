package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/observability"
	"FarmLedger/internal/position"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read-model tables from applied outcomes.
// The core sends on its projection channel without blocking and drops on
// full, so the tables are eventually consistent and can be rebuilt from the
// event log.
type ProjectionWorker struct {
	db          *sql.DB
	inputChan   <-chan core.CoreOutput
	rebuildChan chan rebuildRequest
	lastSeq     atomic.Int64
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

type rebuildRequest struct {
	state State
	done  chan error
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:          db,
		inputChan:   inputChan,
		rebuildChan: make(chan rebuildRequest),
		metrics:     metrics,
		logger:      observability.NewLogger("projection"),
	}
	pw.lastSeq.Store(-1)
	return pw
}

// LastSequence is the highest sequence this worker has handled.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Rebuild replaces every table with state from inside the worker loop, so
// no queued outcome interleaves with it. Queued outcomes at or below
// state.LastSeq are skipped afterwards. Run must be running.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, state State) error {
	req := rebuildRequest{state: state, done: make(chan error, 1)}
	select {
	case pw.rebuildChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope.Sequence <= pw.lastSeq.Load() {
				continue
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).
					Int64("seq", output.Envelope.Sequence).
					Str("event_type", output.Envelope.EventType.String()).
					Msg("projection update failed")
			}
			pw.lastSeq.Store(output.Envelope.Sequence)

		case req := <-pw.rebuildChan:
			err := RebuildProjections(ctx, pw.db, req.state)
			if err == nil {
				pw.lastSeq.Store(req.state.LastSeq)
			}
			req.done <- err
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	kind := "rejection"
	if out := output.Outcome; out != nil {
		kind = string(out.Kind)
		if err := applyOutcome(ctx, tx, seq, output.Envelope.Timestamp, out); err != nil {
			return fmt.Errorf("%s: %w", out.Kind, err)
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return nil
}

func applyOutcome(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, out *core.Outcome) error {
	switch out.Kind {
	case core.OutcomeFarmCreated:
		return upsertFarm(ctx, tx, out.Farm, seq)

	case core.OutcomeFarmEnded:
		if err := upsertFarm(ctx, tx, out.Farm, seq); err != nil {
			return err
		}
		return insertHistory(ctx, tx, seq, ts, out)

	case core.OutcomeDepositRegistered, core.OutcomeDepositTransferred:
		return upsertDeposit(ctx, tx, out.Deposit, seq)

	case core.OutcomeTokenStaked:
		if err := upsertFarm(ctx, tx, out.Farm, seq); err != nil {
			return err
		}
		if err := upsertStake(ctx, tx, out.Stake, seq); err != nil {
			return err
		}
		return adjustOpenStakes(ctx, tx, out.Stake, +1, seq)

	case core.OutcomeTokenUnstaked:
		if err := upsertFarm(ctx, tx, out.Farm, seq); err != nil {
			return err
		}
		if err := upsertStake(ctx, tx, out.Stake, seq); err != nil {
			return err
		}
		if err := adjustOpenStakes(ctx, tx, out.Stake, -1, seq); err != nil {
			return err
		}
		if err := addAccrued(ctx, tx, out.Account, out.Amount.Dec(), "0", seq); err != nil {
			return err
		}
		return insertHistory(ctx, tx, seq, ts, out)

	case core.OutcomeRewardHarvested:
		if err := addAccrued(ctx, tx, out.Account, "-"+out.Amount.Dec(), out.Amount.Dec(), seq); err != nil {
			return err
		}
		return insertHistory(ctx, tx, seq, ts, out)

	case core.OutcomeTokenWithdrawn:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.deposits
			SET withdrawn = TRUE, withdrawn_to = $2, open_stakes = 0, last_sequence = $3, updated_at = NOW()
			WHERE token_id = $1
		`, out.Deposit.TokenID.Dec(), addr(out.Counterparty), seq)
		return err
	}

	// WalletFunded and CheckpointRecorded have no read model.
	return nil
}

func upsertFarm(ctx context.Context, tx *sql.Tx, f *farm.Farm, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.farms
			(farm_id, range_id, start_time, end_time, sponsor, total_reward, remaining_reward,
			 claimed_seconds_x, open_stakes, open_liquidity, ended, refund, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (farm_id) DO UPDATE SET
			sponsor = $5, total_reward = $6, remaining_reward = $7, claimed_seconds_x = $8,
			open_stakes = $9, open_liquidity = $10, ended = $11, refund = $12,
			last_sequence = $13, updated_at = NOW()
	`,
		f.Key.String(), f.Key.RangeID.Hex(), int64(f.Key.StartTime), int64(f.Key.EndTime), addr(f.Sponsor),
		f.TotalReward.Dec(), f.RemainingReward.Dec(), f.ClaimedSecondsX.Dec(),
		int64(f.OpenStakes), f.OpenLiquidity.Dec(), f.Ended, f.Refund.Dec(), seq,
	)
	return err
}

func upsertDeposit(ctx context.Context, tx *sql.Tx, d *position.Deposit, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.deposits
			(token_id, owner, liquidity, range_id, open_stakes, withdrawn, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, NOW())
		ON CONFLICT (token_id) DO UPDATE SET
			owner = $2, liquidity = $3, range_id = $4, open_stakes = $5,
			withdrawn = FALSE, withdrawn_to = NULL, last_sequence = $6, updated_at = NOW()
	`, d.TokenID.Dec(), addr(d.Owner), d.Liquidity.Dec(), d.RangeID.Hex(), int64(d.OpenStakes), seq)
	return err
}

func upsertStake(ctx context.Context, tx *sql.Tx, s *position.Stake, seq int64) error {
	var (
		unstakedAt sql.NullInt64
		rewardTo   sql.NullString
	)
	if !s.IsOpen() {
		unstakedAt = sql.NullInt64{Int64: int64(s.UnstakedAt), Valid: true}
		rewardTo = sql.NullString{String: addr(s.RewardTo), Valid: true}
	}

	// A restake replaces the closed row for the same key.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stakes
			(token_id, farm_id, liquidity, staked_at, unstaked_at, seconds_x, reward, reward_to, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (token_id, farm_id) DO UPDATE SET
			liquidity = $3, staked_at = $4, unstaked_at = $5, seconds_x = $6,
			reward = $7, reward_to = $8, last_sequence = $9
	`, s.TokenID.Dec(), s.Farm.String(), s.Liquidity.Dec(), int64(s.StakedAt), unstakedAt,
		s.SecondsX.Dec(), s.Reward.Dec(), rewardTo, seq)
	return err
}

func adjustOpenStakes(ctx context.Context, tx *sql.Tx, s *position.Stake, delta int, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.deposits
		SET open_stakes = GREATEST(open_stakes + $2, 0), last_sequence = $3, updated_at = NOW()
		WHERE token_id = $1
	`, s.TokenID.Dec(), delta, seq)
	return err
}

// addAccrued moves an account's accrued and harvested totals. Amounts are
// signed decimal strings.
func addAccrued(ctx context.Context, tx *sql.Tx, account common.Address, accrued, harvested string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accrued_rewards (account, accrued, harvested, last_sequence)
		VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		ON CONFLICT (account) DO UPDATE SET
			accrued = projections.accrued_rewards.accrued + $2::NUMERIC,
			harvested = projections.accrued_rewards.harvested + $3::NUMERIC,
			last_sequence = $4
	`, addr(account), accrued, harvested, seq)
	return err
}

func insertHistory(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, out *core.Outcome) error {
	var (
		farmID   sql.NullString
		tokenID  sql.NullString
		secondsX sql.NullString
	)
	if out.Farm != nil {
		farmID = sql.NullString{String: out.Farm.Key.String(), Valid: true}
	}
	if out.Stake != nil {
		tokenID = sql.NullString{String: out.Stake.TokenID.Dec(), Valid: true}
		secondsX = sql.NullString{String: out.SecondsX.Dec(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reward_history
			(sequence, kind, account, counterparty, farm_id, token_id, amount, seconds_x, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, string(out.Kind), addr(out.Account), addr(out.Counterparty), farmID, tokenID,
		out.Amount.Dec(), secondsX, ts)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, $1), updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}
