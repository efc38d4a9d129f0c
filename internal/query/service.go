package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"FarmLedger/internal/core"
	"FarmLedger/internal/ledger"
	"FarmLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotFound = errors.New("query: not found")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryService provides read-only access to projection tables. Responses
// carry as_of_sequence, the projection watermark, for freshness.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetFarm returns one farm by its key string (range:start:end).
func (qs *QueryService) GetFarm(ctx context.Context, farmID string) (_ *FarmResponse, err error) {
	defer qs.observe("get_farm", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	f, err := scanFarm(qs.db.QueryRowContext(ctx, farmColumns+`
		FROM projections.farms WHERE farm_id = $1
	`, farmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: farm %s", ErrNotFound, farmID)
	}
	if err != nil {
		return nil, err
	}
	f.AsOfSequence = asOfSeq
	return f, nil
}

// ListFarms returns farms ordered by start time, optionally only those of
// one range and only those not yet ended.
func (qs *QueryService) ListFarms(ctx context.Context, rangeID *common.Hash, activeOnly bool, limit int) (_ []FarmResponse, err error) {
	defer qs.observe("list_farms", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := farmColumns + ` FROM projections.farms WHERE TRUE`
	var args []interface{}
	argIdx := 1

	if rangeID != nil {
		query += fmt.Sprintf(" AND range_id = $%d", argIdx)
		args = append(args, rangeID.Hex())
		argIdx++
	}
	if activeOnly {
		query += " AND NOT ended"
	}

	query += " ORDER BY start_time, farm_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var farms []FarmResponse
	for rows.Next() {
		f, err := scanFarm(rows)
		if err != nil {
			return nil, err
		}
		f.AsOfSequence = asOfSeq
		farms = append(farms, *f)
	}
	return farms, rows.Err()
}

// GetStake returns the latest stake of a token in a farm.
func (qs *QueryService) GetStake(ctx context.Context, tokenID, farmID string) (_ *StakeResponse, err error) {
	defer qs.observe("get_stake", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	s, err := scanStake(qs.db.QueryRowContext(ctx, stakeColumns+`
		FROM projections.stakes WHERE token_id = $1 AND farm_id = $2
	`, tokenID, farmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stake %s in %s", ErrNotFound, tokenID, farmID)
	}
	if err != nil {
		return nil, err
	}
	s.AsOfSequence = asOfSeq
	return s, nil
}

// ListStakesByDeposit returns every farm a token is or was staked in.
func (qs *QueryService) ListStakesByDeposit(ctx context.Context, tokenID string) (_ []StakeResponse, err error) {
	defer qs.observe("list_stakes", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, stakeColumns+`
		FROM projections.stakes WHERE token_id = $1
		ORDER BY staked_at, farm_id
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stakes []StakeResponse
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		s.AsOfSequence = asOfSeq
		stakes = append(stakes, *s)
	}
	return stakes, rows.Err()
}

// GetAccrued returns an account's unharvested reward. Accounts that never
// accrued anything read as zero.
func (qs *QueryService) GetAccrued(ctx context.Context, account common.Address) (_ *AccruedResponse, err error) {
	defer qs.observe("get_accrued", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &AccruedResponse{
		Account:      strings.ToLower(account.Hex()),
		Accrued:      "0",
		Harvested:    "0",
		AsOfSequence: asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT accrued::TEXT, harvested::TEXT FROM projections.accrued_rewards WHERE account = $1
	`, resp.Account).Scan(&resp.Accrued, &resp.Harvested)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

// GetRewardHistory returns an account's accruals, harvests and refunds,
// newest first. beforeSequence is the pagination cursor.
func (qs *QueryService) GetRewardHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence *int64,
) (_ []RewardHistoryEntry, err error) {
	defer qs.observe("reward_history", time.Now(), &err)

	query := `
		SELECT sequence, kind, account, COALESCE(counterparty, ''), COALESCE(farm_id, ''),
		       COALESCE(token_id::TEXT, ''), amount::TEXT, COALESCE(seconds_x::TEXT, ''), timestamp
		FROM projections.reward_history
		WHERE account = $1
	`
	args := []interface{}{strings.ToLower(account.Hex())}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []RewardHistoryEntry
	for rows.Next() {
		var h RewardHistoryEntry
		if err := rows.Scan(
			&h.Sequence, &h.Kind, &h.Account, &h.Counterparty, &h.FarmID,
			&h.TokenID, &h.Amount, &h.SecondsX, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	afterSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", strings.ToLower(account.Hex()))

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset = assetName(e.AssetID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log hash chain, checks that no farm
// escrow account went negative in the journal, and that no projected farm
// holds more than it was funded with.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, prev_hash, state_hash FROM event_log.events ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		prevSeq  int64 = -1
		prevHash []byte
	)
	for rows.Next() {
		var (
			seq             int64
			linked, current []byte
		)
		if err := rows.Scan(&seq, &linked, &current); err != nil {
			return nil, err
		}
		if report.EventsChecked == 0 {
			// A log pruned behind a snapshot starts mid-chain; its first
			// link is taken as given.
			prevSeq, prevHash = seq-1, linked
			if seq == 0 {
				genesis := core.GenesisHash()
				prevHash = genesis[:]
			}
		}
		if seq != prevSeq+1 || !bytes.Equal(linked, prevHash) {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		prevSeq, prevHash = seq, current
		report.EventsChecked++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Debits are inflows in this ledger.
	escrowRows, err := qs.db.QueryContext(ctx, `
		SELECT acct, SUM(delta)::TEXT FROM (
			SELECT debit_account AS acct, amount AS delta FROM event_log.journal WHERE debit_account LIKE 'farm:%'
			UNION ALL
			SELECT credit_account AS acct, -amount AS delta FROM event_log.journal WHERE credit_account LIKE 'farm:%'
		) moves
		GROUP BY acct
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer escrowRows.Close()

	for escrowRows.Next() {
		var b EscrowBalance
		if err := escrowRows.Scan(&b.Account, &b.Balance); err != nil {
			return nil, err
		}
		report.NegativeEscrows = append(report.NegativeEscrows, b)
	}
	if err := escrowRows.Err(); err != nil {
		return nil, err
	}

	farmRows, err := qs.db.QueryContext(ctx, `
		SELECT farm_id FROM projections.farms
		WHERE remaining_reward > total_reward
		   OR refund > total_reward
		   OR (ended AND remaining_reward <> 0)
		ORDER BY farm_id
	`)
	if err != nil {
		return nil, err
	}
	defer farmRows.Close()

	for farmRows.Next() {
		var id string
		if err := farmRows.Scan(&id); err != nil {
			return nil, err
		}
		report.BrokenFarms = append(report.BrokenFarms, id)
	}
	if err := farmRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.NegativeEscrows) == 0 &&
		len(report.BrokenFarms) == 0
	return report, nil
}

// --- helpers ---

const farmColumns = `
	SELECT farm_id, range_id, start_time, end_time, sponsor,
	       total_reward::TEXT, remaining_reward::TEXT, claimed_seconds_x::TEXT,
	       open_stakes, open_liquidity::TEXT, ended, refund::TEXT`

const stakeColumns = `
	SELECT token_id::TEXT, farm_id, liquidity::TEXT, staked_at, unstaked_at,
	       seconds_x::TEXT, reward::TEXT, COALESCE(reward_to, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanFarm(row scanner) (*FarmResponse, error) {
	var f FarmResponse
	err := row.Scan(
		&f.FarmID, &f.RangeID, &f.StartTime, &f.EndTime, &f.Sponsor,
		&f.TotalReward, &f.RemainingReward, &f.ClaimedSecondsX,
		&f.OpenStakes, &f.OpenLiquidity, &f.Ended, &f.Refund,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanStake(row scanner) (*StakeResponse, error) {
	var (
		s          StakeResponse
		unstakedAt sql.NullInt64
	)
	err := row.Scan(
		&s.TokenID, &s.FarmID, &s.Liquidity, &s.StakedAt, &unstakedAt,
		&s.SecondsX, &s.Reward, &s.RewardTo,
	)
	if err != nil {
		return nil, err
	}
	if unstakedAt.Valid {
		s.UnstakedAt = &unstakedAt.Int64
	}
	return &s, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case *errp != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func assetName(id uint16) string {
	name, ok := ledger.GetAssetName(ledger.AssetID(id))
	if !ok {
		return fmt.Sprintf("asset-%d", id)
	}
	return name
}
