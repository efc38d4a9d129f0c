package core_test

import (
	"fmt"
	"testing"

	"FarmLedger/internal/core"
	"FarmLedger/internal/event"
	"FarmLedger/internal/farm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const (
	start    = uint64(1_000_000)
	duration = uint64(8400) // divisible by 2, 3, 4, 7 and 12: every split below is exact
	mid      = start + duration/2
	end      = start + duration
)

var (
	sponsor = common.HexToAddress("0x5000000000000000000000000000000000000001")
	lp0     = common.HexToAddress("0x1000000000000000000000000000000000000000")
	lp1     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	lp2     = common.HexToAddress("0x1000000000000000000000000000000000000002")
	lp3     = common.HexToAddress("0x1000000000000000000000000000000000000003")
	keeper  = common.HexToAddress("0x9000000000000000000000000000000000000009")

	rangeA = common.HexToHash("0xaa")
	rangeB = common.HexToHash("0xbb")

	// L is one LP's liquidity. A power of two keeps accumulator steps exact.
	L = uint256.NewInt(1 << 32)

	totalReward = uint256.NewInt(3000)
)

func liq(num, den uint64) *uint256.Int {
	v := new(uint256.Int).Mul(L, uint256.NewInt(num))
	return v.Div(v, uint256.NewInt(den))
}

// segment sets a range's active liquidity from a point in time on. Zero
// means the price is outside the range and the accumulator stands still.
type segment struct {
	from   uint64
	active *uint256.Int
}

// pool is a deterministic seconds-per-liquidity oracle built from
// piecewise-constant active liquidity.
type pool struct {
	ranges map[common.Hash][]segment
}

func newPool() *pool {
	return &pool{ranges: make(map[common.Hash][]segment)}
}

func (p *pool) set(rangeID common.Hash, from uint64, active *uint256.Int) {
	p.ranges[rangeID] = append(p.ranges[rangeID], segment{from: from, active: active})
}

func (p *pool) Snapshot(rangeID common.Hash, t uint64) (*uint256.Int, error) {
	segs := p.ranges[rangeID]
	acc := new(uint256.Int)
	for i, s := range segs {
		if t <= s.from {
			break
		}
		until := t
		if i+1 < len(segs) && segs[i+1].from < t {
			until = segs[i+1].from
		}
		if s.active.IsZero() {
			continue
		}
		step := new(uint256.Int).Lsh(uint256.NewInt(until-s.from), 128)
		acc.Add(acc, step.Div(step, s.active))
	}
	return acc, nil
}

// harness drives an engine with correctly sequenced commands.
type harness struct {
	t       *testing.T
	eng     *core.FarmingEngine
	pool    *pool
	persist chan core.CoreOutput
	seqs    map[string]int64
	nextID  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := newPool()
	persist := make(chan core.CoreOutput, 4096)
	eng, err := core.NewFarmingEngine(0, core.Params{
		RewardAsset:   "BTR",
		ClaimDeadline: 3600,
		LRUCapacity:   1024,
		Custodian:     common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"),
	}, core.Deps{
		PersistChan: persist,
		Oracle:      p,
	})
	require.NoError(t, err)
	return &harness{t: t, eng: eng, pool: p, persist: persist, seqs: make(map[string]int64)}
}

func (h *harness) meta(partition string, now uint64) event.Meta {
	seq := h.seqs[partition]
	h.seqs[partition]++
	h.nextID++
	return event.Meta{RequestID: fmt.Sprintf("req-%d", h.nextID), Sequence: seq, Timestamp: now}
}

func (h *harness) apply(evt event.Event) (*core.Outcome, error) {
	return h.eng.ProcessEvent(evt)
}

func (h *harness) mustApply(evt event.Event) *core.Outcome {
	h.t.Helper()
	out, err := h.eng.ProcessEvent(evt)
	require.NoError(h.t, err, "%s %s", evt.EventType(), evt.IdempotencyKey())
	require.NotNil(h.t, out)
	return out
}

func (h *harness) fund(account common.Address, amount *uint256.Int, now uint64) {
	h.mustApply(&event.WalletFunded{Meta: h.meta(event.PartitionWallet, now), Account: account, Amount: *amount})
}

// newFarm funds the sponsor and creates a farm on rangeID over the test window.
func (h *harness) newFarm(rangeID common.Hash) farm.Key {
	key := farm.Key{RangeID: rangeID, StartTime: start, EndTime: end}
	h.fund(sponsor, totalReward, start-100)
	h.mustApply(h.createFarm(key, totalReward, start-100))
	return key
}

func keyAt(rangeID common.Hash, from, to uint64) farm.Key {
	return farm.Key{RangeID: rangeID, StartTime: from, EndTime: to}
}

func (h *harness) createFarm(key farm.Key, reward *uint256.Int, now uint64) *event.CreateFarm {
	return &event.CreateFarm{Meta: h.meta(event.PartitionFarm, now), Key: key, TotalReward: *reward, Sponsor: sponsor}
}

func (h *harness) endFarm(key farm.Key, caller common.Address, now uint64) *event.EndFarm {
	return &event.EndFarm{Meta: h.meta(event.PartitionFarm, now), Key: key, Caller: caller}
}

func (h *harness) deposit(token uint64, owner common.Address, liquidity *uint256.Int, rangeID common.Hash, now uint64) {
	h.mustApply(&event.DepositPosition{
		Meta:      h.meta(event.PartitionPosition, now),
		TokenID:   *uint256.NewInt(token),
		Owner:     owner,
		Liquidity: *liquidity,
		RangeID:   rangeID,
	})
}

func (h *harness) stake(token uint64, key farm.Key, caller common.Address, now uint64) *event.StakeToken {
	return &event.StakeToken{Meta: h.meta(event.PartitionPosition, now), TokenID: *uint256.NewInt(token), Key: key, Caller: caller}
}

func (h *harness) unstake(token uint64, key farm.Key, caller common.Address, now uint64) *event.UnstakeToken {
	return &event.UnstakeToken{Meta: h.meta(event.PartitionPosition, now), TokenID: *uint256.NewInt(token), Key: key, Caller: caller}
}

func (h *harness) harvest(account, recipient common.Address, amount uint64, now uint64) *event.HarvestReward {
	return &event.HarvestReward{Meta: h.meta(event.PartitionReward, now), Account: account, Recipient: recipient, Amount: *uint256.NewInt(amount)}
}

func (h *harness) withdraw(token uint64, caller, recipient common.Address, now uint64) *event.WithdrawToken {
	return &event.WithdrawToken{Meta: h.meta(event.PartitionPosition, now), TokenID: *uint256.NewInt(token), Caller: caller, Recipient: recipient}
}

// stakeAll deposits token i+1 for each LP with the given liquidity and
// stakes it at now.
func (h *harness) stakeAll(key farm.Key, now uint64, lps []common.Address, liquidity *uint256.Int) {
	for i, lp := range lps {
		h.deposit(uint64(i+1), lp, liquidity, key.RangeID, now)
		h.mustApply(h.stake(uint64(i+1), key, lp, now))
	}
}

// reward unstakes and returns the credited reward as uint64.
func (h *harness) reward(token uint64, key farm.Key, caller common.Address, now uint64) uint64 {
	h.t.Helper()
	out := h.mustApply(h.unstake(token, key, caller, now))
	require.Equal(h.t, core.OutcomeTokenUnstaked, out.Kind)
	return out.Amount.Uint64()
}

// drain returns everything emitted so far.
func (h *harness) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// requireConserved checks the farm's books: credited + refund + remaining
// equals the budget and escrow matches remaining.
func (h *harness) requireConserved(key farm.Key) {
	h.t.Helper()
	f, err := h.eng.GetFarm(key)
	require.NoError(h.t, err)

	sum := new(uint256.Int).Add(f.DistributedReward(), &f.Refund)
	sum.Add(sum, &f.RemainingReward)
	require.True(h.t, sum.Eq(&f.TotalReward), "credited+refund+remaining=%s, total=%s", sum.Dec(), f.TotalReward.Dec())
	require.True(h.t, h.eng.Escrow(key).Eq(&f.RemainingReward))

	for asset, total := range h.eng.GlobalBalance() {
		require.Zero(h.t, total.Sign(), "asset %d not zero-sum: %s", asset, total)
	}
}
