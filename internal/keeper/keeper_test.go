package keeper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"FarmLedger/internal/core"
	"FarmLedger/internal/farm"
	"FarmLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keeperAddr = common.HexToAddress("0x000000000000000000000000000000000000cee9")

func keyAt(start, end uint64) farm.Key {
	return farm.Key{RangeID: common.HexToHash("0xaa"), StartTime: start, EndTime: end}
}

type fakeLister struct {
	keys  []farm.Key
	err   error
	calls int
}

func (f *fakeLister) ExpiredFarms(context.Context) ([]farm.Key, error) {
	f.calls++
	return f.keys, f.err
}

type fakeEnder struct {
	errs   map[farm.Key]error
	ended  []farm.Key
	caller common.Address
}

func (f *fakeEnder) EndFarm(_ context.Context, key farm.Key, caller common.Address) (*core.Outcome, error) {
	f.caller = caller
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	f.ended = append(f.ended, key)
	o := &core.Outcome{Kind: core.OutcomeFarmEnded}
	o.Amount.SetUint64(100)
	return o, nil
}

func newKeeper(t *testing.T, lister FarmLister, ender FarmEnder) (*Keeper, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	k, err := New("@every 1m", keeperAddr, lister, ender, metrics)
	require.NoError(t, err)
	return k, metrics
}

func TestSweep_EndsExpiredFarms(t *testing.T) {
	lister := &fakeLister{keys: []farm.Key{keyAt(1000, 2000), keyAt(1500, 2500)}}
	ender := &fakeEnder{}
	k, metrics := newKeeper(t, lister, ender)

	n, err := k.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, keeperAddr, ender.caller)
	assert.Equal(t, lister.keys, ender.ended)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.KeeperFarmsEnded))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.KeeperSweeps.WithLabelValues("ok")))
}

func TestSweep_SkipsRejections(t *testing.T) {
	raced := keyAt(1000, 2000)
	lister := &fakeLister{keys: []farm.Key{raced, keyAt(1500, 2500)}}
	ender := &fakeEnder{errs: map[farm.Key]error{raced: fmt.Errorf("end: %w", core.ErrAlreadyEnded)}}
	k, _ := newKeeper(t, lister, ender)

	n, err := k.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_AbortsOnInfrastructureError(t *testing.T) {
	broken := keyAt(1000, 2000)
	lister := &fakeLister{keys: []farm.Key{broken, keyAt(1500, 2500)}}
	ender := &fakeEnder{errs: map[farm.Key]error{broken: errors.New("engine stopped")}}
	k, metrics := newKeeper(t, lister, ender)

	n, err := k.Sweep(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ender.ended)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.KeeperSweeps.WithLabelValues("error")))
}

func TestSweep_ListError(t *testing.T) {
	k, _ := newKeeper(t, &fakeLister{err: errors.New("busy")}, &fakeEnder{})
	_, err := k.Sweep(context.Background())
	assert.Error(t, err)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New("every minute", keeperAddr, &fakeLister{}, &fakeEnder{}, nil)
	assert.Error(t, err)
}
