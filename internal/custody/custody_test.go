package custody_test

import (
	"testing"

	"FarmLedger/internal/custody"
	"FarmLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = common.HexToAddress("0xfa00000000000000000000000000000000000000")
	lp         = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

func TestMemoryRegistry_ReceiveRelease(t *testing.T) {
	r := custody.NewMemoryRegistry(engineAddr)
	token := uint256.NewInt(5)

	assert.ErrorIs(t, r.Release(token, lp), custody.ErrNotInCustody)

	require.NoError(t, r.Receive(token, lp))
	assert.ErrorIs(t, r.Receive(token, lp), custody.ErrAlreadyInCustody)

	holder, held := r.Holder(token)
	assert.True(t, held)
	assert.Equal(t, engineAddr, holder)

	require.NoError(t, r.Release(token, lp))
	holder, held = r.Holder(token)
	assert.False(t, held)
	assert.Equal(t, lp, holder)

	// Can come back after release.
	require.NoError(t, r.Receive(token, lp))

	restored := custody.NewMemoryRegistry(engineAddr)
	restored.Restore(r.Holdings())
	assert.Equal(t, r.Holdings(), restored.Holdings())
}

func TestLedgerVault(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	asset, _ := ledger.GetAssetID("BTR")
	v := custody.NewLedgerVault(ledger.NewJournalGenerator(0, bt), asset)

	batch, err := v.TransferIn("in", 1, lp, uint256.NewInt(10))
	require.NoError(t, err)
	require.NoError(t, bt.ApplyBatch(batch))
	assert.Equal(t, uint64(10), bt.Wallet(lp, asset).Uint64())

	_, err = v.TransferOut("out", 2, lp, uint256.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientAccrued, "only accrued reward can leave")
}
