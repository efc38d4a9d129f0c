package farm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidWindow = errors.New("farm: end time must be after start time")
	ErrZeroReward    = errors.New("farm: total reward must be positive")
	ErrDuplicateFarm = errors.New("farm: farm already exists")
	ErrFarmNotFound  = errors.New("farm: farm not found")
	ErrNotYetEndable = errors.New("farm: farm cannot be ended yet")
	ErrAlreadyEnded  = errors.New("farm: farm already ended")
)

// Key identifies a farm: one reward window on one liquidity range.
type Key struct {
	RangeID   common.Hash
	StartTime uint64
	EndTime   uint64
}

// ID returns keccak256(rangeID || startTime || endTime) with both times
// encoded as 32-byte big-endian words.
func (k Key) ID() common.Hash {
	var buf [96]byte
	copy(buf[:32], k.RangeID[:])
	binary.BigEndian.PutUint64(buf[56:64], k.StartTime)
	binary.BigEndian.PutUint64(buf[88:96], k.EndTime)
	return crypto.Keccak256Hash(buf[:])
}

// String renders the key as "<rangeID>:<start>:<end>".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.RangeID.Hex(), k.StartTime, k.EndTime)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("farm key %q: want <range>:<start>:<end>", s)
	}
	raw := strings.TrimPrefix(parts[0], "0x")
	if len(raw) != 2*common.HashLength {
		return Key{}, fmt.Errorf("farm key %q: bad range id", s)
	}
	start, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("farm key %q: start: %w", s, err)
	}
	end, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("farm key %q: end: %w", s, err)
	}
	return Key{RangeID: common.HexToHash(parts[0]), StartTime: start, EndTime: end}, nil
}

// Farm is the engine's view of one incentive program.
type Farm struct {
	Key     Key
	Sponsor common.Address

	TotalReward     uint256.Int // immutable after create
	RemainingReward uint256.Int // escrow still held for this farm
	ClaimedSecondsX uint256.Int // Σ secondsX over closed stakes, Q128

	// Aggregates over open stakes. OpenWeighted is Σ liquidity*accAtStake
	// and can exceed 256 bits.
	OpenStakes    uint64
	OpenLiquidity uint256.Int
	OpenWeighted  *big.Int

	Ended     bool
	Refund    uint256.Int
	CreatedAt uint64
	EndedAt   uint64
}

// Live reports whether the farm can still take new stakes at now.
func (f *Farm) Live(now uint64) bool {
	return !f.Ended && now >= f.Key.StartTime && now <= f.Key.EndTime
}

// DistributedReward is the reward already credited to closed stakes.
func (f *Farm) DistributedReward() *uint256.Int {
	paid := new(uint256.Int).Sub(&f.TotalReward, &f.RemainingReward)
	return paid.Sub(paid, &f.Refund)
}

// Clone returns a deep copy.
func (f *Farm) Clone() *Farm {
	c := *f
	c.OpenWeighted = new(big.Int)
	if f.OpenWeighted != nil {
		c.OpenWeighted.Set(f.OpenWeighted)
	}
	return &c
}
