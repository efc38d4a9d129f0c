package math

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrArithmeticOverflow = errors.New("math: arithmetic overflow")
	ErrDivideByZero       = errors.New("math: divide by zero")
)

// Q128Bits is the fractional width of the pool accumulator: seconds-per-liquidity
// values are unsigned Q128.128 fixed-point numbers.
const Q128Bits = 128

var q128 = new(uint256.Int).Lsh(uint256.NewInt(1), Q128Bits)

// Q128 returns a fresh copy of 2^128.
func Q128() *uint256.Int {
	return new(uint256.Int).Set(q128)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor. Default for every payout.
	RoundUp
)

// Wide intermediates (> 256 bits) are pooled big.Ints.
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	widePool.Put(v)
}

// MulDiv computes x * y / d with a 512-bit intermediate product.
// The result must fit in 256 bits.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if _, of := z.AddOverflow(z, uint256.NewInt(1)); of {
				return nil, ErrArithmeticOverflow
			}
		}
	}

	return z, nil
}

// Mul returns x * y or ErrArithmeticOverflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// Add returns x + y or ErrArithmeticOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}

// SecondsToQ128 converts whole seconds into Q128 seconds.
func SecondsToQ128(seconds uint64) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(seconds), Q128Bits)
}

// WideProduct returns x * y as an unbounded integer, used for running sums
// whose terms are individually 256-bit.
func WideProduct(x, y *uint256.Int) *big.Int {
	return new(big.Int).Mul(x.ToBig(), y.ToBig())
}

// FromWide narrows v into 256 bits. Negative or oversized values overflow.
func FromWide(v *big.Int) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrArithmeticOverflow
	}
	z, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return z, nil
}
