package escrow

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var errUnitOverflow = errors.New("escrow: token amount overflows")

// Units converts between currency minor units and on-chain token base units.
// A USDC deposit tracked in cents has MinorDecimals 2 and TokenDecimals 6.
type Units struct {
	MinorDecimals uint8
	TokenDecimals uint8
}

func (u Units) scale() (*uint256.Int, bool) {
	if u.TokenDecimals < u.MinorDecimals {
		return nil, false
	}
	scale := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := u.MinorDecimals; i < u.TokenDecimals; i++ {
		scale.Mul(scale, ten)
	}
	return scale, true
}

// ToBase converts a minor-unit amount to token base units.
func (u Units) ToBase(amount int64) (*uint256.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("escrow: negative amount %d", amount)
	}
	scale, ok := u.scale()
	if !ok {
		return nil, fmt.Errorf("escrow: token decimals %d below minor decimals %d", u.TokenDecimals, u.MinorDecimals)
	}
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(amount)), scale)
	if overflow {
		return nil, errUnitOverflow
	}
	return out, nil
}

// FromBase converts token base units to minor units, truncating dust below
// one minor unit.
func (u Units) FromBase(base *uint256.Int) (int64, error) {
	if base == nil {
		return 0, nil
	}
	scale, ok := u.scale()
	if !ok {
		return 0, fmt.Errorf("escrow: token decimals %d below minor decimals %d", u.TokenDecimals, u.MinorDecimals)
	}
	out := new(uint256.Int).Div(base, scale)
	if !out.IsUint64() || out.Uint64() > 1<<63-1 {
		return 0, errUnitOverflow
	}
	return int64(out.Uint64()), nil
}
