// Package gas provides the default gas meter implementation.
package gas

import (
	"github.com/lazymem/lazymem/types"
)

// DefaultMeter is a simple limit/consumed gas meter implementing
// types.GasMeter.
type DefaultMeter struct {
	limit    types.Gas
	consumed types.Gas
}

var _ types.GasMeter = (*DefaultMeter)(nil)

// NewDefaultMeter creates a new gas meter with the specified limit.
func NewDefaultMeter(limit types.Gas) *DefaultMeter {
	return &DefaultMeter{
		limit:    limit,
		consumed: 0,
	}
}

// Charge consumes the specified amount of gas. A failed charge has no effect
// on the consumed total.
func (m *DefaultMeter) Charge(amount types.Gas, descriptor string) error {
	if amount > m.limit-m.consumed {
		return types.OutOfGasError{
			Descriptor: descriptor,
			Wanted:     amount,
			Available:  m.Remaining(),
		}
	}
	m.consumed += amount
	return nil
}

// Remaining returns the amount of gas left.
func (m *DefaultMeter) Remaining() types.Gas {
	if m.consumed >= m.limit {
		return 0
	}
	return m.limit - m.consumed
}

// GasConsumed returns the amount of gas charged so far.
func (m *DefaultMeter) GasConsumed() types.Gas {
	return m.consumed
}

// Report contains information about gas usage.
type Report struct {
	Limit     types.Gas
	Remaining types.Gas
	Used      types.Gas
}

// Report returns a snapshot of the meter.
func (m *DefaultMeter) Report() Report {
	return Report{
		Limit:     m.limit,
		Remaining: m.Remaining(),
		Used:      m.consumed,
	}
}
