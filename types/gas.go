// Package types provides the public types shared between the memory engine
// and the bytecode execution engine embedding it.
package types

// Gas represents the amount of computational resources consumed during execution.
type Gas = uint64

// GasMeter is the engine-owned gas handle the memory core charges page costs
// against. Implementations must return an OutOfGasError (or an error wrapping
// one) when the budget is exhausted; the charge must then have no effect.
type GasMeter interface {
	// Charge consumes the specified amount of gas. The descriptor names the
	// charge point for debugging and error messages.
	Charge(amount Gas, descriptor string) error
}

// CostConfig holds the per-transition page access costs.
//
// Costs are attached to page state transitions, not to fault events: a read
// followed by a write of the same untouched page pays PageLoad once and
// PageWriteUpgrade once, no matter how many hardware faults it took.
type CostConfig struct {
	// PageLoad is charged when a page's contents are first materialized
	// (Unloaded -> Loaded, or the load half of Unloaded -> Written).
	PageLoad Gas
	// PageWriteUpgrade is charged when a page first becomes writable
	// (Loaded -> Written, or the write half of Unloaded -> Written).
	PageWriteUpgrade Gas
}

// DefaultCostConfig returns the default page access cost table.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		PageLoad:         1000,
		PageWriteUpgrade: 1500,
	}
}
