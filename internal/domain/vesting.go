package domain

import "math/big"

// VestingKind selects the release curve for a vesting schedule.
type VestingKind string

const (
	VestingKindLinear      VestingKind = "linear"
	VestingKindLinearEpoch VestingKind = "linear-epoch"
)

// Bounds on vesting configurations. A schedule may start at most ten years
// out and run at most ten years; anything past that is treated as a
// configuration mistake rather than a deliberate lockup.
const (
	MaxVestingLockupSeconds   uint64 = 520 * 7 * 24 * 3600 // ten years
	MaxVestingDurationSeconds uint64 = 520 * 7 * 24 * 3600
)

// OneHundredPercent is the 1e18 fixed-point representation of 100%, used for
// initial-release fractions and allocation rates.
var OneHundredPercent = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// VestingConfig describes how an investor's residual token allocation is
// released over time. It is snapshotted per investor at claim time.
type VestingConfig struct {
	Kind VestingKind

	StartTimestamp       uint64
	DurationSeconds      uint64
	CliffDurationSeconds uint64

	// Epoch parameters, meaningful only for linear-epoch schedules.
	EpochDurationSeconds uint64
	EpochCount           uint64

	// InitialReleaseRate is the 1e18 fraction of the total allocation paid
	// out immediately at claim time, outside the vesting curve.
	InitialReleaseRate *big.Int
}

// VestingStatus is a derived, read-only view of a schedule at a point in time.
// It is never stored.
type VestingStatus struct {
	Start    uint64
	End      uint64
	CliffEnd uint64
	Duration uint64

	Released   *big.Int
	Releasable *big.Int
	Vested     *big.Int
	Total      *big.Int
}
