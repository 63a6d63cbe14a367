package sale

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legionfi/salescore/internal/domain"
)

// ValidateVestingConfig rejects schedules whose windows are incoherent or
// whose start is locked up past the maximum future bound. now is the engine
// clock at validation time.
func ValidateVestingConfig(v domain.VestingConfig, now uint64) error {
	if v.Kind != domain.VestingKindLinear && v.Kind != domain.VestingKindLinearEpoch {
		return fmt.Errorf("vesting kind %q: %w", v.Kind, domain.ErrInvalidVestingConfig)
	}
	if v.DurationSeconds == 0 || v.DurationSeconds > domain.MaxVestingDurationSeconds {
		return fmt.Errorf("duration %d: %w", v.DurationSeconds, domain.ErrInvalidVestingConfig)
	}
	if v.CliffDurationSeconds > v.DurationSeconds {
		return fmt.Errorf("cliff %d exceeds duration %d: %w",
			v.CliffDurationSeconds, v.DurationSeconds, domain.ErrInvalidVestingConfig)
	}
	if v.StartTimestamp > now+domain.MaxVestingLockupSeconds {
		return fmt.Errorf("start %d past lockup bound: %w", v.StartTimestamp, domain.ErrInvalidVestingConfig)
	}
	if v.InitialReleaseRate != nil && v.InitialReleaseRate.Cmp(domain.OneHundredPercent) > 0 {
		return fmt.Errorf("initial release rate %s: %w", v.InitialReleaseRate, domain.ErrInvalidVestingConfig)
	}
	if v.Kind == domain.VestingKindLinearEpoch {
		if v.EpochDurationSeconds == 0 || v.EpochCount == 0 {
			return fmt.Errorf("epoch parameters zero: %w", domain.ErrInvalidVestingConfig)
		}
		if v.EpochDurationSeconds*v.EpochCount > v.DurationSeconds {
			return fmt.Errorf("epochs %d x %ds exceed duration %d: %w",
				v.EpochCount, v.EpochDurationSeconds, v.DurationSeconds, domain.ErrInvalidVestingConfig)
		}
	}
	return nil
}

// InitialRelease splits a claimed allocation into the amount paid out
// immediately and the residual that enters the vesting schedule.
func InitialRelease(total *big.Int, rate *big.Int) (initial, residual *big.Int) {
	if rate == nil || rate.Sign() == 0 {
		return new(big.Int), new(big.Int).Set(total)
	}
	initial = new(big.Int).Mul(total, rate)
	initial.Div(initial, domain.OneHundredPercent)
	residual = new(big.Int).Sub(total, initial)
	return initial, residual
}

// Schedule is an investor-owned vesting holder: the residual allocation plus
// the config it releases under. Released only ever grows.
type Schedule struct {
	ID       string
	Investor common.Address
	Config   domain.VestingConfig

	Total    *big.Int
	Released *big.Int
}

// NewSchedule seeds a holder with the residual allocation.
func NewSchedule(id string, investor common.Address, cfg domain.VestingConfig, total *big.Int) *Schedule {
	return &Schedule{
		ID:       id,
		Investor: investor,
		Config:   cfg,
		Total:    new(big.Int).Set(total),
		Released: new(big.Int),
	}
}

// VestedAt returns the total amount vested at time t, capped at Total.
func (s *Schedule) VestedAt(t uint64) *big.Int {
	cfg := s.Config
	cliffEnd := cfg.StartTimestamp + cfg.CliffDurationSeconds
	if t < cliffEnd {
		return new(big.Int)
	}

	switch cfg.Kind {
	case domain.VestingKindLinearEpoch:
		elapsed := (t - cfg.StartTimestamp) / cfg.EpochDurationSeconds
		if elapsed >= cfg.EpochCount {
			return new(big.Int).Set(s.Total)
		}
		// Per-epoch tranche uses integer division; the rounding remainder is
		// resolved at the final epoch by the full-total branch above.
		perEpoch := new(big.Int).Div(s.Total, new(big.Int).SetUint64(cfg.EpochCount))
		return perEpoch.Mul(perEpoch, new(big.Int).SetUint64(elapsed))

	default: // linear
		elapsed := t - cfg.StartTimestamp
		if elapsed >= cfg.DurationSeconds {
			return new(big.Int).Set(s.Total)
		}
		vested := new(big.Int).Mul(s.Total, new(big.Int).SetUint64(elapsed))
		return vested.Div(vested, new(big.Int).SetUint64(cfg.DurationSeconds))
	}
}

// ReleasableAt returns VestedAt(t) minus what has already been released.
func (s *Schedule) ReleasableAt(t uint64) *big.Int {
	r := s.VestedAt(t)
	r.Sub(r, s.Released)
	if r.Sign() < 0 {
		return new(big.Int)
	}
	return r
}

// StatusAt builds the derived read-only view of the schedule at time t.
func (s *Schedule) StatusAt(t uint64) domain.VestingStatus {
	cfg := s.Config
	return domain.VestingStatus{
		Start:      cfg.StartTimestamp,
		End:        cfg.StartTimestamp + cfg.DurationSeconds,
		CliffEnd:   cfg.StartTimestamp + cfg.CliffDurationSeconds,
		Duration:   cfg.DurationSeconds,
		Released:   new(big.Int).Set(s.Released),
		Releasable: s.ReleasableAt(t),
		Vested:     s.VestedAt(t),
		Total:      new(big.Int).Set(s.Total),
	}
}
