// Package rewards turns accepted heartbeats into ledger records and settles
// accumulated balances against an external token ledger in batches.
package rewards

import (
	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/alpha-protocol/apn-node/src/resources"
)

// Multipliers are carried in hundredths (100 = 1.0x) so reward amounts stay
// exact integers: final = base * multiplier / 100.
const (
	BaseMultiplierBP int64 = 100

	DefaultGPUMultiplierBP int64 = 200
	DefaultCPUMultiplierBP int64 = 150
	DefaultRAMMultiplierBP int64 = 130

	DefaultCPUThresholdCores int   = 16
	DefaultRAMThresholdMB    int64 = 32768
)

// DefaultHeartbeatBase is 0.1 VIBE per heartbeat.
const DefaultHeartbeatBase ledger.Vibe = 10_000_000

// Rates holds the reward economics: the base heartbeat amount and the
// hardware multipliers applied on top of it.
type Rates struct {
	HeartbeatBase ledger.Vibe

	GPUMultiplierBP int64
	CPUMultiplierBP int64
	RAMMultiplierBP int64

	CPUThresholdCores int
	RAMThresholdMB    int64
}

// DefaultRates returns the network's standard economics.
func DefaultRates() Rates {
	return Rates{
		HeartbeatBase:     DefaultHeartbeatBase,
		GPUMultiplierBP:   DefaultGPUMultiplierBP,
		CPUMultiplierBP:   DefaultCPUMultiplierBP,
		RAMMultiplierBP:   DefaultRAMMultiplierBP,
		CPUThresholdCores: DefaultCPUThresholdCores,
		RAMThresholdMB:    DefaultRAMThresholdMB,
	}
}

// MultiplierBP computes the composed multiplier, in hundredths, for a
// hardware snapshot. Multipliers compose multiplicatively and thresholds are
// strict.
func (r Rates) MultiplierBP(snap resources.Snapshot) int64 {
	m := BaseMultiplierBP
	if snap.GPUPresent {
		m = m * r.GPUMultiplierBP / 100
	}
	if snap.CPUCores > r.CPUThresholdCores {
		m = m * r.CPUMultiplierBP / 100
	}
	if snap.RAMMB > r.RAMThresholdMB {
		m = m * r.RAMMultiplierBP / 100
	}
	return m
}

// HeartbeatReward returns the base amount, the composed multiplier and the
// final amount earned by one heartbeat carrying the given snapshot.
func (r Rates) HeartbeatReward(snap resources.Snapshot) (base ledger.Vibe, multiplierBP int64, final ledger.Vibe) {
	base = r.HeartbeatBase
	multiplierBP = r.MultiplierBP(snap)
	final = base * ledger.Vibe(multiplierBP) / 100
	return base, multiplierBP, final
}
