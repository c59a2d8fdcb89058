package models

import "time"

// Policy holds tier age thresholds. Boundaries are inclusive on the older
// side: a record whose age equals HotAge belongs to Warm, one whose age
// equals WarmAge belongs to Cold, and one whose age equals ColdAge is expired.
type Policy struct {
	// Tiered selects the three-tier layout. When false the hot tier is the
	// sole store and FallbackRetention applies.
	Tiered            bool
	HotAge            time.Duration
	WarmAge           time.Duration
	ColdAge           time.Duration
	FallbackRetention time.Duration
}

// DefaultPolicy returns the 7d/21d/90d tiered layout.
func DefaultPolicy() Policy {
	return Policy{
		Tiered:            true,
		HotAge:            7 * 24 * time.Hour,
		WarmAge:           21 * 24 * time.Hour,
		ColdAge:           90 * 24 * time.Hour,
		FallbackRetention: 7 * 24 * time.Hour,
	}
}

// Tiers returns the active tiers newest to oldest.
func (p Policy) Tiers() []Tier {
	if !p.Tiered {
		return []Tier{TierHot}
	}
	return AllTiers()
}

// TierFor returns the tier a record of the given age belongs to, and false
// when the age is at or past the terminal horizon.
func (p Policy) TierFor(age time.Duration) (Tier, bool) {
	if !p.Tiered {
		return TierHot, age < p.FallbackRetention
	}
	switch {
	case age < p.HotAge:
		return TierHot, true
	case age < p.WarmAge:
		return TierWarm, true
	case age < p.ColdAge:
		return TierCold, true
	default:
		return TierCold, false
	}
}

// MinAge returns the youngest age a record in tier t can have at steady state.
func (p Policy) MinAge(t Tier) time.Duration {
	switch t {
	case TierWarm:
		return p.HotAge
	case TierCold:
		return p.WarmAge
	default:
		return 0
	}
}

// TerminalTier returns the tier the retention reaper purges.
func (p Policy) TerminalTier() Tier {
	if !p.Tiered {
		return TierHot
	}
	return TierCold
}

// Horizon returns the terminal retention age.
func (p Policy) Horizon() time.Duration {
	if !p.Tiered {
		return p.FallbackRetention
	}
	return p.ColdAge
}

// Transition is one rollover step from a newer tier to an older one.
type Transition struct {
	From      Tier
	To        Tier
	Threshold time.Duration
}

// Transitions returns the rollover steps in execution order.
func (p Policy) Transitions() []Transition {
	if !p.Tiered {
		return nil
	}
	return []Transition{
		{From: TierHot, To: TierWarm, Threshold: p.HotAge},
		{From: TierWarm, To: TierCold, Threshold: p.WarmAge},
	}
}
