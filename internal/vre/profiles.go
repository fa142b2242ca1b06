package vre

// Profile is an investor risk profile: Conservative, Moderate,
// Aggressive, Super-Aggressive and Franchise.
type Profile string

const (
	ProfileConservative Profile = "C"
	ProfileModerate     Profile = "M"
	ProfileAggressive   Profile = "A"
	ProfileSuperAggr    Profile = "SA"
	ProfileFranchise    Profile = "F"
)

// Valid reports whether p is a known profile
func (p Profile) Valid() bool {
	switch p {
	case ProfileConservative, ProfileModerate, ProfileAggressive, ProfileSuperAggr, ProfileFranchise:
		return true
	}
	return false
}

// AllowsRegime reports whether the profile may trade in the regime
func (p Profile) AllowsRegime(r Regime) bool {
	switch p {
	case ProfileConservative:
		return r == Low || r == Normal
	case ProfileModerate:
		return r != Extreme
	default:
		return true
	}
}

// AllowsPyramiding reports whether add-ons are permitted in the regime
func (p Profile) AllowsPyramiding(r Regime) bool {
	switch p {
	case ProfileSuperAggr, ProfileFranchise:
		return r == High || r == Extreme
	}
	return false
}

// PositionMultiplier scales position size by profile and regime
func (p Profile) PositionMultiplier(r Regime) float64 {
	switch p {
	case ProfileConservative:
		return 0.80
	case ProfileModerate:
		if r == High {
			return 1.00
		}
		return 0.90
	case ProfileAggressive:
		if r == Extreme {
			return 1.10
		}
		return 1.00
	case ProfileSuperAggr:
		if r == Extreme {
			return 1.25
		}
		return 1.10
	case ProfileFranchise:
		return 1.25
	}
	return 0
}

// SpreadCapBps is the maximum quoted spread tolerated for entries
func SpreadCapBps(r Regime) float64 {
	switch r {
	case Low:
		return 12
	case Normal:
		return 10
	case High:
		return 8
	case Extreme:
		return 6
	}
	return 0
}

// SlippageCapBps is the maximum estimated slippage tolerated for entries
func SlippageCapBps(r Regime) float64 {
	switch r {
	case Low:
		return 8
	case Normal:
		return 6
	case High:
		return 5
	case Extreme:
		return 4
	}
	return 0
}
