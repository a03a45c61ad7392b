// Package classify maps raw connectivity measurements to the four-bucket
// "traffic light" statuses used by the country rollups. All functions here are
// pure; persistence and tier selection live in the aggregate package.
package classify

import "fmt"

// Status is one of the four ordinal classification buckets.
type Status string

const (
	StatusGood     Status = "good"
	StatusModerate Status = "moderate"
	StatusNo       Status = "no"
	StatusUnknown  Status = "unknown"
)

// GoodSpeedThreshold is the download speed, in bits per second, at or above
// which a school's connectivity classifies as good. 5 Mbps.
const GoodSpeedThreshold = 5_000_000

// CoverageType is the mobile coverage technology reported for a school.
type CoverageType string

const (
	CoverageUnknown CoverageType = "unknown"
	CoverageNo      CoverageType = "no"
	Coverage2G      CoverageType = "2g"
	Coverage3G      CoverageType = "3g"
	Coverage4G      CoverageType = "4g"
)

// ErrUnknownCoverageType reports a coverage type outside the known set. Rows
// carrying one are excluded from the classification pass, not fatal to it.
type ErrUnknownCoverageType struct {
	Type CoverageType
}

func (e *ErrUnknownCoverageType) Error() string {
	return fmt.Sprintf("unknown coverage type %q", string(e.Type))
}

// SpeedToStatus buckets a download speed in bits per second. A nil speed means
// no data; zero means measured but no connectivity.
func SpeedToStatus(speed *float64) Status {
	switch {
	case speed == nil:
		return StatusUnknown
	case *speed == 0:
		return StatusNo
	case *speed >= GoodSpeedThreshold:
		return StatusGood
	default:
		return StatusModerate
	}
}

// AvailabilityToStatus buckets a tri-state availability flag.
func AvailabilityToStatus(available *bool) Status {
	switch {
	case available == nil:
		return StatusUnknown
	case *available:
		return StatusGood
	default:
		return StatusNo
	}
}

// CoverageTypeToStatus buckets a coverage technology. 2G is considered
// moderate; 3G and 4G are good.
func CoverageTypeToStatus(t CoverageType) (Status, error) {
	switch t {
	case CoverageUnknown:
		return StatusUnknown, nil
	case CoverageNo:
		return StatusNo, nil
	case Coverage2G:
		return StatusModerate, nil
	case Coverage3G, Coverage4G:
		return StatusGood, nil
	default:
		return StatusUnknown, &ErrUnknownCoverageType{Type: t}
	}
}

// Tally counts schools per classification bucket; it backs the pie charts on
// the country weekly rollup.
type Tally struct {
	Good     int
	Moderate int
	No       int
	Unknown  int
}

// Add increments the bucket for the given status.
func (t *Tally) Add(s Status) {
	switch s {
	case StatusGood:
		t.Good++
	case StatusModerate:
		t.Moderate++
	case StatusNo:
		t.No++
	default:
		t.Unknown++
	}
}

// Total returns the number of schools counted across all buckets.
func (t Tally) Total() int {
	return t.Good + t.Moderate + t.No + t.Unknown
}

// AnyKnown reports whether any bucket other than unknown is non-zero.
func (t Tally) AnyKnown() bool {
	return t.Good > 0 || t.Moderate > 0 || t.No > 0
}

// ConnectivityTier identifies which data source is authoritative for a
// country's connectivity classification this week.
type ConnectivityTier string

const (
	TierNoConnectivity ConnectivityTier = "no_connectivity"
	TierConnectivity   ConnectivityTier = "connectivity"
	TierStaticSpeed    ConnectivityTier = "static_speed"
	TierRealtimeSpeed  ConnectivityTier = "realtime_speed"
)

// CoverageTier identifies which data source is authoritative for a country's
// coverage classification this week.
type CoverageTier string

const (
	TierNoCoverage           CoverageTier = "no_coverage"
	TierCoverageAvailability CoverageTier = "coverage_availability"
	TierCoverageType         CoverageTier = "coverage_type"
)
