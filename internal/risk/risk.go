// Package risk implements the multiplicative risk-scoring formula:
// a linear attenuation factor and stepped days-since/duration/
// transmission-risk factors, each weighted and multiplied together
// into both a clamped 0-255 score and an unclamped full-range value.
package risk

import (
	"math"

	"github.com/endetect/ennotif/internal/model"
)

// daysSinceBreakpoints and durationBreakpoints are the fixed stepped
// thresholds for the days-since and duration factors; higher days
// select a lower table index, duration buckets select by ceiling.
var daysSinceBreakpoints = [7]int{14, 12, 10, 8, 6, 4, 2}
var durationBreakpoints = [7]float64{0, 5, 10, 15, 20, 25, 30}

// daysSinceIndex returns the level-table index for a given
// days-since-last-exposure value.
func daysSinceIndex(days int) int {
	for i, bp := range daysSinceBreakpoints {
		if days >= bp {
			return i
		}
	}
	return len(daysSinceBreakpoints)
}

// durationIndex returns the level-table index for a duration given in
// minutes.
func durationIndex(minutes float64) int {
	for i, bp := range durationBreakpoints {
		if minutes <= bp {
			return i
		}
	}
	return len(durationBreakpoints)
}

// Score computes the full-range risk value and its clamped u8 form for
// one exposure record, given the days since last exposure and the
// configuration's level/weight tables.
func Score(rec model.ExposureRecord, daysSinceLastExposure int, config model.ExposureConfiguration) (fullRange float64, clamped uint8) {
	a := float64(rec.AttenuationValue) * config.AttenuationWeight

	d := config.DaysSinceLastExposureLevelValues[daysSinceIndex(daysSinceLastExposure)] * config.DaysSinceLastExposureWeight

	durationMinutes := float64(rec.TotalDuration) / 60
	u := config.DurationLevelValues[durationIndex(durationMinutes)] * config.DurationWeight

	trIndex := int(rec.TransmissionRiskLevel)
	if trIndex > 7 {
		trIndex = 7
	}
	if trIndex < 0 {
		trIndex = 0
	}
	t := config.TransmissionRiskLevelValues[trIndex] * config.TransmissionRiskWeight

	fullRange = a * d * u * t
	return fullRange, clampU8(math.Round(fullRange))
}

func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Admit reports whether a record's risk score clears both
// minimum-score gates.
func Admit(clamped uint8, fullRange float64, config model.ExposureConfiguration) bool {
	return clamped >= config.MinimumRiskScore && fullRange >= config.MinimumRiskScoreFullRange
}
