package query

import (
	"math"
	"time"

	"github.com/endetect/ennotif/internal/model"
)

// apiDurationBucket returns the index (0..3) of the lowest bin whose
// threshold scanInterval does not exceed. thresholds must be 2 or 3
// ascending values; the remaining slots are treated as the default's
// trailing 255 sentinels.
func apiDurationBucket(scanInterval uint16, thresholds []uint8) int {
	var bounds [4]uint8
	copy(bounds[:], model.DefaultAttenuationDurationThresholds)
	if len(thresholds) >= 2 && len(thresholds) <= 3 {
		copy(bounds[:], thresholds)
	}
	for i, t := range bounds {
		if scanInterval <= uint16(t) {
			return i
		}
	}
	return len(bounds) - 1
}

// fineAttenuationBucket returns the index (0..7) of the lowest fine
// bucket whose threshold the attenuation value does not exceed.
func fineAttenuationBucket(attenuation uint8) int {
	for i, t := range model.FineAttenuationThresholds {
		if attenuation <= t {
			return i
		}
	}
	return len(model.FineAttenuationThresholds) - 1
}

func capU16(v int64) uint16 {
	if v > 65535 {
		return 65535
	}
	if v < 0 {
		return 0
	}
	return uint16(v)
}

// buildExposureRecord buckets and aggregates one TEK group's
// surviving, merged advertisements into a single exposure record.
func buildExposureRecord(advertisements []combined, tek model.TemporaryExposureKey, config model.ExposureConfiguration) model.ExposureRecord {
	var rec model.ExposureRecord
	rec.TransmissionRiskLevel = tek.TransmissionRiskLevel

	earliest := advertisements[0].timestamp
	var totalDuration int64
	var fineDurations [8]int64

	for _, a := range advertisements {
		if a.timestamp < earliest {
			earliest = a.timestamp
		}
		d := int64(a.scanInterval)
		totalDuration += d

		if a.saturated {
			continue // contributes to total_duration only
		}

		apiBin := apiDurationBucket(a.scanInterval, config.AttenuationDurationThresholds)
		rec.AttenuationDurations[apiBin] = capU16(int64(rec.AttenuationDurations[apiBin]) + d)

		fineBin := fineAttenuationBucket(a.attenuation)
		fineDurations[fineBin] += d
	}

	rec.TotalDuration = capU16(totalDuration)
	rec.AttenuationValue = weightedAttenuation(fineDurations, config)
	rec.Date = time.Unix(earliest, 0).UTC().Truncate(24 * time.Hour)
	return rec
}

// weightedAttenuation computes round(Σ(duration_i × level_value_i) /
// Σ(duration_i)) with fine bucket indices reversed before indexing the
// level table.
func weightedAttenuation(fineDurations [8]int64, config model.ExposureConfiguration) uint8 {
	var weightedSum, totalDuration float64
	for i, d := range fineDurations {
		if d == 0 {
			continue
		}
		level := config.AttenuationLevelValues[7-i]
		weightedSum += float64(d) * level
		totalDuration += float64(d)
	}
	if totalDuration == 0 {
		return 0
	}
	v := math.Round(weightedSum / totalDuration)
	return clampU8(v)
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
