// Package model holds the data types shared across the detection core:
// keys, identifiers, advertisements, and the exposure records and
// summaries the query and detection sessions produce.
package model

import "time"

const (
	// KeyLength is the length in bytes of a Temporary Exposure Key, an
	// RPI, and an RPIK/AEMK.
	KeyLength = 16

	// AEMLength is the length in bytes of encrypted (or decrypted)
	// associated metadata.
	AEMLength = 4

	// IntervalDuration is the duration of one ENIN, 10 minutes.
	IntervalDuration = 10 * time.Minute

	// MaxRollingPeriod is the maximum number of 10-minute intervals a
	// single TEK may cover (24 hours).
	MaxRollingPeriod = 144

	// InvalidDailyKeyIndex is the sentinel marking a matched
	// advertisement the pipeline has rejected.
	InvalidDailyKeyIndex = ^uint32(0)

	// SaturatedRSSI is the sentinel RSSI value meaning the radio
	// reported a floor/ceiling reading that carries no magnitude.
	SaturatedRSSI = int8(127)

	// RetentionWindow is how long advertisement rows are retained
	// before they are eligible for purge.
	RetentionWindow = 14 * 24 * time.Hour

	// BroadcastWindow bounds how long a single RPI may legitimately be
	// observed for, 20 minutes.
	BroadcastWindow = 20 * 60 * time.Second

	// MergeGap is the maximum gap between two observations of the same
	// RPI that still fold into a single advertisement.
	MergeGap = 4 * time.Second
)

// TemporaryExposureKey is a 16-byte diagnosis key shared by a diagnosed
// user, together with the rolling window it covers.
type TemporaryExposureKey struct {
	KeyData                [KeyLength]byte
	RollingStartNumber     uint32
	RollingPeriod          uint32 // 0 means "unset", caller should default to 144
	TransmissionRiskLevel  uint8
}

// EffectiveRollingPeriod returns the rolling period to use for this key:
// MaxRollingPeriod when unset, the key's own value when it is within
// [1, MaxRollingPeriod], or 0 when the key is invalid (period too long)
// and must be rejected outright.
func (t TemporaryExposureKey) EffectiveRollingPeriod() (uint32, bool) {
	if t.RollingPeriod == 0 {
		return MaxRollingPeriod, true
	}
	if t.RollingPeriod > MaxRollingPeriod {
		return 0, false
	}
	return t.RollingPeriod, true
}

// RPI is a 16-byte Rolling Proximity Identifier.
type RPI [KeyLength]byte

// AdvertisementRecord is a persisted Bluetooth advertisement observation.
type AdvertisementRecord struct {
	RPI          RPI
	EncryptedAEM [AEMLength]byte
	Timestamp    int64 // platform epoch seconds
	ScanInterval uint16
	RSSI         int8
	Saturated    bool
	Counter      uint8
}

// Valid checks the record invariants from the data model: counter is at
// least 1 and the encoded lengths are fixed by the type system, so this
// only needs to check counter.
func (a AdvertisementRecord) Valid() bool {
	return a.Counter >= 1
}

// MatchedAdvertisement is an AdvertisementRecord annotated with its
// position in the query's RPI buffer.
type MatchedAdvertisement struct {
	AdvertisementRecord
	DailyKeyIndex uint32 // index into the TEK batch, or InvalidDailyKeyIndex once rejected
	RPIIndex      uint8  // 0..143, position within the TEK's rolling window
}

// Rejected reports whether the pipeline has marked this match invalid.
func (m MatchedAdvertisement) Rejected() bool {
	return m.DailyKeyIndex == InvalidDailyKeyIndex
}

// Reject marks the match invalid in place.
func (m *MatchedAdvertisement) Reject() {
	m.DailyKeyIndex = InvalidDailyKeyIndex
}

// ExposureRecord summarizes one TEK's worth of merged, bucketed
// advertisement observations.
type ExposureRecord struct {
	Date                 time.Time // UTC day boundary
	AttenuationValue     uint8
	TransmissionRiskLevel uint8
	TotalDuration        uint16 // seconds, capped at 65535
	AttenuationDurations [4]uint16
}

// ExposureSummary is the per-session aggregate produced by a detection
// session after risk scoring and the minimum-risk gates.
type ExposureSummary struct {
	AttenuationDurations      [3]uint16 // minutes, rounded up, capped at 30
	DaysSinceLastExposure     int
	MatchedKeyCount           int
	MaximumRiskScore          uint8
	MaximumRiskScoreFullRange float64
	RiskScoreSumFullRange     float64
}

// ExposureConfiguration parameterizes bucketing and risk scoring.
type ExposureConfiguration struct {
	AttenuationLevelValues          [8]float64
	DaysSinceLastExposureLevelValues [8]float64
	DurationLevelValues             [8]float64
	TransmissionRiskLevelValues     [8]float64

	AttenuationWeight          float64
	DaysSinceLastExposureWeight float64
	DurationWeight             float64
	TransmissionRiskWeight     float64

	// AttenuationDurationThresholds holds 2 or 3 ascending u8 values
	// used to bucket API-facing duration (4 bins total).
	AttenuationDurationThresholds []uint8

	MinimumRiskScore         uint8
	MinimumRiskScoreFullRange float64
}

// DefaultAttenuationDurationThresholds is the default 4-bin API duration
// bucket boundary set.
var DefaultAttenuationDurationThresholds = []uint8{50, 70, 255, 255}

// FineAttenuationThresholds are the fixed 8-bin fine attenuation bucket
// boundaries used for weighted-attenuation computation.
var FineAttenuationThresholds = [8]uint8{10, 15, 27, 33, 51, 63, 73, 255}
