// Package detection implements the top-level detection session:
// batched TEK ingestion across one or more export files, risk-scored
// summary generation, and the filtered per-exposure record listing.
package detection

import (
	"context"
	"log/slog"
	"time"

	"github.com/endetect/ennotif/internal/model"
	"github.com/endetect/ennotif/internal/risk"
	"github.com/endetect/ennotif/internal/tekfile"
)

// TEKBatchSize is the number of TEKs read from a file per batch.
const TEKBatchSize = 256

// NoAttenuationGating is the query-session threshold the detection
// session configures: no attenuation gating at query time.
const NoAttenuationGating = 0xFF

// querySession is the subset of *query.Session the detection session
// drives. Defined locally to avoid detection depending on query's
// Store interface directly.
type querySession interface {
	MatchCount(ctx context.Context, teks []model.TemporaryExposureKey, now time.Time) (int, error)
	CachedExposures(offset int) []model.ExposureRecord
}

// Session owns a query session configured for unfiltered matching and
// accumulates results across every TEK file it ingests.
type Session struct {
	query  querySession
	config model.ExposureConfiguration

	matchedKeyCount int
	firstErr        error
}

// NewSession wraps an already-configured query session (threshold
// NoAttenuationGating, cache enabled) for detection-level orchestration.
func NewSession(query querySession, config model.ExposureConfiguration) *Session {
	return &Session{query: query, config: config}
}

// IngestFile reads every TEK from r in batches of TEKBatchSize,
// matching each batch against the store and accumulating the matched
// key count. A read error aborts this file but leaves the session
// valid for further files. path identifies the file for logging only.
func (s *Session) IngestFile(ctx context.Context, r *tekfile.Reader, path string, now time.Time) error {
	var batch []model.TemporaryExposureKey
	var keyCount int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.query.MatchCount(ctx, batch, now)
		if err != nil {
			if s.firstErr == nil {
				s.firstErr = err
			}
			return err
		}
		s.matchedKeyCount += n
		keyCount += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		tek, err := r.Next()
		if err != nil {
			if err == tekfile.ErrEndOfData {
				break
			}
			if s.firstErr == nil {
				s.firstErr = err
			}
			return err
		}
		batch = append(batch, tek)
		if len(batch) == TEKBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	slog.Debug("processed TEK export file", "path", path, "keys", keyCount)
	return nil
}

// MatchedKeyCount returns the total matched-key count accumulated
// across every file ingested so far.
func (s *Session) MatchedKeyCount() int { return s.matchedKeyCount }

// FirstError returns the first error encountered across all ingested
// files, or nil.
func (s *Session) FirstError() error { return s.firstErr }

const roundingUnit = 60
const durationCap = 1800

func roundAndCap(seconds uint16) uint16 {
	v := int(seconds)
	rounded := ((v + roundingUnit - 1) / roundingUnit) * roundingUnit
	if rounded > durationCap {
		rounded = durationCap
	}
	return uint16(rounded)
}

// GenerateSummary walks the cached exposure records, applying risk
// scoring and the minimum-risk gates, and produces the aggregate
// ExposureSummary with attenuation-duration sums rounded up to
// 60-second multiples and capped at 1800 seconds.
func (s *Session) GenerateSummary(now time.Time) model.ExposureSummary {
	var summary model.ExposureSummary

	records := drainCache(s.query)
	lastExposure := time.Time{}
	for _, rec := range records {
		if rec.Date.After(lastExposure) {
			lastExposure = rec.Date
		}
	}

	daysSince := daysSinceLast(lastExposure, now)
	summary.DaysSinceLastExposure = daysSince
	summary.MatchedKeyCount = s.matchedKeyCount

	var durationSums [3]uint32
	for _, rec := range records {
		fullRange, clamped := risk.Score(rec, daysSince, s.config)
		if !risk.Admit(clamped, fullRange, s.config) {
			continue
		}
		if clamped > summary.MaximumRiskScore {
			summary.MaximumRiskScore = clamped
		}
		if fullRange > summary.MaximumRiskScoreFullRange {
			summary.MaximumRiskScoreFullRange = fullRange
		}
		summary.RiskScoreSumFullRange += fullRange

		for i := 0; i < 3 && i < len(rec.AttenuationDurations); i++ {
			durationSums[i] += uint32(rec.AttenuationDurations[i])
		}
	}

	for i, sum := range durationSums {
		summary.AttenuationDurations[i] = roundAndCap(capU16(sum)) / 60
	}
	slog.Info("produced exposure summary",
		"matched_key_count", summary.MatchedKeyCount,
		"days_since_last_exposure", summary.DaysSinceLastExposure,
		"maximum_risk_score", summary.MaximumRiskScore,
	)
	return summary
}

func capU16(v uint32) uint16 {
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// ExposureInfo walks the cached exposure records, applies the same
// risk gates as GenerateSummary, rounds each record's own duration
// fields to 60-second multiples capped at 1800 seconds, and returns
// the admitted records.
func (s *Session) ExposureInfo(now time.Time) []model.ExposureRecord {
	records := drainCache(s.query)
	lastExposure := time.Time{}
	for _, rec := range records {
		if rec.Date.After(lastExposure) {
			lastExposure = rec.Date
		}
	}
	daysSince := daysSinceLast(lastExposure, now)

	var out []model.ExposureRecord
	for _, rec := range records {
		fullRange, clamped := risk.Score(rec, daysSince, s.config)
		if !risk.Admit(clamped, fullRange, s.config) {
			continue
		}
		rounded := rec
		rounded.TotalDuration = roundAndCap(rec.TotalDuration)
		for i := range rounded.AttenuationDurations {
			rounded.AttenuationDurations[i] = roundAndCap(rec.AttenuationDurations[i])
		}
		out = append(out, rounded)
	}
	return out
}

func drainCache(q querySession) []model.ExposureRecord {
	var all []model.ExposureRecord
	offset := 0
	for {
		batch := q.CachedExposures(offset)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		offset += len(batch)
	}
	return all
}

func daysSinceLast(last time.Time, now time.Time) int {
	if last.IsZero() {
		return 0
	}
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
