// Package query implements the TEK-to-RPI expansion, store query and
// annotation, temporal merge, bucketing, and exposure-record
// construction that together turn a batch of Temporary Exposure Keys
// into exposure records: rows pulled from the store are joined against
// each TEK's RPI schedule and post-processed in Go rather than in SQL.
package query

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/endetect/ennotif/internal/bloom"
	"github.com/endetect/ennotif/internal/crypto"
	"github.com/endetect/ennotif/internal/model"
)

// Store is the subset of *store.Store a Session needs. Defined here so
// this package does not import internal/store directly, keeping the
// dependency direction store -> query free of a cycle.
type Store interface {
	SetInlineFilter(f *bloom.Filter)
	ClearInlineFilter()
	StoredCount(ctx context.Context) (uint64, error)
	BuildPrefilter(ctx context.Context, size, k int) (*bloom.Filter, error)
	Match(ctx context.Context, rpiBuffer []byte, validity []bool) ([]model.MatchedAdvertisement, error)
}

// PrefilterSize and PrefilterHashes size the bloom filter a session
// builds for itself when it wants inline pre-filtering, sized for the
// advertisement table's working set.
const (
	PrefilterSize   = 1 << 20
	PrefilterHashes = 7
)

// Session is a query session: store reference, per-call inline
// pre-filter, attenuation gating threshold, exposure configuration,
// and an optional capped in-memory exposure cache.
type Session struct {
	store     Store
	config    model.ExposureConfiguration
	threshold uint8

	usePrefilter bool

	cache        []model.ExposureRecord
	cacheCap     int
	cacheEnabled bool

	droppedCount int
	matchedCount int
}

// NewSession builds a query session against store, gated by threshold
// (attenuation values >= threshold are rejected at annotation time;
// use 0xFF to disable gating entirely).
func NewSession(store Store, config model.ExposureConfiguration, threshold uint8) *Session {
	return &Session{store: store, config: config, threshold: threshold, usePrefilter: true}
}

// EnableCache turns on the bounded exposure-record cache, sized from
// the store's current row count at construction and upper-bounded by
// DefaultCacheCapacity.
const DefaultCacheCapacity = 915000

func (s *Session) EnableCache(ctx context.Context) error {
	count, err := s.store.StoredCount(ctx)
	if err != nil {
		return err
	}
	cap := int(count)
	if cap > DefaultCacheCapacity || cap == 0 {
		cap = DefaultCacheCapacity
	}
	s.cacheCap = cap
	s.cacheEnabled = true
	return nil
}

// CachedExposures returns the batch of cached exposure records starting
// at offset, up to DefaultBatchSize entries.
const DefaultBatchSize = 1024

func (s *Session) CachedExposures(offset int) []model.ExposureRecord {
	if offset < 0 || offset >= len(s.cache) {
		return nil
	}
	end := offset + DefaultBatchSize
	if end > len(s.cache) {
		end = len(s.cache)
	}
	return s.cache[offset:end]
}

func (s *Session) addToCache(rec model.ExposureRecord) {
	if !s.cacheEnabled || len(s.cache) >= s.cacheCap {
		return
	}
	s.cache = append(s.cache, rec)
}

// DroppedCount and MatchedCount report per-session counters accumulated
// across every Match call.
func (s *Session) DroppedCount() int { return s.droppedCount }
func (s *Session) MatchedCount() int { return s.matchedCount }

// dedupeKeys returns teks deduplicated by key bytes, keeping the first
// occurrence of each.
func dedupeKeys(teks []model.TemporaryExposureKey) []model.TemporaryExposureKey {
	seen := make(map[[model.KeyLength]byte]bool)
	out := make([]model.TemporaryExposureKey, 0, len(teks))
	for _, t := range teks {
		if seen[t.KeyData] {
			continue
		}
		seen[t.KeyData] = true
		out = append(out, t)
	}
	return out
}

// expand builds the RPI buffer and validity array for a deduplicated
// TEK batch against the given pre-filter (nil disables pre-filtering).
func (s *Session) expand(teks []model.TemporaryExposureKey, filter *bloom.Filter) ([]byte, []bool, error) {
	n := len(teks)
	buffer := make([]byte, n*model.MaxRollingPeriod*model.KeyLength)
	validity := make([]bool, n*model.MaxRollingPeriod)

	for i, tek := range teks {
		rp, ok := tek.EffectiveRollingPeriod()
		if !ok {
			continue // reject the entire TEK, slots remain invalid
		}
		batch, err := crypto.BatchRPI(tek, tek.RollingStartNumber, model.MaxRollingPeriod)
		if err != nil {
			return nil, nil, err
		}
		copy(buffer[i*model.MaxRollingPeriod*model.KeyLength:], batch)

		for j := 0; j < int(rp); j++ {
			if filter == nil {
				validity[i*model.MaxRollingPeriod+j] = true
				continue
			}
			var rpi model.RPI
			start := (i*model.MaxRollingPeriod + j) * model.KeyLength
			copy(rpi[:], buffer[start:start+model.KeyLength])
			validity[i*model.MaxRollingPeriod+j] = filter.MaybePresent(rpi)
		}
	}
	return buffer, validity, nil
}

// enin converts a Unix epoch second to an Exposure Notification
// Interval Number (a 600-second interval anchored at the Unix epoch).
func enin(unixSeconds int64) uint32 {
	return uint32(unixSeconds / 600)
}

// annotate applies the age, CTIN-consistency, and attenuation-threshold
// gates, rejecting in place.
func (s *Session) annotate(matches []model.MatchedAdvertisement, teks []model.TemporaryExposureKey, now time.Time) {
	cutoff := now.Add(-model.RetentionWindow).Unix()
	for i := range matches {
		m := &matches[i]
		if m.Rejected() {
			continue
		}
		if int(m.DailyKeyIndex) >= len(teks) {
			slog.Debug("rejecting advertisement", "reason", "daily_key_index_out_of_range", "rpi", m.RPI, "daily_key_index", m.DailyKeyIndex)
			m.Reject()
			s.droppedCount++
			continue
		}
		tek := teks[m.DailyKeyIndex]

		if m.Timestamp < cutoff {
			slog.Debug("rejecting advertisement", "reason", "retention_window_age", "rpi", m.RPI, "timestamp", m.Timestamp)
			m.Reject()
			s.droppedCount++
			continue
		}

		dailyKeyRPIIndex := uint32(m.RPIIndex) + tek.RollingStartNumber
		observedENIN := enin(m.Timestamp)
		var diff int64
		if observedENIN >= dailyKeyRPIIndex {
			diff = int64(observedENIN - dailyKeyRPIIndex)
		} else {
			diff = int64(dailyKeyRPIIndex - observedENIN)
		}
		if diff > 12 {
			slog.Debug("rejecting advertisement", "reason", "ctin_tolerance", "rpi", m.RPI, "enin_diff", diff)
			m.Reject()
			s.droppedCount++
			continue
		}

		att := crypto.Attenuation(tek, m.RPI, m.EncryptedAEM, m.RSSI, m.Saturated)
		if att >= s.threshold {
			slog.Debug("rejecting advertisement", "reason", "attenuation_threshold", "rpi", m.RPI, "attenuation", att, "threshold", s.threshold)
			m.Reject()
			s.droppedCount++
			continue
		}
		s.matchedCount++
	}
}

// combined is a merged, surviving advertisement awaiting bucketing.
type combined struct {
	rpi          model.RPI
	rssi         int8
	saturated    bool
	counter      int
	timestamp    int64
	scanInterval uint16
	attenuation  uint8
	txPower      int8
}

// mergeGroup sorts a TEK's surviving matches by timestamp, folds
// observations within the merge gap, and clamps each scan interval so
// it does not reach back past the preceding observation.
func mergeGroup(matches []model.MatchedAdvertisement, tek model.TemporaryExposureKey) []combined {
	sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp < matches[j].Timestamp })

	var merged []combined
	for _, m := range matches {
		att := crypto.Attenuation(tek, m.RPI, m.EncryptedAEM, m.RSSI, m.Saturated)
		txPower, _ := crypto.TxPowerFromAEM(m.EncryptedAEM, tek, m.RPI)
		next := combined{
			rpi: m.RPI, rssi: m.RSSI, saturated: m.Saturated, counter: int(m.Counter),
			timestamp: m.Timestamp, scanInterval: m.ScanInterval, attenuation: att, txPower: txPower,
		}
		if len(merged) == 0 {
			merged = append(merged, next)
			continue
		}
		last := &merged[len(merged)-1]
		gap := next.timestamp - last.timestamp
		if gap <= int64(model.MergeGap/time.Second) {
			combinedRSSI := mergeRSSI(last.rssi, last.saturated, last.counter, next.rssi, next.saturated, next.counter)
			last.saturated = combinedRSSI == model.SaturatedRSSI
			last.rssi = combinedRSSI
			last.counter += next.counter
			// the merged observation keeps the earlier attenuation/scan
			// interval; timestamp stays at the earlier observation.
			continue
		}
		merged = append(merged, next)
	}

	for i := 1; i < len(merged); i++ {
		a, b := &merged[i-1], &merged[i]
		if a.timestamp > b.timestamp-int64(b.scanInterval) {
			clamped := b.timestamp - a.timestamp
			if clamped < 0 {
				clamped = 0
			}
			b.scanInterval = uint16(clamped)
		}
	}
	return merged
}

func mergeRSSI(rssiA int8, satA bool, cntA int, rssiB int8, satB bool, cntB int) int8 {
	if satA || satB {
		if rssiA < rssiB {
			return rssiA
		}
		return rssiB
	}
	weighted := (int(rssiA)*cntA + int(rssiB)*cntB) / (cntA + cntB)
	return int8(weighted)
}

// validityFilter applies the tx-power range, attenuation range, and
// broadcast-window filters, in order.
func validityFilter(merged []combined) []combined {
	var kept []combined
	for _, c := range merged {
		if c.txPower < -60 || c.txPower > 20 {
			slog.Debug("rejecting advertisement", "reason", "tx_power_range", "rpi", c.rpi, "tx_power", c.txPower)
			continue
		}
		if c.attenuation < 1 || c.attenuation > 255 {
			slog.Debug("rejecting advertisement", "reason", "attenuation_range", "rpi", c.rpi, "attenuation", c.attenuation)
			continue
		}
		kept = append(kept, c)
	}

	firstSeen := make(map[model.RPI]int64)
	var final []combined
	windowSeconds := int64(model.BroadcastWindow / time.Second)
	for _, c := range kept {
		first, ok := firstSeen[c.rpi]
		if !ok {
			firstSeen[c.rpi] = c.timestamp
			final = append(final, c)
			continue
		}
		if c.timestamp-first > windowSeconds {
			slog.Debug("rejecting advertisement", "reason", "broadcast_window", "rpi", c.rpi, "timestamp", c.timestamp, "first_seen", first)
			continue
		}
		final = append(final, c)
	}
	return final
}

// Match runs the full expand/query/annotate/merge/bucket pipeline for
// one batch of TEKs against stored advertisement data, producing the
// surviving, bucketed exposure records for the batch and updating the
// session's cache and counters.
func (s *Session) Match(ctx context.Context, teks []model.TemporaryExposureKey, now time.Time) ([]model.ExposureRecord, error) {
	unique := dedupeKeys(teks)

	var filter *bloom.Filter
	if s.usePrefilter {
		f, err := s.store.BuildPrefilter(ctx, PrefilterSize, PrefilterHashes)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	buffer, validity, err := s.expand(unique, filter)
	if err != nil {
		return nil, err
	}

	s.store.SetInlineFilter(filter)
	defer s.store.ClearInlineFilter()

	matches, err := s.store.Match(ctx, buffer, validity)
	if err != nil {
		return nil, err
	}

	s.annotate(matches, unique, now)

	groups := make(map[uint32][]model.MatchedAdvertisement)
	var order []uint32
	for _, m := range matches {
		if m.Rejected() {
			continue
		}
		if _, ok := groups[m.DailyKeyIndex]; !ok {
			order = append(order, m.DailyKeyIndex)
		}
		groups[m.DailyKeyIndex] = append(groups[m.DailyKeyIndex], m)
	}

	var records []model.ExposureRecord
	for _, idx := range order {
		tek := unique[idx]
		merged := mergeGroup(groups[idx], tek)
		filtered := validityFilter(merged)
		if len(filtered) == 0 {
			continue
		}
		rec := buildExposureRecord(filtered, tek, s.config)
		records = append(records, rec)
		s.addToCache(rec)
	}
	return records, nil
}

// MatchCount runs Match and returns only the count of surviving merged
// exposure records, the contract the detection session relies on.
func (s *Session) MatchCount(ctx context.Context, teks []model.TemporaryExposureKey, now time.Time) (int, error) {
	records, err := s.Match(ctx, teks, now)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
