// Package store implements the persistent advertisement table and its
// streaming RPI-buffer join: GORM over a pluggable SQLite/Postgres
// backend selected by db.type, with every read wrapped in its own
// exclusive transaction.
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/endetect/ennotif/internal/bloom"
	"github.com/endetect/ennotif/internal/errs"
	"github.com/endetect/ennotif/internal/model"
)

// busyRetryRate and busyRetryBurst size the backoff applied around every
// transactional store operation: at most 20 retries per second against
// a StoreBusy condition, with a burst of 3 so the first few contending
// callers don't stall waiting on the limiter.
const (
	busyRetryRate  = rate.Limit(20)
	busyRetryBurst = 3
)

// Store is the persistent, row-oriented advertisement table.
type Store struct {
	db *gorm.DB

	mu          sync.Mutex
	cachedCount *uint64

	inlineMu     sync.RWMutex
	inlineFilter *bloom.Filter

	backoff *backoff
}

// Open connects to a store backend. dbType is "sqlite" or "postgres";
// dsn is the file path (sqlite) or connection string (postgres).
func Open(dbType, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch dbType {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errs.Newf(errs.InvalidArgument, "store: unsupported database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, classify("open", err)
	}

	if dbType == "sqlite" || dbType == "" {
		// SQLite serializes writers at the file level; a single
		// connection avoids "database is locked" errors surfacing as
		// spurious StoreBusy results from the connection pool itself
		// rather than from genuine external contention.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, classify("migrate", err)
	}

	return &Store{db: db, backoff: newBackoff(busyRetryRate, busyRetryBurst)}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify("close", err)
	}
	return classify("close", sqlDB.Close())
}

// SetInlineFilter installs the query session's pre-filter so lookups
// the filter definitely rejects never reach the table. It must be
// cleared (ClearInlineFilter) when the owning session ends: the store
// only borrows the reference for the session's lifetime.
func (s *Store) SetInlineFilter(f *bloom.Filter) {
	s.inlineMu.Lock()
	defer s.inlineMu.Unlock()
	s.inlineFilter = f
}

// ClearInlineFilter tears down the inline filter installed by
// SetInlineFilter.
func (s *Store) ClearInlineFilter() {
	s.inlineMu.Lock()
	defer s.inlineMu.Unlock()
	s.inlineFilter = nil
}

func (s *Store) inlineFilterSnapshot() *bloom.Filter {
	s.inlineMu.RLock()
	defer s.inlineMu.RUnlock()
	return s.inlineFilter
}

func (s *Store) invalidateCount() {
	s.mu.Lock()
	s.cachedCount = nil
	s.mu.Unlock()
}

// readTx runs fn inside an exclusive, serializable, read-only
// transaction, giving every read a stable snapshot across the join
// and row-count refresh. A StoreBusy result (lock contention under
// SQLite, or lock_not_available under Postgres) is retried with
// paced backoff rather than surfaced to the caller on the first
// collision.
func (s *Store) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true}
	return s.backoff.onBusy(ctx, func() error {
		err := s.db.WithContext(ctx).Transaction(fn, opts)
		return classify("read_tx", err)
	})
}

// StoredCount returns the number of rows in the table. The value is
// cached and only refreshed on mutation or after a query that may have
// exceeded the cached upper bound.
func (s *Store) StoredCount(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	if s.cachedCount != nil {
		n := *s.cachedCount
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	var count int64
	err := s.readTx(ctx, func(tx *gorm.DB) error {
		return tx.Model(&row{}).Count(&count).Error
	})
	if err != nil {
		return 0, err
	}

	n := uint64(count)
	s.mu.Lock()
	s.cachedCount = &n
	s.mu.Unlock()
	return n, nil
}

// BuildPrefilter enumerates every stored RPI under an exclusive read
// transaction and inserts each into a fresh Filter.
func (s *Store) BuildPrefilter(ctx context.Context, size, k int) (*bloom.Filter, error) {
	f, err := bloom.New(size, k)
	if err != nil {
		return nil, err
	}

	err = s.readTx(ctx, func(tx *gorm.DB) error {
		rows, err := tx.Model(&row{}).Select("rpi").Rows()
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rpiBytes []byte
			if err := rows.Scan(&rpiBytes); err != nil {
				return err
			}
			var rpi model.RPI
			copy(rpi[:], rpiBytes)
			f.Insert(rpi)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Insert persists an advertisement record. Writes are external to the
// query/detection pipeline but the store owns their serialization and
// invalidates the cached count.
func (s *Store) Insert(ctx context.Context, rec model.AdvertisementRecord) error {
	if !rec.Valid() {
		return errs.New(errs.InvalidArgument, "store: counter must be >= 1")
	}
	err := s.backoff.onBusy(ctx, func() error {
		return classify("insert", s.db.WithContext(ctx).Create(rowFromRecord(rec)).Error)
	})
	if err == nil {
		s.invalidateCount()
	}
	return err
}

// Purge deletes rows whose timestamp is older than cutoff (Unix epoch
// seconds). It is external to the query/detection pipeline but uses
// the same store-level serialization as reads and writes.
func (s *Store) Purge(ctx context.Context, cutoff int64) (int64, error) {
	var affected int64
	err := s.backoff.onBusy(ctx, func() error {
		tx := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&row{})
		if err := classify("purge", tx.Error); err != nil {
			return err
		}
		affected = tx.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.invalidateCount()
	return affected, nil
}

// RetentionCutoff returns the Unix epoch second below which rows are
// eligible for purge, given the current wall-clock time.
func RetentionCutoff(now time.Time) int64 {
	return now.Add(-model.RetentionWindow).Unix()
}

// Match finds every stored row whose RPI appears in rpiBuffer at an
// index whose validity[i] is true. Each match is annotated with the
// daily key index and RPI index derived from its buffer position;
// when the same RPI occupies more than one valid buffer position, the
// first (ascending) position wins.
//
// The returned slice is bounded by the store's row count as observed
// at the start of this call: if the underlying rows would produce more
// matches than that bound, the excess is dropped and the cached count
// is invalidated so the next call refreshes it.
func (s *Store) Match(ctx context.Context, rpiBuffer []byte, validity []bool) ([]model.MatchedAdvertisement, error) {
	if len(rpiBuffer) != len(validity)*model.KeyLength {
		return nil, errs.New(errs.InvalidArgument, "store: rpiBuffer length must be 16*len(validity)")
	}

	positionByRPI := make(map[model.RPI]int)
	var keys [][]byte
	filter := s.inlineFilterSnapshot()

	for i, valid := range validity {
		if !valid {
			continue
		}
		var rpi model.RPI
		copy(rpi[:], rpiBuffer[i*model.KeyLength:(i+1)*model.KeyLength])
		if filter != nil && !filter.MaybePresent(rpi) {
			continue
		}
		if _, seen := positionByRPI[rpi]; seen {
			continue
		}
		positionByRPI[rpi] = i
		keys = append(keys, append([]byte(nil), rpi[:]...))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	bound, err := s.StoredCount(ctx)
	if err != nil {
		return nil, err
	}

	var results []model.MatchedAdvertisement
	overflow := false
	err = s.readTx(ctx, func(tx *gorm.DB) error {
		var rows []row
		if err := tx.Where("rpi IN ?", keys).Order("timestamp ASC").Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			if bound > 0 && uint64(len(results)) >= bound {
				overflow = true
				break
			}
			var rpi model.RPI
			copy(rpi[:], r.RPI)
			idx, ok := positionByRPI[rpi]
			if !ok {
				continue
			}
			results = append(results, model.MatchedAdvertisement{
				AdvertisementRecord: r.toRecord(),
				DailyKeyIndex:       uint32(idx / model.MaxRollingPeriod),
				RPIIndex:            uint8(idx % model.MaxRollingPeriod),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if overflow {
		s.invalidateCount()
	}
	return results, nil
}
