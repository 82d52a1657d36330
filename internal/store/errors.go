package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/endetect/ennotif/internal/errs"
)

// classify maps a driver-level error (SQLite or Postgres) onto the
// shared error taxonomy: StoreFull, StoreCorrupt, StoreReopen,
// StoreBusy, or Internal as a catch-all.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errs.Wrap(errs.StoreBusy, op, err)
		case sqlite3.ErrFull:
			return errs.Wrap(errs.StoreFull, op, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return errs.Wrap(errs.StoreCorrupt, op, err)
		case sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			return errs.Wrap(errs.StoreReopen, op, err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53100": // disk_full
			return errs.Wrap(errs.StoreFull, op, err)
		case "58030", "58P01": // io_error, undefined_file
			return errs.Wrap(errs.StoreReopen, op, err)
		case "55P03": // lock_not_available
			return errs.Wrap(errs.StoreBusy, op, err)
		case "XX000", "XX001", "XX002": // internal_error, data_corrupted, index_corrupted
			return errs.Wrap(errs.StoreCorrupt, op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		return errs.Wrap(errs.StoreBusy, op, err)
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full"):
		return errs.Wrap(errs.StoreFull, op, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return errs.Wrap(errs.StoreCorrupt, op, err)
	case strings.Contains(msg, "unable to open") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe"):
		return errs.Wrap(errs.StoreReopen, op, err)
	}

	return errs.Wrap(errs.Internal, op, err)
}
