package pagestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// DefaultSQLOpTimeout bounds a single statement when SQLOptions.OpTimeout is unset.
const DefaultSQLOpTimeout = 5 * time.Second

// SQLOptions configures OpenSQLStore.
type SQLOptions struct {
	// Table holds one row per page plus a settings row with page_id 0.
	Table    string
	PageSize int
	MaxPages int
	// OpTimeout bounds every statement.
	OpTimeout time.Duration
	// CloseDB makes Close also close the *sql.DB.
	CloseDB bool
	Logger  *zap.Logger
}

// SQLStore keeps pages as BLOB rows of a relational table. Statements use ?
// placeholders, which SQLite and MySQL drivers accept.
type SQLStore struct {
	mu       sync.Mutex
	db       *sql.DB
	ctx      context.Context // parent of every statement context
	table    string
	pageSize int
	maxPages int
	timeout  time.Duration
	closeDB  bool
	closed   bool
	logger   *zap.Logger
}

// OpenSQLStore creates the table if needed and validates the persisted page
// size. ctx bounds the lifetime of every later statement issued by the store.
func OpenSQLStore(ctx context.Context, db *sql.DB, opts SQLOptions) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: sql store needs a database handle", dberrors.ErrInvalidConfig)
	}
	if !tableNamePattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", dberrors.ErrInvalidConfig, opts.Table)
	}
	if err := checkPageSize(opts.PageSize); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = DefaultSQLOpTimeout
	}
	ss := &SQLStore{
		db:       db,
		ctx:      ctx,
		table:    opts.Table,
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		timeout:  timeout,
		closeDB:  opts.CloseDB,
		logger:   logger.Named("sql_store").With(zap.String("table", opts.Table)),
	}
	if err := ss.init(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *SQLStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(ss.ctx, ss.timeout)
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", dberrors.ErrIO, op, err)
}

func (ss *SQLStore) init() error {
	ctx, cancel := ss.opContext()
	defer cancel()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		page_id INTEGER PRIMARY KEY,
		data BLOB NOT NULL,
		free INTEGER NOT NULL DEFAULT 0
	)`, ss.table)
	if _, err := ss.db.ExecContext(ctx, ddl); err != nil {
		return ioErr("creating page table", err)
	}

	var settings []byte
	err := ss.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE page_id = 0`, ss.table)).Scan(&settings)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		settings = make([]byte, 8)
		binary.LittleEndian.PutUint32(settings[0:4], uint32(ss.pageSize))
		binary.LittleEndian.PutUint32(settings[4:8], uint32(max(ss.maxPages, 0)))
		if _, err := ss.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (page_id, data, free) VALUES (0, ?, 0)`, ss.table), settings); err != nil {
			return ioErr("writing store settings", err)
		}
		ss.logger.Info("Created page table", zap.Int("page_size", ss.pageSize), zap.Int("max_pages", ss.maxPages))
	case err != nil:
		return ioErr("reading store settings", err)
	default:
		if len(settings) < 8 {
			return fmt.Errorf("%w: settings row of %s is corrupt", dberrors.ErrIO, ss.table)
		}
		if got := int(binary.LittleEndian.Uint32(settings[0:4])); got != ss.pageSize {
			return fmt.Errorf("%w: table page size %d does not match configured %d", dberrors.ErrInvalidConfig, got, ss.pageSize)
		}
		ss.maxPages = int(binary.LittleEndian.Uint32(settings[4:8]))
	}
	return nil
}

func (ss *SQLStore) PageSize() int { return ss.pageSize }

func (ss *SQLStore) AllocatePage() (PageID, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return InvalidPageID, ErrClosed
	}
	ctx, cancel := ss.opContext()
	defer cancel()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return InvalidPageID, ioErr("begin allocation", err)
	}
	defer func() { _ = tx.Rollback() }()

	empty := make([]byte, ss.pageSize)
	var id int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT page_id FROM %s WHERE free = 1 ORDER BY page_id LIMIT 1`, ss.table)).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET free = 0, data = ? WHERE page_id = ?`, ss.table), empty, id); err != nil {
			return InvalidPageID, ioErr("reusing freed page", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if ss.maxPages > 0 {
			var live int
			if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE page_id > 0 AND free = 0`, ss.table)).Scan(&live); err != nil {
				return InvalidPageID, ioErr("counting live pages", err)
			}
			if live >= ss.maxPages {
				return InvalidPageID, ErrStoreFull
			}
		}
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(page_id), 0) + 1 FROM %s`, ss.table)).Scan(&id); err != nil {
			return InvalidPageID, ioErr("choosing page id", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (page_id, data, free) VALUES (?, ?, 0)`, ss.table), id, empty); err != nil {
			return InvalidPageID, ioErr("inserting page", err)
		}
	default:
		return InvalidPageID, ioErr("looking up freed pages", err)
	}
	if err := tx.Commit(); err != nil {
		return InvalidPageID, ioErr("commit allocation", err)
	}
	return PageID(id), nil
}

func (ss *SQLStore) ReadPage(id PageID) ([]byte, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, ErrClosed
	}
	if id == InvalidPageID {
		return nil, notFound(id)
	}
	ctx, cancel := ss.opContext()
	defer cancel()

	var data []byte
	var free int
	err := ss.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data, free FROM %s WHERE page_id = ?`, ss.table), int64(id)).Scan(&data, &free)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && free != 0) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, ioErr(fmt.Sprintf("reading page %d", id), err)
	}
	if len(data) != ss.pageSize {
		return nil, fmt.Errorf("%w: page %d has %d bytes, want %d", dberrors.ErrIO, id, len(data), ss.pageSize)
	}
	return data, nil
}

func (ss *SQLStore) WritePage(id PageID, data []byte) error {
	if err := checkPageData(id, data, ss.pageSize); err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}
	return ss.updateLive(id, fmt.Sprintf(`UPDATE %s SET data = ? WHERE page_id = ? AND page_id > 0 AND free = 0`, ss.table), data)
}

func (ss *SQLStore) FreePage(id PageID) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}
	return ss.updateLive(id, fmt.Sprintf(`UPDATE %s SET free = 1, data = ? WHERE page_id = ? AND page_id > 0 AND free = 0`, ss.table), []byte{})
}

// updateLive runs a single-row update that only matches live pages.
func (ss *SQLStore) updateLive(id PageID, stmt string, data []byte) error {
	ctx, cancel := ss.opContext()
	defer cancel()
	res, err := ss.db.ExecContext(ctx, stmt, data, int64(id))
	if err != nil {
		return ioErr(fmt.Sprintf("updating page %d", id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr(fmt.Sprintf("updating page %d", id), err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// Flush checks the connection; every statement already commits on its own.
func (ss *SQLStore) Flush() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrClosed
	}
	ctx, cancel := ss.opContext()
	defer cancel()
	if err := ss.db.PingContext(ctx); err != nil {
		return ioErr("flush", err)
	}
	return nil
}

func (ss *SQLStore) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	if ss.closeDB {
		if err := ss.db.Close(); err != nil {
			return ioErr("closing database", err)
		}
	}
	return nil
}
