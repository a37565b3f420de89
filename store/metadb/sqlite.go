package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	binarycache "github.com/wolfeidau/binary-cache"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name   TEXT PRIMARY KEY,
	record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	hash            BLOB PRIMARY KEY,
	compression     TEXT NOT NULL,
	size            INTEGER NOT NULL,
	compressed_size INTEGER NOT NULL,
	backend         TEXT NOT NULL,
	ref_count       INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
	state           TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	zero_since      INTEGER
);

CREATE INDEX IF NOT EXISTS chunks_zero_since ON chunks (zero_since) WHERE ref_count = 0;

CREATE TABLE IF NOT EXISTS entries (
	cache            TEXT NOT NULL,
	store_path_hash  TEXT NOT NULL,
	nar_hash         TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL DEFAULT 0,
	record           BLOB NOT NULL,
	PRIMARY KEY (cache, store_path_hash)
);

CREATE INDEX IF NOT EXISTS entries_nar_hash ON entries (nar_hash);
`

const chunkColumns = `hash, compression, size, compressed_size, backend, ref_count, state, created_at, zero_since`

// SQLite implements Index on a SQLite database. Transactions begin
// IMMEDIATE so concurrent writers serialize on the database lock.
type SQLite struct {
	config
	db *sql.DB
}

// NewSQLite creates a new SQLite index with options.
func NewSQLite(opts ...Option) *SQLite {
	return &SQLite{config: newConfig(opts)}
}

// Open opens or creates the database file at path and applies the schema.
func (s *SQLite) Open(ctx context.Context, path string) error {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
	if s.noSync {
		dsn += "&_sync=OFF"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("applying schema: %w", err)
	}
	s.db = db

	s.logger.Debug("opened sqlite metadb", "path", path)
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapSQLiteError(err)
	}
	return mapSQLiteError(tx.Commit())
}

// mapSQLiteError translates lock contention and constraint violations into
// the index error taxonomy.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %w", ErrExists, err)
	default:
		return err
	}
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Caches

func (s *SQLite) CreateCache(ctx context.Context, c *Cache) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	data, err := encodeCache(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO caches (name, record) VALUES (?, ?)`, c.Name, data)
	if err = mapSQLiteError(err); errors.Is(err, ErrExists) {
		return fmt.Errorf("cache %q: %w", c.Name, ErrExists)
	}
	return err
}

func (s *SQLite) GetCache(ctx context.Context, name string) (*Cache, error) {
	return getCacheQ(ctx, s.db, name)
}

func getCacheQ(ctx context.Context, q querier, name string) (*Cache, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT record FROM caches WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c, err := decodeCache(data)
	if err != nil {
		return nil, err
	}
	if !c.DeletedAt.IsZero() {
		return nil, fmt.Errorf("cache %q: %w", name, ErrNotFound)
	}
	return c, nil
}

func (s *SQLite) UpdateCache(ctx context.Context, name string, fn func(*Cache) error) (*Cache, error) {
	var updated *Cache
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getCacheQ(ctx, tx, name)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Name = name
		data, err := encodeCache(c)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE caches SET record = ? WHERE name = ?`, data, name); err != nil {
			return err
		}
		updated = c
		return nil
	})
	return updated, err
}

func (s *SQLite) DestroyCache(ctx context.Context, name string) (int, error) {
	now := s.now().UTC()
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cache, err := getCacheQ(ctx, tx, name)
		if err != nil {
			return err
		}
		entries, err := queryEntries(ctx, tx, `WHERE cache = ?`, name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.deleteEntryTx(ctx, tx, e, now); err != nil {
				return err
			}
			removed++
		}
		if s.softDeleteCaches {
			cache.DeletedAt = now
			data, err := encodeCache(cache)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE caches SET record = ? WHERE name = ?`, data, name)
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *SQLite) ListCaches(ctx context.Context) ([]*Cache, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM caches ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caches []*Cache
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c, err := decodeCache(data)
		if err != nil {
			return nil, err
		}
		if !c.DeletedAt.IsZero() {
			continue
		}
		caches = append(caches, c)
	}
	return caches, rows.Err()
}

// Chunks

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (*Chunk, error) {
	var (
		hash      []byte
		state     string
		createdAt int64
		zeroSince sql.NullInt64
		c         Chunk
	)
	if err := r.Scan(&hash, &c.Compression, &c.Size, &c.CompressedSize, &c.Backend, &c.RefCount, &state, &createdAt, &zeroSince); err != nil {
		return nil, err
	}
	h, err := hashFromBytes(hash)
	if err != nil {
		return nil, err
	}
	c.Hash = h
	c.State = ChunkState(state)
	c.CreatedAt = fromUnix(createdAt)
	if zeroSince.Valid {
		c.ZeroSince = fromUnix(zeroSince.Int64)
	}
	return &c, nil
}

func getChunkQ(ctx context.Context, q querier, h binarycache.Hash) (*Chunk, error) {
	c, err := scanChunk(q.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE hash = ?`, h[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", h.ShortString(), ErrNotFound)
	}
	return c, err
}

func (s *SQLite) GetChunk(ctx context.Context, h binarycache.Hash) (*Chunk, error) {
	return getChunkQ(ctx, s.db, h)
}

func (s *SQLite) InsertChunk(ctx context.Context, c *Chunk) (*Chunk, error) {
	now := s.now().UTC()
	var stored *Chunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (hash) DO UPDATE SET zero_since = CASE
				WHEN ref_count = 0 AND state = ? THEN excluded.zero_since
				ELSE zero_since END`,
			c.Hash[:], c.Compression, c.Size, c.CompressedSize, c.Backend,
			string(ChunkValid), now.UnixNano(), now.UnixNano(), string(ChunkValid))
		if err != nil {
			return err
		}
		stored, err = getChunkQ(ctx, tx, c.Hash)
		return err
	})
	return stored, err
}

func (s *SQLite) ListZeroRefChunks(ctx context.Context, graceCutoff time.Time, limit int) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE ref_count = 0 AND state = ? AND zero_since < ?
		ORDER BY zero_since
		LIMIT ?`,
		string(ChunkValid), graceCutoff.UnixNano(), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// conflictOrMissing distinguishes a failed conditional update on an existing
// row from one on a row that does not exist.
func conflictOrMissing(ctx context.Context, q querier, h binarycache.Hash, msg string) error {
	if _, err := getChunkQ(ctx, q, h); err != nil {
		return err
	}
	return fmt.Errorf("chunk %s %s: %w", h.ShortString(), msg, ErrConflict)
}

func (s *SQLite) ClaimChunk(ctx context.Context, h binarycache.Hash, graceCutoff time.Time) (*Chunk, error) {
	var claimed *Chunk
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chunks SET state = ?
			WHERE hash = ? AND state = ? AND ref_count = 0
			  AND zero_since IS NOT NULL AND zero_since < ?`,
			string(ChunkDeleting), h[:], string(ChunkValid), graceCutoff.UnixNano())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflictOrMissing(ctx, tx, h, "no longer collectable")
		}
		claimed, err = getChunkQ(ctx, tx, h)
		return err
	})
	return claimed, err
}

func (s *SQLite) ReleaseChunk(ctx context.Context, h binarycache.Hash) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE chunks SET state = ? WHERE hash = ?`, string(ChunkValid), h[:])
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("chunk %s: %w", h.ShortString(), ErrNotFound)
		}
		return nil
	})
}

func (s *SQLite) RemoveChunk(ctx context.Context, h binarycache.Hash) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE hash = ? AND state = ?`, h[:], string(ChunkDeleting))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflictOrMissing(ctx, tx, h, "is not claimed")
		}
		return nil
	})
}

func (s *SQLite) incrementChunkTx(ctx context.Context, tx *sql.Tx, h binarycache.Hash) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE chunks SET ref_count = ref_count + 1, zero_since = NULL
		WHERE hash = ? AND state = ?`,
		h[:], string(ChunkValid))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s is missing or being collected: %w", h.ShortString(), ErrConflict)
	}
	return nil
}

func (s *SQLite) decrementChunkTx(ctx context.Context, tx *sql.Tx, h binarycache.Hash, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE chunks SET
			ref_count = ref_count - 1,
			zero_since = CASE WHEN ref_count = 1 THEN ? ELSE zero_since END
		WHERE hash = ? AND ref_count > 0`,
		now.UnixNano(), h[:])
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Error("entry references chunk with no counted index row", "chunk", h.String())
	}
	return nil
}

// Entries

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		data         []byte
		lastAccessed int64
	)
	if err := r.Scan(&data, &lastAccessed); err != nil {
		return nil, err
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	e.LastAccessedAt = fromUnix(lastAccessed)
	return e, nil
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]*Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT record, last_accessed_at FROM entries `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func getEntryQ(ctx context.Context, q querier, cache, storePathHash string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT record, last_accessed_at FROM entries WHERE cache = ? AND store_path_hash = ?`,
		cache, storePathHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", cache, storePathHash, ErrNotFound)
	}
	return e, err
}

func (s *SQLite) RegisterEntry(ctx context.Context, e *Entry) (RegisterOutcome, error) {
	now := s.now().UTC()
	outcome := Created
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getCacheQ(ctx, tx, e.Cache); err != nil {
			return err
		}

		var oldChunks []ChunkRef
		old, err := getEntryQ(ctx, tx, e.Cache, e.StorePathHash)
		switch {
		case err == nil:
			if old.NarHash == e.NarHash {
				outcome = Unchanged
				return nil
			}
			outcome = Replaced
			oldChunks = old.Chunks
		case !errors.Is(err, ErrNotFound):
			return err
		}

		added, removed := DiffChunks(oldChunks, e.Chunks)
		for _, h := range added {
			if err := s.incrementChunkTx(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, h := range removed {
			if err := s.decrementChunkTx(ctx, tx, h, now); err != nil {
				return err
			}
		}

		stored := *e
		stored.CreatedAt = now
		stored.LastAccessedAt = time.Time{}
		data, err := encodeEntry(&stored)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entries (cache, store_path_hash, nar_hash, created_at, last_accessed_at, record)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT (cache, store_path_hash) DO UPDATE SET
				nar_hash = excluded.nar_hash,
				created_at = excluded.created_at,
				last_accessed_at = 0,
				record = excluded.record`,
			e.Cache, e.StorePathHash, e.NarHash, now.UnixNano(), data)
		return err
	})
	return outcome, err
}

func (s *SQLite) ResolveEntry(ctx context.Context, cache, storePathHash string) (*Entry, error) {
	return getEntryQ(ctx, s.db, cache, storePathHash)
}

func (s *SQLite) TouchEntry(ctx context.Context, cache, storePathHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET last_accessed_at = MAX(last_accessed_at, ?)
		WHERE cache = ? AND store_path_hash = ?`,
		at.UnixNano(), cache, storePathHash)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s/%s: %w", cache, storePathHash, ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteEntry(ctx context.Context, cache, storePathHash string) error {
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntryQ(ctx, tx, cache, storePathHash)
		if err != nil {
			return err
		}
		return s.deleteEntryTx(ctx, tx, e, now)
	})
}

func (s *SQLite) deleteEntryTx(ctx context.Context, tx *sql.Tx, e *Entry, now time.Time) error {
	for _, h := range e.DistinctChunks() {
		if err := s.decrementChunkTx(ctx, tx, h, now); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache = ? AND store_path_hash = ?`, e.Cache, e.StorePathHash)
	return err
}

func (s *SQLite) ListExpiredEntries(ctx context.Context, cache string, cutoff time.Time, limit int) ([]*Entry, error) {
	return queryEntries(ctx, s.db, `
		WHERE cache = ? AND MAX(created_at, last_accessed_at) < ?
		ORDER BY MAX(created_at, last_accessed_at)
		LIMIT ?`,
		cache, cutoff.UnixNano(), sqlLimit(limit))
}

func (s *SQLite) FindEntryByNarHash(ctx context.Context, narHash string) (*Entry, error) {
	entries, err := queryEntries(ctx, s.db, `WHERE nar_hash = ? LIMIT 1`, narHash)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("nar hash %s: %w", narHash, ErrNotFound)
	}
	return entries[0], nil
}

func (s *SQLite) MissingPaths(ctx context.Context, cache string, storePathHashes []string) ([]string, error) {
	var missing []string
	for _, h := range storePathHashes {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM entries WHERE cache = ? AND store_path_hash = ?`, cache, h).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, h)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

var _ Index = (*SQLite)(nil)
