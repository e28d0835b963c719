// Package store persists a session's frame index and annotation overlay in
// a SQLite sidecar next to the capture file, so a file that was indexed once
// can be reopened without parsing the whole container again. The sidecar is
// a cache: it is validated against the capture file's identity (path, size,
// modification time, schema version) and discarded wholesale when stale.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Zerofisher/capfile/capture"
	"github.com/Zerofisher/capfile/frame"
)

// schemaVersion is bumped whenever the sidecar layout changes; a mismatch
// invalidates the cache.
const schemaVersion = 1

// SidecarPath returns the conventional sidecar location for a capture file.
func SidecarPath(capPath string) string {
	return capPath + ".idx.db"
}

// Cache is one open sidecar database.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) a sidecar database.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sidecar %s: %w", path, err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Cache{db: db, path: path}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the sidecar.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Path returns the sidecar's file path.
func (c *Cache) Path() string { return c.path }

func (c *Cache) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS frames (
	num      INTEGER PRIMARY KEY,
	file_off INTEGER NOT NULL,
	cap_len  INTEGER NOT NULL,
	length   INTEGER NOT NULL,
	time_ns  INTEGER NOT NULL,
	marked   INTEGER NOT NULL DEFAULT 0,
	ignored  INTEGER NOT NULL DEFAULT 0,
	ref_time INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS comments (
	num  INTEGER NOT NULL,
	pos  INTEGER NOT NULL,
	text TEXT NOT NULL,
	PRIMARY KEY (num, pos)
);
`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("init sidecar schema: %w", err)
	}
	return nil
}

// FileIdent is the capture-file identity a sidecar was built from.
type FileIdent struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Ident stats a capture file into its identity.
func Ident(capPath string) (FileIdent, error) {
	fi, err := os.Stat(capPath)
	if err != nil {
		return FileIdent{}, fmt.Errorf("stat %s: %w", capPath, err)
	}
	return FileIdent{Path: capPath, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Valid reports whether the sidecar matches the given capture file. Any
// mismatch (different file, modified file, older schema, empty sidecar)
// means the index must be rebuilt from the container.
func (c *Cache) Valid(id FileIdent) (bool, error) {
	meta, err := c.readMeta()
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	return meta.Path == id.Path &&
		meta.Size == id.Size &&
		meta.ModTime.Equal(id.ModTime) &&
		meta.Schema == schemaVersion, nil
}

type metaRow struct {
	Path    string
	Size    int64
	ModTime time.Time
	Schema  int
	Count   uint32
}

func (c *Cache) readMeta() (*metaRow, error) {
	rows, err := c.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("read sidecar meta: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(kv) == 0 {
		return nil, nil
	}

	m := &metaRow{Path: kv["path"]}
	m.Size, _ = strconv.ParseInt(kv["size"], 10, 64)
	modNS, _ := strconv.ParseInt(kv["mod_ns"], 10, 64)
	m.ModTime = time.Unix(0, modNS)
	m.Schema, _ = strconv.Atoi(kv["schema"])
	count, _ := strconv.ParseUint(kv["count"], 10, 32)
	m.Count = uint32(count)
	return m, nil
}

// SaveIndex replaces the sidecar's contents with the given frame index and
// annotation overlay. Frames are written in one transaction; a failure
// leaves the previous sidecar contents untouched.
func (c *Cache) SaveIndex(id FileIdent, ix *frame.Index, blocks map[uint32]*capture.Block) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sidecar write: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM frames`, `DELETE FROM comments`, `DELETE FROM meta`} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear sidecar: %w", err)
		}
	}

	ins, err := tx.Prepare(`INSERT INTO frames
		(num, file_off, cap_len, length, time_ns, marked, ignored, ref_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for num := uint32(1); num <= ix.Len(); num++ {
		f := ix.Find(num)
		if _, err := ins.Exec(f.Num, f.FileOff, f.CapLen, f.Len, f.TimeNS,
			boolInt(f.Marked), boolInt(f.Ignored), boolInt(f.RefTime)); err != nil {
			return fmt.Errorf("write frame %d: %w", num, err)
		}
	}

	insC, err := tx.Prepare(`INSERT INTO comments (num, pos, text) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insC.Close()
	for num, b := range blocks {
		for pos, text := range b.Comments {
			if _, err := insC.Exec(num, pos, text); err != nil {
				return fmt.Errorf("write comments for frame %d: %w", num, err)
			}
		}
	}

	insM, err := tx.Prepare(`INSERT INTO meta (key, value) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insM.Close()
	meta := map[string]string{
		"path":   id.Path,
		"size":   strconv.FormatInt(id.Size, 10),
		"mod_ns": strconv.FormatInt(id.ModTime.UnixNano(), 10),
		"schema": strconv.Itoa(schemaVersion),
		"count":  strconv.FormatUint(uint64(ix.Len()), 10),
	}
	for k, v := range meta {
		if _, err := insM.Exec(k, v); err != nil {
			return fmt.Errorf("write sidecar meta: %w", err)
		}
	}

	return tx.Commit()
}

// LoadIndex rebuilds a frame index and annotation overlay from the sidecar.
// The caller has already checked Valid.
func (c *Cache) LoadIndex() (*frame.Index, map[uint32]*capture.Block, error) {
	ix := frame.NewIndex()
	rows, err := c.db.Query(`SELECT num, file_off, cap_len, length, time_ns, marked, ignored, ref_time
		FROM frames ORDER BY num`)
	if err != nil {
		return nil, nil, fmt.Errorf("read sidecar frames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f                        frame.Frame
			marked, ignored, refTime int
		)
		if err := rows.Scan(&f.Num, &f.FileOff, &f.CapLen, &f.Len, &f.TimeNS,
			&marked, &ignored, &refTime); err != nil {
			return nil, nil, err
		}
		f.Marked = marked != 0
		f.Ignored = ignored != 0
		f.RefTime = refTime != 0
		stored := ix.Append(f)
		if stored.Num != f.Num {
			return nil, nil, fmt.Errorf("sidecar frames not dense at %d", f.Num)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	blocks := make(map[uint32]*capture.Block)
	crows, err := c.db.Query(`SELECT num, text FROM comments ORDER BY num, pos`)
	if err != nil {
		return nil, nil, fmt.Errorf("read sidecar comments: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var (
			num  uint32
			text string
		)
		if err := crows.Scan(&num, &text); err != nil {
			return nil, nil, err
		}
		b := blocks[num]
		if b == nil {
			b = &capture.Block{}
			blocks[num] = b
		}
		b.Comments = append(b.Comments, text)
	}
	if err := crows.Err(); err != nil {
		return nil, nil, err
	}
	return ix, blocks, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
