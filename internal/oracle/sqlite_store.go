package oracle

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// sourceInfo tracks metadata about a single malware-list source.
type sourceInfo struct {
	url   string
	count int
}

// SQLiteOracle is a persisted Oracle backed by SQLite, for deployments
// that want the malware list to survive process restarts and be
// refreshed from a remote source without redistributing the binary. All
// lookups are served from an in-memory cache loaded at Open and rebuilt
// on Update.
type SQLiteOracle struct {
	conn   *sqlite.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]struct{}

	sourceCount int
}

// OpenSQLiteOracle opens or creates a malware database at dbPath and
// loads it into memory. Pass ":memory:" for a transient in-memory DB.
func OpenSQLiteOracle(dbPath string, logger *slog.Logger) (*SQLiteOracle, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open malware db: %w", err)
	}

	o := &SQLiteOracle{
		conn:    conn,
		logger:  logger,
		entries: make(map[string]struct{}),
	}

	if err := o.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := o.loadCache(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return o, nil
}

// Close closes the underlying database connection.
func (o *SQLiteOracle) Close() error {
	return o.conn.Close()
}

// IsMalware reports whether (name, version) is in the cached entry set.
func (o *SQLiteOracle) IsMalware(name, version string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.entries[strings.ToLower(name)+"@"+version]
	return ok
}

// Size returns the number of entries loaded.
func (o *SQLiteOracle) Size() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// SourceCount returns the number of configured malware-list sources.
func (o *SQLiteOracle) SourceCount() int {
	return o.sourceCount
}

// Update downloads malware entries from the given URLs and rebuilds the
// database. Each source is expected to yield "name@version" lines. This
// replaces all existing entry data.
func (o *SQLiteOracle) Update(urls []string, fetch FetchFunc) error {
	var all []string
	var sources []sourceInfo

	for _, u := range urls {
		o.logger.Info("fetching malware list", "url", u)

		entries, err := fetch(u)
		if err != nil {
			o.logger.Error("failed to fetch malware list", "url", u, "error", err)
			continue
		}

		o.logger.Info("parsed malware list", "url", u, "entries", len(entries))
		sources = append(sources, sourceInfo{url: u, count: len(entries)})
		all = append(all, entries...)
	}

	if err := o.rebuild(all, sources); err != nil {
		return fmt.Errorf("rebuild malware db: %w", err)
	}
	if err := o.loadCache(); err != nil {
		return fmt.Errorf("reload malware cache: %w", err)
	}

	o.sourceCount = len(sources)
	o.logger.Info("malware list updated", "entries", o.Size(), "sources", len(sources))

	return nil
}

func (o *SQLiteOracle) ensureSchema() error {
	return sqlitex.ExecuteScript(o.conn, `
		CREATE TABLE IF NOT EXISTS entries (
			name    TEXT NOT NULL,
			version TEXT NOT NULL,
			PRIMARY KEY (name, version)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS sources (
			url     TEXT NOT NULL PRIMARY KEY,
			fetched TEXT NOT NULL,
			count   INTEGER NOT NULL
		) WITHOUT ROWID;
	`, nil)
}

func (o *SQLiteOracle) loadCache() error {
	entries := make(map[string]struct{})

	err := sqlitex.Execute(o.conn, "SELECT name, version FROM entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries[stmt.ColumnText(0)+"@"+stmt.ColumnText(1)] = struct{}{}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("load malware entries from db: %w", err)
	}

	var sourceCount int
	err = sqlitex.Execute(o.conn, "SELECT COUNT(*) FROM sources", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sourceCount = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("count malware sources: %w", err)
	}

	o.mu.Lock()
	o.entries = entries
	o.mu.Unlock()
	o.sourceCount = sourceCount

	return nil
}

func (o *SQLiteOracle) rebuild(rawEntries []string, sources []sourceInfo) (err error) {
	defer sqlitex.Save(o.conn)(&err)

	if err = sqlitex.Execute(o.conn, "DELETE FROM entries", nil); err != nil { //nolint:gocritic // named return for sqlitex.Save
		return err
	}
	if err = sqlitex.Execute(o.conn, "DELETE FROM sources", nil); err != nil { //nolint:gocritic // named return for sqlitex.Save
		return err
	}

	seen := make(map[string]struct{}, len(rawEntries))
	for _, e := range rawEntries {
		name, version, ok := splitEntry(e)
		if !ok {
			continue
		}
		key := name + "@" + version
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		err = sqlitex.Execute(o.conn,
			"INSERT INTO entries (name, version) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{name, version}})
		if err != nil {
			return fmt.Errorf("insert entry %q: %w", e, err)
		}
	}

	for _, s := range sources {
		err = sqlitex.Execute(o.conn,
			"INSERT OR REPLACE INTO sources (url, fetched, count) VALUES (?, datetime('now'), ?)",
			&sqlitex.ExecOptions{Args: []any{s.url, s.count}})
		if err != nil {
			return fmt.Errorf("insert source %q: %w", s.url, err)
		}
	}

	return nil
}
