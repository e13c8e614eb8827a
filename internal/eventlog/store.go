package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/branchless-go/git-branchless/internal/oid"
)

// CurrentSchemaVersion is bumped whenever the events/transactions table
// shape changes incompatibly. On mismatch the caller (the `init` command)
// wipes and rebuilds the log from refs; the log itself never migrates in
// place.
const CurrentSchemaVersion = 1

// schemaMarker is the on-disk version marker, the only file this tool
// itself parses as TOML (everything VCS-side stays behind config.Getter).
type schemaMarker struct {
	Version int `toml:"version"`
}

// ErrSchemaMismatch is returned by Open when the on-disk marker doesn't
// match CurrentSchemaVersion.
var ErrSchemaMismatch = errors.New("eventlog: schema version mismatch")

const dbFileName = "branchless.db"
const markerFileName = "info.toml"

// Store is the durable, append-only event log, backed by an embedded SQLite
// database with an events table and a transactions table. Writers in other
// processes serialize behind SQLite's own locking.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	dir  string
}

// Open opens (creating if necessary) the event log under dir, which should
// be a subdirectory of the VCS common directory (e.g. "<common>/branchless").
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	markerPath := filepath.Join(dir, markerFileName)
	if existing, err := readMarker(markerPath); err == nil {
		if existing.Version != CurrentSchemaVersion {
			return nil, ErrSchemaMismatch
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	conn, err := sqlite.OpenConn(filepath.Join(dir, dbFileName), sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open db: %w", err)
	}
	s := &Store{conn: conn, dir: dir}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := writeMarker(markerPath, schemaMarker{Version: CurrentSchemaVersion}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func readMarker(path string) (schemaMarker, error) {
	var m schemaMarker
	_, err := toml.DecodeFile(path, &m)
	return m, err
}

func writeMarker(path string, m schemaMarker) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(m)
}

func (s *Store) migrate() error {
	return sqlitex.ExecuteScript(s.conn, `
CREATE TABLE IF NOT EXISTS transactions (
	tx_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	row_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	tx_id     INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	type      TEXT NOT NULL,
	ref_name  TEXT,
	old_oid   TEXT,
	new_oid   TEXT,
	message   TEXT
);
CREATE INDEX IF NOT EXISTS events_tx_id ON events(tx_id);
`, nil)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// busyRetryBackoff is how long to wait before the single retry of a write
// that lost the race for the store's lock to another process. After the
// retry the error is surfaced as-is.
const busyRetryBackoff = 50 * time.Millisecond

func isBusy(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

func retryBusy(op string, fn func() error) error {
	err := fn()
	if err != nil && isBusy(err) {
		logrus.WithError(err).WithField("op", op).Debug("eventlog: store busy, retrying")
		time.Sleep(busyRetryBackoff)
		err = fn()
	}
	return err
}

// NextTxID allocates a new transaction id bound to a wall-clock time and a
// human-readable name.
func (s *Store) NextTxID(now time.Time, name string) (TxId, error) {
	var tx TxId
	err := retryBusy("next_tx_id", func() error {
		var err error
		tx, err = s.nextTxID(now, name)
		return err
	})
	return tx, err
}

func (s *Store) nextTxID(now time.Time, name string) (TxId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmt := s.conn.Prep(`INSERT INTO transactions (name, timestamp) VALUES (?, ?);`)
	defer stmt.Reset()
	stmt.BindText(1, name)
	stmt.BindInt64(2, now.UnixNano())
	if _, err := stmt.Step(); err != nil {
		return 0, fmt.Errorf("eventlog: allocate tx id: %w", err)
	}
	return TxId(s.conn.LastInsertRowID()), nil
}

// AddEvents appends events atomically: either all rows land or none do, so
// the events of one TxId are never observed partially committed.
func (s *Store) AddEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryBusy("add_events", func() error { return s.addEvents(events) })
}

func (s *Store) addEvents(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sqlitex.Execute(s.conn, "BEGIN IMMEDIATE;", nil); err != nil {
		return fmt.Errorf("eventlog: begin: %w", err)
	}
	if err := s.insertEvents(events); err != nil {
		_ = sqlitex.Execute(s.conn, "ROLLBACK;", nil)
		return err
	}
	if err := sqlitex.Execute(s.conn, "COMMIT;", nil); err != nil {
		return fmt.Errorf("eventlog: commit: %w", err)
	}
	return nil
}

func (s *Store) insertEvents(events []Event) error {
	stmt := s.conn.Prep(`INSERT INTO events (tx_id, timestamp, type, ref_name, old_oid, new_oid, message)
VALUES (?, ?, ?, ?, ?, ?, ?);`)
	defer stmt.Reset()
	for _, e := range events {
		newOID := e.NewOID
		switch e.Kind {
		case KindCommitVisible, KindCommitHide, KindCommitUnhide, KindWorkingCopySnapshot:
			newOID = e.OID // these variants carry a single OID; store it in new_oid
		}
		stmt.BindInt64(1, int64(e.Tx))
		stmt.BindInt64(2, e.Timestamp.UnixNano())
		stmt.BindText(3, string(e.Kind))
		bindOptionalText(stmt, 4, e.RefName)
		bindOptionalOID(stmt, 5, e.OldOID)
		bindOptionalOID(stmt, 6, newOID)
		bindOptionalText(stmt, 7, e.Message)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("eventlog: insert event: %w", err)
		}
		if err := stmt.Reset(); err != nil {
			return err
		}
	}
	return nil
}

func bindOptionalText(stmt *sqlite.Stmt, col int, v string) {
	if v == "" {
		stmt.BindNull(col)
		return
	}
	stmt.BindText(col, v)
}

func bindOptionalOID(stmt *sqlite.Stmt, col int, o oid.OID) {
	if o.IsZero() {
		stmt.BindNull(col)
		return
	}
	stmt.BindText(col, o.String())
}

// Scan returns every event from fromTx (inclusive) onward in total log
// order. A nil fromTx scans the entire log.
func (s *Store) Scan(fromTx *TxId) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var query string
	if fromTx != nil {
		query = fmt.Sprintf(`SELECT tx_id, timestamp, type, ref_name, old_oid, new_oid, message
FROM events WHERE tx_id >= %d ORDER BY row_id ASC;`, int64(*fromTx))
	} else {
		query = `SELECT tx_id, timestamp, type, ref_name, old_oid, new_oid, message FROM events ORDER BY row_id ASC;`
	}
	var events []Event
	err := sqlitex.ExecuteTransient(s.conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := Event{
				Tx:        TxId(stmt.ColumnInt64(0)),
				Timestamp: time.Unix(0, stmt.ColumnInt64(1)),
				Kind:      Kind(stmt.ColumnText(2)),
				RefName:   stmt.ColumnText(3),
				Message:   stmt.ColumnText(6),
			}
			if v := stmt.ColumnText(4); v != "" {
				if o, err := oid.New(v); err == nil {
					e.OldOID = o
				}
			}
			if v := stmt.ColumnText(5); v != "" {
				if o, err := oid.New(v); err == nil {
					e.NewOID = o
					e.OID = o
				}
			}
			events = append(events, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: scan: %w", err)
	}
	return events, nil
}

// MessageFor returns the human-readable name bound to tx, if any.
func (s *Store) MessageFor(tx TxId) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var name string
	var found bool
	err := sqlitex.Execute(s.conn, `SELECT name FROM transactions WHERE tx_id = ?;`, &sqlitex.ExecOptions{
		Args: []any{int64(tx)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, err
	}
	return name, found, nil
}

// Wipe removes the database and schema marker entirely. This is the only
// way events are ever destroyed; `init` uses it before rebuilding the log
// from refs.
func Wipe(dir string) error {
	for _, name := range []string{dbFileName, dbFileName + "-wal", dbFileName + "-shm", markerFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
