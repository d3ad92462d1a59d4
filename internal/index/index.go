// Package index keeps a queryable sqlite summary of a run: one row per tick
// and one row per genome lifecycle event. The journal stays the source of
// truth; records are dropped here when the writer falls behind.
package index

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"genomevm/internal/genome"
	"genomevm/internal/logging"
)

var (
	indexLogger = logging.GetLogger().WithPrefix("index")
)

const (
	queueSize     = 65536
	commitEvery   = 512
	commitMaxWait = time.Second
)

// TickRow summarizes one tick.
type TickRow struct {
	Tick         int `json:"tick"`
	Active       int `json:"active"`
	Instructions int `json:"instructions"`
	Violations   int `json:"violations"`
	Errors       int `json:"errors"`
}

// LifecycleRow is one lifecycle event.
type LifecycleRow struct {
	Seq    int    `json:"seq"`
	Tick   int    `json:"tick"`
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Index writes records on a background goroutine.
type Index struct {
	db *sql.DB

	ch   chan genome.Record
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

// Open opens or creates the database at path and starts the writer.
func Open(path string) (*Index, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx := &Index{db: db, ch: make(chan genome.Record, queueSize)}
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.loop()
	}()
	indexLogger.Debug("Index opened at %s", path)
	return idx, nil
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("empty index path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create index directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "exec %s", p)
		}
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			active INTEGER NOT NULL,
			instructions INTEGER NOT NULL,
			violations INTEGER NOT NULL,
			errors INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS lifecycle (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_idx ON lifecycle(idx, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

// Observe is a genome.Observer. It never blocks.
func (idx *Index) Observe(ev genome.Event) {
	idx.Write(ev.Record())
}

// Write queues rec, dropping it when the queue is full.
func (idx *Index) Write(rec genome.Record) {
	if idx == nil || idx.closed.Load() {
		return
	}
	select {
	case idx.ch <- rec:
	default:
		idx.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded.
func (idx *Index) Dropped() uint64 { return idx.dropped.Load() }

// Close drains the queue and closes the database.
func (idx *Index) Close() error {
	var err error
	idx.once.Do(func() {
		idx.closed.Store(true)
		close(idx.ch)
		idx.wg.Wait()
		err = idx.db.Close()
	})
	return err
}

func isLifecycle(k genome.Kind) bool {
	switch k {
	case genome.KindStart, genome.KindStop, genome.KindAdd, genome.KindRemove, genome.KindComplete, genome.KindError:
		return true
	}
	return false
}

func (idx *Index) loop() {
	ctx := context.Background()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
		current    TickRow
	)

	begin := func() bool {
		if tx != nil {
			return true
		}
		t, err := idx.db.BeginTx(ctx, nil)
		if err != nil {
			indexLogger.Warn("Failed to begin transaction: %v", err)
			return false
		}
		tx = t
		opCount = 0
		lastCommit = time.Now()
		return true
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			indexLogger.Warn("Failed to commit: %v", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		indexLogger.Warn("Dropping batch: %v", err)
		if tx != nil {
			_ = tx.Rollback()
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for rec := range idx.ch {
		switch rec.Kind {
		case genome.KindInstruction:
			current.Instructions++
		case genome.KindViolation:
			current.Violations++
		case genome.KindError:
			current.Errors++
		}

		if rec.Kind != genome.KindTick && !isLifecycle(rec.Kind) {
			continue
		}
		if !begin() {
			continue
		}

		var err error
		if rec.Kind == genome.KindTick {
			current.Tick = rec.Tick
			current.Active = rec.Active
			_, err = tx.Exec(`INSERT OR REPLACE INTO ticks(tick,active,instructions,violations,errors) VALUES(?,?,?,?,?)`,
				current.Tick, current.Active, current.Instructions, current.Violations, current.Errors)
			current = TickRow{}
		} else {
			_, err = tx.Exec(`INSERT INTO lifecycle(tick,idx,kind,reason,error) VALUES(?,?,?,?,?)`,
				rec.Tick, rec.Index, string(rec.Kind), rec.Reason, rec.Error)
		}
		if err != nil {
			rollback(err)
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

// Ticks returns every tick row in order.
func (idx *Index) Ticks(ctx context.Context) ([]TickRow, error) {
	return QueryTicks(ctx, idx.db)
}

// Lifecycle returns the lifecycle rows for genome index i, or every row
// when i is zero.
func (idx *Index) Lifecycle(ctx context.Context, i int) ([]LifecycleRow, error) {
	return QueryLifecycle(ctx, idx.db, i)
}

// OpenReadOnly opens an existing index for queries only.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	return openDB(path)
}

// QueryTicks lists the ticks table.
func QueryTicks(ctx context.Context, db *sql.DB) ([]TickRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT tick,active,instructions,violations,errors FROM ticks ORDER BY tick`)
	if err != nil {
		return nil, errors.Wrap(err, "query ticks")
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var r TickRow
		if err := rows.Scan(&r.Tick, &r.Active, &r.Instructions, &r.Violations, &r.Errors); err != nil {
			return nil, errors.Wrap(err, "scan tick")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query ticks")
}

// QueryLifecycle lists lifecycle rows, filtered by genome index when i > 0.
func QueryLifecycle(ctx context.Context, db *sql.DB, i int) ([]LifecycleRow, error) {
	query := `SELECT seq,tick,idx,kind,reason,error FROM lifecycle`
	var args []any
	if i > 0 {
		query += ` WHERE idx=?`
		args = append(args, i)
	}
	query += ` ORDER BY seq`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query lifecycle")
	}
	defer rows.Close()

	var out []LifecycleRow
	for rows.Next() {
		var r LifecycleRow
		if err := rows.Scan(&r.Seq, &r.Tick, &r.Index, &r.Kind, &r.Reason, &r.Error); err != nil {
			return nil, errors.Wrap(err, "scan lifecycle")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query lifecycle")
}
