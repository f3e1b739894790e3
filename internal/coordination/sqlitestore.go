package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore is the single-process realization of Store from
// spec.md §9's "any store offering serializable multi-key transactions"
// clause: SQLite only ever has one writer, so atomicity for the five
// operations is provided by a Go mutex serializing every write rather
// than a database-level isolation level. Grounded on the teacher's
// database.SQLiteDB (internal/database/sqlite.go) for the
// database/sql + mattn/go-sqlite3 open/ping/migrate pattern; the
// coordination schema replaces the teacher's unrelated application
// tables.
type SqliteStore struct {
	mu sync.Mutex
	db *sql.DB

	models   map[string]ModelCapacity
	jobTypes map[string]JobTypeResource
}

// NewSqliteStore opens (or creates) a SQLite database at path —
// ":memory:" is the conformance-test configuration — migrates the
// coordination schema, and seeds static configuration.
func NewSqliteStore(path string, models []ratelimit.ModelConfig, jobTypes []ratelimit.JobTypeConfig) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to open sqlite database: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1) // one writer; mirrors the mutex serialization above

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &SqliteStore{
		db:       db,
		models:   make(map[string]ModelCapacity, len(models)),
		jobTypes: make(map[string]JobTypeResource, len(jobTypes)),
	}
	for _, m := range models {
		s.models[m.ID] = ModelCapacity{m}
	}
	for _, jt := range jobTypes {
		s.jobTypes[jt.ID] = JobTypeResource{EstimatedTokens: jt.EstimatedTokens, EstimatedRequests: jt.EstimatedRequests, Ratio: jt.Ratio}
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			last_heartbeat INTEGER NOT NULL,
			in_flight_by_model TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS allocations (
			instance_id TEXT PRIMARY KEY,
			allocation TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			model_id TEXT NOT NULL,
			dimension TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (model_id, dimension, window_start)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *SqliteStore) recomputeLocked(now time.Time) error {
	rows, err := s.db.Query(`SELECT instance_id FROM instances`)
	if err != nil {
		return err
	}
	var instanceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		instanceIDs = append(instanceIDs, id)
	}
	rows.Close()

	in := recomputeInput{
		instanceCount: len(instanceIDs),
		models:        s.models,
		jobTypes:      s.jobTypes,
		actuals:       make(map[string]WindowActuals, len(s.models)),
	}
	minuteStart := windowStart(now, ratelimit.DimensionTPM.WindowMs())
	dayStart := windowStart(now, ratelimit.DimensionTPD.WindowMs())
	for modelID := range s.models {
		var wa WindowActuals
		wa.TPM = s.queryActual(modelID, ratelimit.DimensionTPM, minuteStart)
		wa.RPM = s.queryActual(modelID, ratelimit.DimensionRPM, minuteStart)
		wa.TPD = s.queryActual(modelID, ratelimit.DimensionTPD, dayStart)
		wa.RPD = s.queryActual(modelID, ratelimit.DimensionRPD, dayStart)
		in.actuals[modelID] = wa
	}

	out := recompute(in)

	metrics.GetMetrics().RecordRecompute()
	logging.Debug("RECOMPUTE ran", map[string]interface{}{
		"backend": "sqlite", "instance_count": in.instanceCount, "models": len(out.pools),
	})

	alloc := ratelimit.Allocation{InstanceCount: in.instanceCount, Pools: out.pools}
	raw, err := json.Marshal(alloc)
	if err != nil {
		return err
	}
	for _, id := range instanceIDs {
		if _, err := s.db.Exec(`
			INSERT INTO allocations (instance_id, allocation) VALUES (?, ?)
			ON CONFLICT(instance_id) DO UPDATE SET allocation = excluded.allocation
		`, id, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *SqliteStore) queryActual(modelID string, dim ratelimit.Dimension, windowStart int64) int64 {
	var total int64
	row := s.db.QueryRow(`SELECT total FROM usage WHERE model_id=? AND dimension=? AND window_start=?`, modelID, string(dim), windowStart)
	row.Scan(&total)
	return total
}

func (s *SqliteStore) Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO instances (instance_id, last_heartbeat, in_flight_by_model) VALUES (?, ?, '{}')
		ON CONFLICT(instance_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat
	`, instanceID, now.UnixMilli()); err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.recomputeLocked(now); err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.snapshotLocked(instanceID)
}

func (s *SqliteStore) Unregister(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM instances WHERE instance_id=?`, instanceID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.db.Exec(`DELETE FROM allocations WHERE instance_id=?`, instanceID)
	if err := s.recomputeLocked(time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SqliteStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	row := s.db.QueryRow(`SELECT allocation FROM allocations WHERE instance_id=?`, instanceID)
	if err := row.Scan(&raw); err != nil {
		return false, nil
	}
	var alloc ratelimit.Allocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pool, ok := alloc.Pools[modelID]
	if !ok || pool.TotalSlots <= 0 {
		return false, nil
	}
	pool.TotalSlots--
	alloc.Pools[modelID] = pool
	newRaw, _ := json.Marshal(alloc)
	if _, err := s.db.Exec(`UPDATE allocations SET allocation=? WHERE instance_id=?`, newRaw, instanceID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var instRaw string
	instRow := s.db.QueryRow(`SELECT in_flight_by_model FROM instances WHERE instance_id=?`, instanceID)
	if instRow.Scan(&instRaw) == nil {
		inFlight := map[string]int{}
		json.Unmarshal([]byte(instRaw), &inFlight)
		inFlight[modelID]++
		newInstRaw, _ := json.Marshal(inFlight)
		s.db.Exec(`UPDATE instances SET in_flight_by_model=? WHERE instance_id=?`, newInstRaw, instanceID)
	}

	return true, nil
}

func (s *SqliteStore) Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var instRaw string
	row := s.db.QueryRow(`SELECT in_flight_by_model FROM instances WHERE instance_id=?`, instanceID)
	if row.Scan(&instRaw) == nil {
		inFlight := map[string]int{}
		json.Unmarshal([]byte(instRaw), &inFlight)
		if inFlight[modelID] > 0 {
			inFlight[modelID]--
		}
		newRaw, _ := json.Marshal(inFlight)
		s.db.Exec(`UPDATE instances SET in_flight_by_model=? WHERE instance_id=?`, newRaw, instanceID)
	}

	tokens := int64(usage.TotalTokens())
	minuteStart := windowStart(now, ratelimit.DimensionTPM.WindowMs())
	dayStart := windowStart(now, ratelimit.DimensionTPD.WindowMs())
	for _, bump := range []struct {
		dim   ratelimit.Dimension
		start int64
		n     int64
	}{
		{ratelimit.DimensionTPM, minuteStart, tokens},
		{ratelimit.DimensionRPM, minuteStart, int64(usage.Requests)},
		{ratelimit.DimensionTPD, dayStart, tokens},
		{ratelimit.DimensionRPD, dayStart, int64(usage.Requests)},
	} {
		if _, err := s.db.Exec(`
			INSERT INTO usage (model_id, dimension, window_start, total) VALUES (?, ?, ?, ?)
			ON CONFLICT(model_id, dimension, window_start) DO UPDATE SET total = total + excluded.total
		`, modelID, string(bump.dim), bump.start, bump.n); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := s.recomputeLocked(now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SqliteStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE instances SET last_heartbeat=? WHERE instance_id=?`, now.UnixMilli(), instanceID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SqliteStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM instances WHERE last_heartbeat < ?`, cutoff.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	s.db.Exec(`DELETE FROM allocations WHERE instance_id NOT IN (SELECT instance_id FROM instances)`)
	if n > 0 {
		if err := s.recomputeLocked(time.Now()); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Subscribe has no push mechanism for this backend; callers poll
// Snapshot, same rationale as PgStore.
func (s *SqliteStore) Subscribe(ctx context.Context, instanceID string) (<-chan Update, error) {
	ch := make(chan Update)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *SqliteStore) snapshotLocked(instanceID string) (ratelimit.Allocation, error) {
	var raw string
	row := s.db.QueryRow(`SELECT allocation FROM allocations WHERE instance_id=?`, instanceID)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.Allocation{}, nil
		}
		return ratelimit.Allocation{}, err
	}
	var alloc ratelimit.Allocation
	if err := json.Unmarshal([]byte(raw), &alloc); err != nil {
		return ratelimit.Allocation{}, err
	}
	return alloc, nil
}

func (s *SqliteStore) Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, err := s.snapshotLocked(instanceID)
	if err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return alloc, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
