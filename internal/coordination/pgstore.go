package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the PostgreSQL realization of the Store interface from
// spec.md §9's "PostgreSQL SERIALIZABLE transactions" alternative:
// every operation runs inside a single `SERIALIZABLE` transaction, so
// concurrent RECOMPUTE-triggering calls observe a consistent snapshot
// and a transaction that fails (a serialization conflict included) is
// rolled back and retried once by withSerializableTx.
//
// Grounded on the teacher's database.PostgresDB
// (internal/database/postgres.go) for pgxpool construction and the
// migrate-on-startup pattern; the coordination schema itself (instances,
// allocations, usage counters) replaces the teacher's unrelated
// application schema (users, api_keys, …).
type PgStore struct {
	pool   *pgxpool.Pool
	prefix string

	models   map[string]ModelCapacity
	jobTypes map[string]JobTypeResource
}

// NewPgStore connects to Postgres, migrates the coordination schema, and
// seeds static model/job-type configuration.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, prefix string, models []ratelimit.ModelConfig, jobTypes []ratelimit.JobTypeConfig) (*PgStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &PgStore{
		pool:     pool,
		prefix:   prefix,
		models:   make(map[string]ModelCapacity, len(models)),
		jobTypes: make(map[string]JobTypeResource, len(jobTypes)),
	}
	for _, m := range models {
		s.models[m.ID] = ModelCapacity{m}
	}
	for _, jt := range jobTypes {
		s.jobTypes[jt.ID] = JobTypeResource{EstimatedTokens: jt.EstimatedTokens, EstimatedRequests: jt.EstimatedRequests, Ratio: jt.Ratio}
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgStore) table(name string) string { return fmt.Sprintf("%s%s", s.prefix, name) }

func (s *PgStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id TEXT PRIMARY KEY,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			in_flight_by_model JSONB NOT NULL DEFAULT '{}'
		)`, s.table("instances")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id TEXT PRIMARY KEY,
			allocation JSONB NOT NULL
		)`, s.table("allocations")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			model_id TEXT NOT NULL,
			dimension TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			total BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (model_id, dimension, window_start)
		)`, s.table("usage")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// withSerializableTx runs fn inside a SERIALIZABLE transaction and,
// if fn or the commit fails for any reason, retries once immediately
// (no backoff) before returning the last error.
func (s *PgStore) withSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback(ctx)
			lastErr = err
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (s *PgStore) recomputeTx(ctx context.Context, tx pgx.Tx, now time.Time) error {
	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT instance_id FROM %s`, s.table("instances")))
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
		wa.TPM = s.queryActual(ctx, tx, modelID, ratelimit.DimensionTPM, minuteStart)
		wa.RPM = s.queryActual(ctx, tx, modelID, ratelimit.DimensionRPM, minuteStart)
		wa.TPD = s.queryActual(ctx, tx, modelID, ratelimit.DimensionTPD, dayStart)
		wa.RPD = s.queryActual(ctx, tx, modelID, ratelimit.DimensionRPD, dayStart)
		in.actuals[modelID] = wa
	}

	out := recompute(in)

	metrics.GetMetrics().RecordRecompute()
	logging.Debug("RECOMPUTE ran", map[string]interface{}{
		"backend": "postgres", "instance_count": in.instanceCount, "models": len(out.pools),
	})

	alloc := ratelimit.Allocation{InstanceCount: in.instanceCount, Pools: out.pools}
	raw, err := json.Marshal(alloc)
	if err != nil {
		return err
	}
	for _, id := range instanceIDs {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (instance_id, allocation) VALUES ($1, $2)
			ON CONFLICT (instance_id) DO UPDATE SET allocation = EXCLUDED.allocation
		`, s.table("allocations")), id, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *PgStore) queryActual(ctx context.Context, tx pgx.Tx, modelID string, dim ratelimit.Dimension, windowStart int64) int64 {
	var total int64
	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT total FROM %s WHERE model_id=$1 AND dimension=$2 AND window_start=$3`, s.table("usage")), modelID, string(dim), windowStart)
	row.Scan(&total)
	return total
}

func (s *PgStore) Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error) {
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (instance_id, last_heartbeat, in_flight_by_model) VALUES ($1, $2, '{}')
			ON CONFLICT (instance_id) DO UPDATE SET last_heartbeat = EXCLUDED.last_heartbeat
		`, s.table("instances")), instanceID, now); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, now)
	})
	if err != nil {
		return ratelimit.Allocation{}, err
	}
	return s.Snapshot(ctx, instanceID)
}

func (s *PgStore) Unregister(ctx context.Context, instanceID string) error {
	return s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id=$1`, s.table("instances")), instanceID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id=$1`, s.table("allocations")), instanceID); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, time.Now())
	})
}

func (s *PgStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	var acquired bool
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT allocation FROM %s WHERE instance_id=$1 FOR UPDATE`, s.table("allocations")), instanceID)
		if err := row.Scan(&raw); err != nil {
			return nil // no allocation yet; acquired stays false
		}
		var alloc ratelimit.Allocation
		if err := json.Unmarshal(raw, &alloc); err != nil {
			return err
		}
		pool, ok := alloc.Pools[modelID]
		if !ok || pool.TotalSlots <= 0 {
			return nil
		}
		pool.TotalSlots--
		alloc.Pools[modelID] = pool
		newRaw, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET allocation=$1 WHERE instance_id=$2`, s.table("allocations")), newRaw, instanceID); err != nil {
			return err
		}

		var instRaw []byte
		instRow := tx.QueryRow(ctx, fmt.Sprintf(`SELECT in_flight_by_model FROM %s WHERE instance_id=$1 FOR UPDATE`, s.table("instances")), instanceID)
		if err := instRow.Scan(&instRaw); err != nil {
			return err
		}
		inFlight := map[string]int{}
		json.Unmarshal(instRaw, &inFlight)
		inFlight[modelID]++
		newInstRaw, _ := json.Marshal(inFlight)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET in_flight_by_model=$1 WHERE instance_id=$2`, s.table("instances")), newInstRaw, instanceID); err != nil {
			return err
		}

		acquired = true
		return nil
	})
	return acquired, err
}

func (s *PgStore) Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error {
	return s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var instRaw []byte
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT in_flight_by_model FROM %s WHERE instance_id=$1 FOR UPDATE`, s.table("instances")), instanceID)
		if row.Scan(&instRaw) == nil {
			inFlight := map[string]int{}
			json.Unmarshal(instRaw, &inFlight)
			if inFlight[modelID] > 0 {
				inFlight[modelID]--
			}
			newRaw, _ := json.Marshal(inFlight)
			tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET in_flight_by_model=$1 WHERE instance_id=$2`, s.table("instances")), newRaw, instanceID)
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
			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (model_id, dimension, window_start, total) VALUES ($1, $2, $3, $4)
				ON CONFLICT (model_id, dimension, window_start) DO UPDATE SET total = %s.total + $4
			`, s.table("usage"), s.table("usage")), modelID, string(bump.dim), bump.start, bump.n); err != nil {
				return err
			}
		}

		return s.recomputeTx(ctx, tx, now)
	})
}

func (s *PgStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_heartbeat=$1 WHERE instance_id=$2`, s.table("instances")), now, instanceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PgStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	return s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE last_heartbeat < $1`, s.table("instances")), cutoff)
		if err != nil {
			return err
		}
		tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id NOT IN (SELECT instance_id FROM %s)`, s.table("allocations"), s.table("instances")))
		if tag.RowsAffected() > 0 {
			return s.recomputeTx(ctx, tx, time.Now())
		}
		return nil
	})
}

// Subscribe has no native push mechanism in Postgres without LISTEN/NOTIFY
// wiring through a dedicated connection; callers instead poll Snapshot.
// Returning a channel that only closes keeps the Store interface uniform
// while being honest that this backend is pull-only, per spec.md §9's
// framing of the five operations as the substitutable core and pub-sub as
// an optional realization detail.
func (s *PgStore) Subscribe(ctx context.Context, instanceID string) (<-chan Update, error) {
	ch := make(chan Update)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *PgStore) Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error) {
	var raw []byte
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT allocation FROM %s WHERE instance_id=$1`, s.table("allocations")), instanceID)
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return ratelimit.Allocation{}, nil
		}
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var alloc ratelimit.Allocation
	if err := json.Unmarshal(raw, &alloc); err != nil {
		return ratelimit.Allocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return alloc, nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
