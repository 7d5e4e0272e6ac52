package sink

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"cityflow/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:cityflow.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Concurrent shard workers share one connection to keep sqlite happy.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS window_aggregates (
			dimension_key TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			revision INTEGER NOT NULL,
			event_count INTEGER NOT NULL,
			sum_metrics TEXT NOT NULL,
			min_metrics TEXT NOT NULL,
			max_metrics TEXT NOT NULL,
			last_event_time TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (dimension_key, window_start, window_end)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregates_window_start ON window_aggregates(window_start)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			shard_id INTEGER PRIMARY KEY,
			log_offset INTEGER NOT NULL,
			watermark TEXT,
			windows_json TEXT,
			saved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			id TEXT PRIMARY KEY,
			shard_id INTEGER NOT NULL,
			first_offset INTEGER NOT NULL,
			last_offset INTEGER NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) UpsertAggregate(ctx context.Context, agg *model.WindowAggregate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO window_aggregates
			(dimension_key, window_start, window_end, revision, event_count,
			 sum_metrics, min_metrics, max_metrics, last_event_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dimension_key, window_start, window_end) DO UPDATE SET
			revision = excluded.revision,
			event_count = excluded.event_count,
			sum_metrics = excluded.sum_metrics,
			min_metrics = excluded.min_metrics,
			max_metrics = excluded.max_metrics,
			last_event_time = excluded.last_event_time,
			updated_at = excluded.updated_at
		WHERE excluded.revision > window_aggregates.revision`,
		agg.Key.DimensionKey,
		agg.Key.WindowStart.UTC(),
		agg.Key.WindowEnd.UTC(),
		agg.Revision,
		agg.Count,
		encodeJSON(agg.SumMetrics),
		encodeJSON(agg.MinMetrics),
		encodeJSON(agg.MaxMetrics),
		agg.LastEventTime.UTC(),
		nowUTC(),
	)
	return err
}

func (s *sqliteStore) GetAggregate(ctx context.Context, key model.WindowKey) (*model.WindowAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT revision, event_count, sum_metrics, min_metrics, max_metrics, last_event_time
		FROM window_aggregates
		WHERE dimension_key = ? AND window_start = ? AND window_end = ?`,
		key.DimensionKey, key.WindowStart.UTC(), key.WindowEnd.UTC())
	return scanAggregate(row, key)
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (shard_id, log_offset, watermark, windows_json, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (shard_id) DO UPDATE SET
			log_offset = excluded.log_offset,
			watermark = excluded.watermark,
			windows_json = excluded.windows_json,
			saved_at = excluded.saved_at`,
		cp.Partition, cp.Offset, cp.Watermark.UTC(), string(cp.Windows), nowUTC())
	return err
}

func (s *sqliteStore) LoadCheckpoints(ctx context.Context) (map[int]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT shard_id, log_offset, watermark, windows_json, saved_at FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func (s *sqliteStore) Quarantine(ctx context.Context, rec model.QuarantineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine (id, shard_id, first_offset, last_offset, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Partition, rec.FirstOffset, rec.LastOffset,
		string(rec.Payload), rec.Error, nowUTC())
	return err
}
