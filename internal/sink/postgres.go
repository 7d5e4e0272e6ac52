package sink

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cityflow/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/cityflow?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS window_aggregates (
			dimension_key TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			revision BIGINT NOT NULL,
			event_count BIGINT NOT NULL,
			sum_metrics JSONB NOT NULL,
			min_metrics JSONB NOT NULL,
			max_metrics JSONB NOT NULL,
			last_event_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (dimension_key, window_start, window_end)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregates_window_start ON window_aggregates(window_start)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			shard_id INTEGER PRIMARY KEY,
			log_offset BIGINT NOT NULL,
			watermark TIMESTAMPTZ,
			windows_json TEXT,
			saved_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			id TEXT PRIMARY KEY,
			shard_id INTEGER NOT NULL,
			first_offset BIGINT NOT NULL,
			last_offset BIGINT NOT NULL,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) UpsertAggregate(ctx context.Context, agg *model.WindowAggregate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO window_aggregates
			(dimension_key, window_start, window_end, revision, event_count,
			 sum_metrics, min_metrics, max_metrics, last_event_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
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

func (s *postgresStore) GetAggregate(ctx context.Context, key model.WindowKey) (*model.WindowAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT revision, event_count, sum_metrics, min_metrics, max_metrics, last_event_time
		FROM window_aggregates
		WHERE dimension_key = $1 AND window_start = $2 AND window_end = $3`,
		key.DimensionKey, key.WindowStart.UTC(), key.WindowEnd.UTC())
	return scanAggregate(row, key)
}

func (s *postgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (shard_id, log_offset, watermark, windows_json, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (shard_id) DO UPDATE SET
			log_offset = excluded.log_offset,
			watermark = excluded.watermark,
			windows_json = excluded.windows_json,
			saved_at = excluded.saved_at`,
		cp.Partition, cp.Offset, cp.Watermark.UTC(), string(cp.Windows), nowUTC())
	return err
}

func (s *postgresStore) LoadCheckpoints(ctx context.Context) (map[int]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT shard_id, log_offset, watermark, windows_json, saved_at FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func (s *postgresStore) Quarantine(ctx context.Context, rec model.QuarantineRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine (id, shard_id, first_offset, last_offset, payload, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Partition, rec.FirstOffset, rec.LastOffset,
		string(rec.Payload), rec.Error, nowUTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner, key model.WindowKey) (*model.WindowAggregate, error) {
	var sumJSON, minJSON, maxJSON string
	agg := model.NewWindowAggregate(key)
	err := row.Scan(&agg.Revision, &agg.Count, &sumJSON, &minJSON, &maxJSON, &agg.LastEventTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	agg.SumMetrics = decodeMetrics(sumJSON)
	agg.MinMetrics = decodeMetrics(minJSON)
	agg.MaxMetrics = decodeMetrics(maxJSON)
	agg.State = model.WindowEmitted
	return agg, nil
}

func scanCheckpoints(rows *sql.Rows) (map[int]model.Checkpoint, error) {
	out := make(map[int]model.Checkpoint)
	for rows.Next() {
		var cp model.Checkpoint
		var windows string
		if err := rows.Scan(&cp.Partition, &cp.Offset, &cp.Watermark, &windows, &cp.SavedAt); err != nil {
			return nil, err
		}
		cp.Windows = []byte(windows)
		out[cp.Partition] = cp
	}
	return out, rows.Err()
}
