package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"cityflow/internal/config"
	"cityflow/internal/model"
)

// Store is the queryable aggregate store plus the checkpoint and quarantine
// tables that make restart-safe exactly-once output possible. UpsertAggregate
// is last-writer-wins by revision: re-delivering an already-applied revision
// is a no-op, never a double count.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	UpsertAggregate(ctx context.Context, agg *model.WindowAggregate) error
	GetAggregate(ctx context.Context, key model.WindowKey) (*model.WindowAggregate, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoints(ctx context.Context) (map[int]model.Checkpoint, error)
	Quarantine(ctx context.Context, rec model.QuarantineRecord) error
}

var ErrNotFound = errors.New("aggregate not found")

func NewStore(cfg config.SinkConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported sink driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeMetrics(data string) map[string]float64 {
	out := make(map[string]float64)
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
