package sink

import (
	"context"
	"sync"

	"cityflow/internal/model"
)

// MemoryStore backs tests and the mem source driver. Same revision-gated
// upsert semantics as the SQL stores.
type MemoryStore struct {
	mu          sync.Mutex
	aggregates  map[model.WindowKey]*model.WindowAggregate
	checkpoints map[int]model.Checkpoint
	quarantined []model.QuarantineRecord
	upserts     int
	applied     int

	// FailUpserts makes the next N upserts return FailErr, for retry tests.
	FailUpserts int
	FailErr     error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		aggregates:  make(map[model.WindowKey]*model.WindowAggregate),
		checkpoints: make(map[int]model.Checkpoint),
	}
}

func (m *MemoryStore) Init(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) UpsertAggregate(ctx context.Context, agg *model.WindowAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.FailUpserts > 0 {
		m.FailUpserts--
		return m.FailErr
	}
	if cur, ok := m.aggregates[agg.Key]; ok && agg.Revision <= cur.Revision {
		return nil
	}
	m.applied++
	m.aggregates[agg.Key] = agg.Clone()
	return nil
}

func (m *MemoryStore) GetAggregate(ctx context.Context, key model.WindowKey) (*model.WindowAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggregates[key]
	if !ok {
		return nil, ErrNotFound
	}
	return agg.Clone(), nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Partition] = cp
	return nil
}

func (m *MemoryStore) LoadCheckpoints(ctx context.Context) (map[int]model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]model.Checkpoint, len(m.checkpoints))
	for k, v := range m.checkpoints {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Quarantine(ctx context.Context, rec model.QuarantineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined = append(m.quarantined, rec)
	return nil
}

func (m *MemoryStore) Quarantined() []model.QuarantineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.QuarantineRecord(nil), m.quarantined...)
}

// Upserts reports attempted and applied upsert counts.
func (m *MemoryStore) Upserts() (attempted, applied int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.applied
}
