package source

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemLog is an in-memory partitioned append-only log. It backs the "mem"
// source driver and the pipeline tests; redelivery is simulated by rewinding
// a partition cursor.
type MemLog struct {
	mu         sync.Mutex
	records    map[int][][]byte
	cursors    map[int]int64
	partitions []int
}

func NewMemLog(partitions []int, committed map[int]int64) *MemLog {
	m := &MemLog{
		records:    make(map[int][][]byte, len(partitions)),
		cursors:    make(map[int]int64, len(partitions)),
		partitions: append([]int(nil), partitions...),
	}
	for _, p := range partitions {
		m.records[p] = nil
		if off, ok := committed[p]; ok {
			m.cursors[p] = off + 1
		}
	}
	return m
}

func (m *MemLog) Append(partition int, value []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[partition] = append(m.records[partition], value)
	return int64(len(m.records[partition]) - 1)
}

func (m *MemLog) Partitions() []int {
	return append([]int(nil), m.partitions...)
}

// Poll returns whatever is buffered past the cursor. A drained partition
// waits briefly before yielding an empty batch, matching the timeout
// behavior of the kafka log so callers do not spin.
func (m *MemLog) Poll(ctx context.Context, partition, max int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	recs, ok := m.records[partition]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown partition: %d", partition)
	}
	if max <= 0 {
		max = 1
	}
	cur := m.cursors[partition]
	out := make([]Record, 0, max)
	for int64(len(recs)) > cur && len(out) < max {
		out = append(out, Record{Partition: partition, Offset: cur, Value: recs[cur]})
		cur++
	}
	m.cursors[partition] = cur
	m.mu.Unlock()

	if len(out) == 0 {
		BackoffSleep(ctx, 10*time.Millisecond)
	}
	return out, nil
}

// Rewind moves a partition cursor back to the given offset to simulate
// at-least-once redelivery after a crash.
func (m *MemLog) Rewind(partition int, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	m.cursors[partition] = offset
}

func (m *MemLog) Close() error {
	return nil
}
