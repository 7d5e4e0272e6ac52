package source

import (
	"context"
	"time"
)

type Record struct {
	Partition int
	Offset    int64
	Value     []byte
}

// Log is a partitioned append-only event log consumed by offset. Poll must
// return an empty batch once the poll timeout elapses instead of blocking
// indefinitely, so that downstream watermarks and grace timers can advance
// under low traffic. Offsets are committed through the sink store, never
// through the log itself.
type Log interface {
	Partitions() []int
	Poll(ctx context.Context, partition, max int) ([]Record, error)
	Close() error
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
