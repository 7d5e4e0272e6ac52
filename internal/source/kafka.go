package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"cityflow/internal/config"
)

type KafkaLog struct {
	readers    map[int]*kafka.Reader
	partitions []int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewKafkaLog opens one reader per configured partition. No consumer group
// is used: the persisted checkpoints in the sink store are the source of
// truth for offsets, so each reader is positioned explicitly at the record
// after the last committed one.
func NewKafkaLog(cfg config.SourceConfig, committed map[int]int64, logger *slog.Logger) (*KafkaLog, error) {
	k := &KafkaLog{
		readers:    make(map[int]*kafka.Reader, len(cfg.Partitions)),
		partitions: append([]int(nil), cfg.Partitions...),
		timeout:    cfg.PollTimeout,
		logger:     logger,
	}
	for _, p := range cfg.Partitions {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: p,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		start := kafka.FirstOffset
		if off, ok := committed[p]; ok {
			start = off + 1
		}
		if err := r.SetOffset(start); err != nil {
			_ = r.Close()
			_ = k.Close()
			return nil, fmt.Errorf("set offset for partition %d: %w", p, err)
		}
		k.readers[p] = r
		if logger != nil {
			logger.Info("kafka partition reader ready",
				"topic", cfg.Topic, "partition", p, "start_offset", start)
		}
	}
	return k, nil
}

func (k *KafkaLog) Partitions() []int {
	return append([]int(nil), k.partitions...)
}

func (k *KafkaLog) Poll(ctx context.Context, partition, max int) ([]Record, error) {
	r, ok := k.readers[partition]
	if !ok {
		return nil, fmt.Errorf("unknown partition: %d", partition)
	}
	return fetchBatch(ctx, r, partition, max, k.timeout, k.logger)
}

type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// fetchBatch reads until the batch is full or the poll timeout elapses. A
// fetch failure after messages were already read must still surface those
// messages: the reader's position has moved past them, so dropping them
// here would lose them for good. The error itself resurfaces on the next
// poll if the broker is still down.
func fetchBatch(ctx context.Context, r messageFetcher, partition, max int, timeout time.Duration, logger *slog.Logger) ([]Record, error) {
	if max <= 0 {
		max = 1
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make([]Record, 0, max)
	for len(out) < max {
		m, err := r.FetchMessage(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if len(out) > 0 {
				if logger != nil {
					logger.Warn("fetch failed mid-batch",
						"partition", partition, "fetched", len(out), "err", err)
				}
				return out, nil
			}
			return nil, err
		}
		out = append(out, Record{Partition: partition, Offset: m.Offset, Value: m.Value})
	}
	return out, nil
}

func (k *KafkaLog) Close() error {
	var first error
	for _, r := range k.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
