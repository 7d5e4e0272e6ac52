package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// scriptedFetcher yields its messages in order, then its error forever.
type scriptedFetcher struct {
	messages []kafka.Message
	err      error
}

func (f *scriptedFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.messages) == 0 {
		if f.err != nil {
			return kafka.Message{}, f.err
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return m, nil
}

func TestFetchBatchFull(t *testing.T) {
	f := &scriptedFetcher{messages: []kafka.Message{
		{Offset: 7, Value: []byte("a")},
		{Offset: 8, Value: []byte("b")},
		{Offset: 9, Value: []byte("c")},
	}}
	recs, err := fetchBatch(context.Background(), f, 0, 2, time.Second, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 || recs[0].Offset != 7 || recs[1].Offset != 8 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestFetchBatchTimeout(t *testing.T) {
	f := &scriptedFetcher{messages: []kafka.Message{{Offset: 3, Value: []byte("a")}}}
	recs, err := fetchBatch(context.Background(), f, 0, 10, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want the one read before the timeout", len(recs))
	}
}

func TestFetchBatchKeepsPartialOnBrokerError(t *testing.T) {
	brokerErr := errors.New("unexpected EOF")
	f := &scriptedFetcher{
		messages: []kafka.Message{
			{Offset: 4, Value: []byte("a")},
			{Offset: 5, Value: []byte("b")},
		},
		err: brokerErr,
	}
	// The reader already advanced past the fetched messages, so they must
	// come back to the caller despite the failure.
	recs, err := fetchBatch(context.Background(), f, 0, 10, time.Second, nil)
	if err != nil {
		t.Fatalf("partial batch dropped: %v", err)
	}
	if len(recs) != 2 || recs[1].Offset != 5 {
		t.Fatalf("records = %+v", recs)
	}

	// With nothing fetched the error surfaces.
	if _, err := fetchBatch(context.Background(), f, 0, 10, time.Second, nil); !errors.Is(err, brokerErr) {
		t.Fatalf("got %v, want broker error", err)
	}
}
