package source

import (
	"context"
	"testing"
)

func TestMemLogPollAndDrain(t *testing.T) {
	ctx := context.Background()
	log := NewMemLog([]int{0, 1}, nil)
	log.Append(0, []byte("a"))
	log.Append(0, []byte("b"))
	log.Append(1, []byte("c"))

	recs, err := log.Poll(ctx, 0, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Offset != 0 || recs[1].Offset != 1 {
		t.Fatalf("offsets = %d, %d", recs[0].Offset, recs[1].Offset)
	}
	if string(recs[1].Value) != "b" {
		t.Fatalf("value = %q", recs[1].Value)
	}

	// Drained partition yields an empty batch, not an error.
	recs, err = log.Poll(ctx, 0, 10)
	if err != nil || len(recs) != 0 {
		t.Fatalf("drained poll: %d records, err %v", len(recs), err)
	}

	// Other partition is untouched.
	recs, _ = log.Poll(ctx, 1, 10)
	if len(recs) != 1 || string(recs[0].Value) != "c" {
		t.Fatalf("partition 1 poll: %+v", recs)
	}
}

func TestMemLogMaxBatch(t *testing.T) {
	ctx := context.Background()
	log := NewMemLog([]int{0}, nil)
	for i := 0; i < 5; i++ {
		log.Append(0, []byte{byte('0' + i)})
	}
	recs, err := log.Poll(ctx, 0, 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("poll: %d records, err %v", len(recs), err)
	}
	recs, _ = log.Poll(ctx, 0, 10)
	if len(recs) != 3 || recs[0].Offset != 2 {
		t.Fatalf("remainder poll: %+v", recs)
	}
}

func TestMemLogResumeFromCommitted(t *testing.T) {
	ctx := context.Background()
	log := NewMemLog([]int{0}, map[int]int64{0: 1})
	log.Append(0, []byte("a"))
	log.Append(0, []byte("b"))
	log.Append(0, []byte("c"))

	recs, err := log.Poll(ctx, 0, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(recs) != 1 || recs[0].Offset != 2 {
		t.Fatalf("resume poll: %+v, want only offset 2", recs)
	}
}

func TestMemLogRewind(t *testing.T) {
	ctx := context.Background()
	log := NewMemLog([]int{0}, nil)
	log.Append(0, []byte("a"))
	log.Append(0, []byte("b"))

	if recs, _ := log.Poll(ctx, 0, 10); len(recs) != 2 {
		t.Fatalf("initial poll: %d records", len(recs))
	}
	log.Rewind(0, 1)
	recs, _ := log.Poll(ctx, 0, 10)
	if len(recs) != 1 || recs[0].Offset != 1 {
		t.Fatalf("post-rewind poll: %+v", recs)
	}
}

func TestMemLogUnknownPartition(t *testing.T) {
	log := NewMemLog([]int{0}, nil)
	if _, err := log.Poll(context.Background(), 9, 10); err == nil {
		t.Fatalf("unknown partition accepted")
	}
}
