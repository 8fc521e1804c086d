package journal

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := store.Append(ctx, Record{
			ID:        fmt.Sprintf("r%d", i),
			Cycle:     uint64(i),
			StartedAt: time.Now(),
			Outcome:   OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Cycle != 3 || records[1].Cycle != 2 {
		t.Fatalf("expected newest first, got cycles %d, %d", records[0].Cycle, records[1].Cycle)
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := store.Append(ctx, Record{Cycle: uint64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ring must cap at 2, got %d", len(records))
	}
	if records[len(records)-1].Cycle != 2 {
		t.Fatalf("oldest surviving record should be cycle 2, got %d", records[len(records)-1].Cycle)
	}
}
