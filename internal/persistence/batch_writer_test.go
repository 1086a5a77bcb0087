package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

func TestEventJournalFlushesOnSizeAndClose(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	j := NewEventJournal(database, 3, time.Hour, nil)
	for i := 1; i <= 4; i++ {
		j.Record(broker.Event{ClientOrderID: fmt.Sprintf("c%d", i), Type: broker.EventFilled, Seq: int64(i)}, true)
	}
	if n, _ := database.CountBrokerEvents(ctx); n != 3 {
		t.Fatalf("after size flush rows=%d", n)
	}
	if j.Pending() != 1 {
		t.Fatalf("pending=%d", j.Pending())
	}
	j.Close()
	if n, _ := database.CountBrokerEvents(ctx); n != 4 {
		t.Fatalf("after close rows=%d", n)
	}
	if m := j.Metrics(); m.TotalWrites != 4 || m.TotalBatches != 2 || m.TotalErrors != 0 {
		t.Fatalf("metrics=%+v", m)
	}
}
