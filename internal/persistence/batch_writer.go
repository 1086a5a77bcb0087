// Package persistence batches high-volume, loss-tolerant writes. Trading
// state itself is written through synchronously by its owners.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

type writeOp struct {
	query string
	args  []any
}

// BatchMetrics reports writer throughput.
type BatchMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// EventJournal appends every raw broker event to broker_events in
// transactions of up to maxSize rows, flushed at least every interval.
type EventJournal struct {
	db       *sql.DB
	log      *zap.Logger
	mu       sync.Mutex
	buffer   []writeOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	writes, batches, errors atomic.Uint64
	statsMu                 sync.Mutex
	lastSize                int
	lastFlush               time.Time
}

func NewEventJournal(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *EventJournal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	j := &EventJournal{
		db:       database.DB,
		log:      log,
		buffer:   make([]writeOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	j.wg.Add(1)
	go j.backgroundFlush()
	return j
}

// Record queues ev with whether the lifecycle manager applied it.
func (j *EventJournal) Record(ev broker.Event, applied bool) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	applyFlag := 0
	if applied {
		applyFlag = 1
	}
	j.mu.Lock()
	j.buffer = append(j.buffer, writeOp{
		query: db.BrokerEventInsert,
		args:  []any{ev.ClientOrderID, string(ev.Type), ev.Seq, ev.FilledQty, ev.FillPrice, ev.Reason, applyFlag, ts.UnixNano()},
	})
	full := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if full {
		if err := j.Flush(context.Background()); err != nil {
			j.log.Warn("event journal flush", zap.Error(err))
		}
	}
}

// Flush writes everything buffered in one transaction.
func (j *EventJournal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	ops := j.buffer
	j.buffer = make([]writeOp, 0, j.maxSize)
	j.mu.Unlock()

	return j.execute(ctx, ops)
}

func (j *EventJournal) execute(ctx context.Context, ops []writeOp) error {
	j.writes.Add(uint64(len(ops)))
	j.batches.Add(1)
	j.statsMu.Lock()
	j.lastSize = len(ops)
	j.lastFlush = time.Now()
	j.statsMu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		j.errors.Add(1)
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.query, op.args...); err != nil {
			tx.Rollback()
			j.errors.Add(1)
			j.log.Error("event journal batch rolled back", zap.Int("rows", len(ops)), zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		j.errors.Add(1)
		return err
	}
	j.log.Debug("event journal flushed", zap.Int("rows", len(ops)))
	return nil
}

func (j *EventJournal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Flush(context.Background()); err != nil {
				j.log.Warn("event journal background flush", zap.Error(err))
			}
		case <-j.done:
			if err := j.Flush(context.Background()); err != nil {
				j.log.Warn("event journal final flush", zap.Error(err))
			}
			return
		}
	}
}

func (j *EventJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

func (j *EventJournal) Metrics() BatchMetrics {
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	return BatchMetrics{
		TotalWrites:   j.writes.Load(),
		TotalBatches:  j.batches.Load(),
		TotalErrors:   j.errors.Load(),
		LastBatchSize: j.lastSize,
		LastFlushTime: j.lastFlush,
	}
}

// Close stops the background loop after a final flush.
func (j *EventJournal) Close() error {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	return nil
}
