package order

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Journal is a write-ahead log of broker submissions. An intent is written
// and synced before the broker call and completed once the outcome is known.
// Intents still open after a crash are the orders whose fate must be
// re-queried from the broker rather than assumed.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	pending map[string]Order
	closed  bool
	log     *zap.Logger
	metrics JournalMetrics
}

// JournalMetrics tracks journal activity.
type JournalMetrics struct {
	Written   uint64 `json:"written"`
	Recovered uint64 `json:"recovered"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type walEntry struct {
	Action    string    `json:"action"` // "INTENT" or "COMPLETE"
	Order     Order     `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenJournal opens (creating if needed) the journal in dir and loads any
// intents left incomplete by a previous run.
func OpenJournal(dir string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{
		path:    filepath.Join(dir, "submissions.wal"),
		pending: make(map[string]Order),
		log:     log,
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.file = file
	if len(j.pending) > 0 {
		if err := j.compactLocked(); err != nil {
			j.log.Warn("journal compaction failed", zap.Error(err))
		}
	}
	return j, nil
}

func (j *Journal) load() error {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for recovery: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			j.log.Warn("journal parse error, skipping line", zap.Error(err))
			continue
		}
		switch entry.Action {
		case "INTENT":
			j.pending[entry.Order.ClientOrderID] = entry.Order
		case "COMPLETE":
			delete(j.pending, entry.Order.ClientOrderID)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("journal scan: %w", err)
	}
	atomic.AddUint64(&j.metrics.Recovered, uint64(len(j.pending)))
	if len(j.pending) > 0 {
		j.log.Info("recovered incomplete submissions", zap.Int("count", len(j.pending)))
	}
	return nil
}

// compactLocked rewrites the journal with only the pending intents.
func (j *Journal) compactLocked() error {
	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, o := range j.pending {
		if err := enc.Encode(walEntry{Action: "INTENT", Order: o, Timestamp: o.UpdatedAt}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()

	j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

func (j *Journal) append(entry walEntry, sync bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	if sync {
		return j.file.Sync()
	}
	return nil
}

// Intent durably records that o is about to be submitted.
func (j *Journal) Intent(o Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}
	if err := j.append(walEntry{Action: "INTENT", Order: o, Timestamp: time.Now()}, true); err != nil {
		atomic.AddUint64(&j.metrics.Failed, 1)
		return fmt.Errorf("journal intent: %w", err)
	}
	j.pending[o.ClientOrderID] = o
	atomic.AddUint64(&j.metrics.Written, 1)
	return nil
}

// Complete marks the submission of clientOrderID as resolved. A lost
// completion only costs a redundant broker query on the next start.
func (j *Journal) Complete(clientOrderID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	if _, ok := j.pending[clientOrderID]; !ok {
		return
	}
	if err := j.append(walEntry{Action: "COMPLETE", Order: Order{ClientOrderID: clientOrderID}, Timestamp: time.Now()}, false); err != nil {
		j.log.Warn("journal complete write failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
	delete(j.pending, clientOrderID)
	atomic.AddUint64(&j.metrics.Completed, 1)
}

// Pending returns intents whose outcome is still unknown.
func (j *Journal) Pending() []Order {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Order, 0, len(j.pending))
	for _, o := range j.pending {
		out = append(out, o)
	}
	return out
}

func (j *Journal) Metrics() JournalMetrics {
	return JournalMetrics{
		Written:   atomic.LoadUint64(&j.metrics.Written),
		Recovered: atomic.LoadUint64(&j.metrics.Recovered),
		Completed: atomic.LoadUint64(&j.metrics.Completed),
		Failed:    atomic.LoadUint64(&j.metrics.Failed),
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.file.Sync()
	return j.file.Close()
}
