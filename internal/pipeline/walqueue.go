package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/order"
)

// PersistentQueue wraps Queue with a JSON-lines write-ahead log so accepted
// requests survive a crash between intake and processing. Submits and
// cancels are logged; trigger requests are regenerated from price ticks and
// the book, so they are not.
type PersistentQueue struct {
	queue   *Queue
	walPath string
	walFile *os.File
	mu      sync.Mutex
	pending map[string]bool
	closed  bool
	metrics PersistentQueueMetrics
}

// PersistentQueueMetrics tracks WAL statistics.
type PersistentQueueMetrics struct {
	Written   uint64
	Recovered uint64
	Completed uint64
	Failed    uint64
}

type walEntry struct {
	Action    string        `json:"action"` // ENQUEUE or COMPLETE
	Key       string        `json:"key"`
	Request   order.Request `json:"request,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func requestKey(r order.Request) string {
	if r.Kind == order.KindSubmit {
		return order.KindSubmit + "|" + r.Order.ID
	}
	return r.Kind + "|" + r.OrderID
}

// NewPersistentQueue opens or creates the WAL under walDir.
func NewPersistentQueue(walDir string, queueSize int) (*PersistentQueue, error) {
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "intake.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &PersistentQueue{
		queue:   NewQueue(queueSize),
		walPath: walPath,
		walFile: file,
		pending: make(map[string]bool),
	}, nil
}

// Recover re-enqueues requests that were logged but never completed. Call
// before Drain. Recovered requests carry no result channel; their outcome is
// visible through the order store only.
func (pq *PersistentQueue) Recover() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	file, err := os.Open(pq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	enqueued := make(map[string]order.Request)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.WithError(err).Warn("WAL parse error, skipping line")
			continue
		}
		switch entry.Action {
		case "ENQUEUE":
			enqueued[entry.Key] = entry.Request
		case "COMPLETE":
			completed[entry.Key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan: %w", err)
	}

	recovered := 0
	for key, req := range enqueued {
		if completed[key] {
			continue
		}
		pq.pending[key] = true
		if err := pq.queue.Enqueue(req); err != nil {
			log.WithField("key", key).Warn("queue full during WAL recovery")
			continue
		}
		recovered++
	}
	atomic.AddUint64(&pq.metrics.Recovered, uint64(recovered))
	if recovered > 0 {
		log.WithField("count", recovered).Info("recovered pending requests from WAL")
	}

	if recovered > 0 || len(completed) > 10 {
		if err := pq.compactLocked(enqueued, completed); err != nil {
			log.WithError(err).Warn("WAL compaction failed")
		}
	}
	return nil
}

// compactLocked rewrites the WAL keeping only pending entries.
func (pq *PersistentQueue) compactLocked(enqueued map[string]order.Request, completed map[string]bool) error {
	tempPath := pq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(tempFile)
	for key, req := range enqueued {
		if completed[key] {
			continue
		}
		if err := enc.Encode(walEntry{Action: "ENQUEUE", Key: key, Request: req, Timestamp: req.CreatedAt}); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	pq.walFile.Close()
	if err := os.Rename(tempPath, pq.walPath); err != nil {
		return err
	}
	pq.walFile, err = os.OpenFile(pq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	return err
}

// Enqueue logs the request then adds it to the in-memory queue. The WAL
// write is synced before the request is accepted.
func (pq *PersistentQueue) Enqueue(r order.Request) error {
	if r.Kind == order.KindTrigger {
		return pq.queue.Enqueue(r)
	}

	pq.mu.Lock()
	if pq.closed {
		pq.mu.Unlock()
		return fmt.Errorf("queue closed")
	}

	key := requestKey(r)
	data, err := json.Marshal(walEntry{Action: "ENQUEUE", Key: key, Request: r, Timestamp: time.Now()})
	if err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		return fmt.Errorf("WAL marshal: %w", err)
	}
	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		return fmt.Errorf("WAL write: %w", err)
	}
	if err := pq.walFile.Sync(); err != nil {
		pq.mu.Unlock()
		atomic.AddUint64(&pq.metrics.Failed, 1)
		return fmt.Errorf("WAL sync: %w", err)
	}
	pq.pending[key] = true
	atomic.AddUint64(&pq.metrics.Written, 1)
	pq.mu.Unlock()

	return pq.queue.Enqueue(r)
}

// MarkComplete records that a request finished processing. Not synced;
// a crash here only risks a duplicate replay, which the pipeline detects
// through order status.
func (pq *PersistentQueue) MarkComplete(r order.Request) {
	if r.Kind == order.KindTrigger {
		return
	}
	pq.mu.Lock()
	defer pq.mu.Unlock()

	key := requestKey(r)
	if !pq.pending[key] {
		return
	}
	data, _ := json.Marshal(walEntry{Action: "COMPLETE", Key: key, Timestamp: time.Now()})
	pq.walFile.Write(append(data, '\n'))
	delete(pq.pending, key)
	atomic.AddUint64(&pq.metrics.Completed, 1)
}

// Chan exposes the receive side for workers.
func (pq *PersistentQueue) Chan() <-chan order.Request {
	return pq.queue.Chan()
}

// Drain consumes requests, marking each complete after the handler returns.
func (pq *PersistentQueue) Drain(ctx context.Context, handler func(order.Request)) {
	pq.queue.Drain(ctx, func(r order.Request) {
		handler(r)
		pq.MarkComplete(r)
	})
}

// Len returns queue depth.
func (pq *PersistentQueue) Len() int {
	return pq.queue.Len()
}

// Metrics returns a copy of the WAL counters.
func (pq *PersistentQueue) Metrics() PersistentQueueMetrics {
	return PersistentQueueMetrics{
		Written:   atomic.LoadUint64(&pq.metrics.Written),
		Recovered: atomic.LoadUint64(&pq.metrics.Recovered),
		Completed: atomic.LoadUint64(&pq.metrics.Completed),
		Failed:    atomic.LoadUint64(&pq.metrics.Failed),
	}
}

// Close flushes and closes the WAL.
func (pq *PersistentQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.closed = true
	pq.queue.Close()
	if pq.walFile != nil {
		pq.walFile.Sync()
		pq.walFile.Close()
	}
}
