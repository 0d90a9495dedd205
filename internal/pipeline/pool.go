package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/dedup"
	"github.com/ocx/gateway/internal/monitoring"
	"github.com/ocx/gateway/pkg/channel"
)

const (
	// DefaultWorkers bounds concurrent AI conversations.
	DefaultWorkers = 32

	queueCapacity = 1000

	// taskTimeout caps one message end to end, covering a full duplex
	// attempt plus the REST fallback.
	taskTimeout = 3 * time.Minute
)

// Pool fans inbound messages out to a fixed set of pipeline workers.
// Submit never blocks a webhook handler: when the queue is full the
// message is dropped with a log line.
type Pool struct {
	pipeline *Pipeline
	dedup    dedup.Deduper
	queue    chan channel.IncomingMessage
	wg       sync.WaitGroup
	metrics  *monitoring.Metrics
	logger   *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers immediately. Dedup and metrics may be nil.
func NewPool(p *Pipeline, d dedup.Deduper, workers int, metrics *monitoring.Metrics) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool := &Pool{
		pipeline: p,
		dedup:    d,
		queue:    make(chan channel.IncomingMessage, queueCapacity),
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	pool.logger.Printf("🚀 Started %d pipeline workers (queue capacity %d)", workers, queueCapacity)
	return pool
}

// Submit enqueues a message for processing. Redeliveries of the same
// platform message are suppressed by channel:messageID; messages without
// a MessageID are never deduplicated.
func (pl *Pool) Submit(msg channel.IncomingMessage) {
	if pl.dedup != nil && msg.MessageID != "" {
		if pl.dedup.Seen(context.Background(), msg.Channel+":"+msg.MessageID) {
			pl.logger.Printf("♻️ Duplicate %s message %s, skipping", msg.Channel, msg.MessageID)
			if pl.metrics != nil {
				pl.metrics.RecordMessage(msg.Channel, monitoring.OutcomeDuplicate)
			}
			return
		}
	}

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		pl.logger.Printf("⚠️ Pool shut down, dropping %s message", msg.Channel)
		return
	}
	select {
	case pl.queue <- msg:
		pl.gauge()
	default:
		pl.logger.Printf("⚠️ Queue full, dropping %s message from %s", msg.Channel, auth.AuditTag(msg.SenderID))
	}
	pl.mu.Unlock()
}

// QueueDepth reports messages waiting for a worker.
func (pl *Pool) QueueDepth() int {
	return len(pl.queue)
}

// Shutdown stops accepting work and drains the queue.
func (pl *Pool) Shutdown() {
	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return
	}
	pl.closed = true
	close(pl.queue)
	pl.mu.Unlock()

	pl.wg.Wait()
	pl.logger.Printf("✅ All pipeline workers stopped")
}

func (pl *Pool) worker() {
	defer pl.wg.Done()
	for msg := range pl.queue {
		pl.gauge()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		pl.pipeline.ProcessMessage(ctx, msg)
		cancel()
	}
}

func (pl *Pool) gauge() {
	if pl.metrics != nil {
		pl.metrics.QueueDepth.Set(float64(len(pl.queue)))
	}
}
