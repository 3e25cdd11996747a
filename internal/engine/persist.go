package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
	"github.com/kloudmate/metrics-engine/internal/telemetry"
)

// Sink receives accepted observations for durable storage. Delivery is
// asynchronous and best effort: a failing or slow sink never fails Ingest.
type Sink interface {
	Write(ctx context.Context, metrics []models.Metric) error
}

type persister struct {
	logger        *zap.Logger
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration

	queue  chan models.Metric
	doneCh chan struct{}
}

func newPersister(sink Sink, cfg *Config, logger *zap.Logger) *persister {
	p := &persister{
		logger:        logger,
		sink:          sink,
		batchSize:     cfg.PersistBatch,
		flushInterval: cfg.PersistFlushInterval,
		timeout:       cfg.PersistTimeout,
		queue:         make(chan models.Metric, cfg.PersistQueue),
		doneCh:        make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue never blocks; observations that do not fit are dropped.
func (p *persister) enqueue(m models.Metric) bool {
	select {
	case p.queue <- m:
		return true
	default:
		telemetry.PersistDropped.Inc()
		return false
	}
}

func (p *persister) run() {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	defer close(p.doneCh)

	batch := make([]models.Metric, 0, p.batchSize)
	for {
		select {
		case m, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, m)
			if len(batch) >= p.batchSize {
				p.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *persister) flush(batch []models.Metric) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	out := make([]models.Metric, len(batch))
	copy(out, batch)
	if err := p.sink.Write(ctx, out); err != nil {
		telemetry.PersistDropped.Add(float64(len(batch)))
		p.logger.Error("Persistence sink write failed",
			zap.Int("count", len(batch)),
			zap.Error(err))
	}
}

// close stops accepting observations and waits for the final flush.
func (p *persister) close() {
	close(p.queue)
	<-p.doneCh
}
