package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/kloudmate/metrics-engine/internal/models"
)

const TableName = "engine_metrics"

const createTableDDL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id          String,
	series_hash UInt64,
	category    LowCardinality(String),
	name        LowCardinality(String),
	unit        LowCardinality(String),
	value       Float64,
	timestamp   DateTime64(3),
	metadata    Map(String, String)
) ENGINE = MergeTree
PARTITION BY toDate(timestamp)
ORDER BY (category, name, series_hash, timestamp)`

const insertQuery = `INSERT INTO ` + TableName + ` (
	id,
	series_hash,
	category,
	name,
	unit,
	value,
	timestamp,
	metadata
)`

// conn is the subset of driver.Conn the writer uses.
type conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Writer buffers observations and inserts them into ClickHouse in batches,
// either when the buffer reaches BatchSize or every FlushInterval.
type Writer struct {
	conn          conn
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration

	mu        sync.Mutex
	batch     []models.Metric
	lastFlush time.Time

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type Config struct {
	Addresses     []string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
	MaxIdleConns  int
	MaxOpenConns  int
	// CreateTable issues the table DDL on startup.
	CreateTable bool
}

func setDefaults(cfg *Config) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
}

func NewWriter(ctx context.Context, cfg *Config, logger *zap.Logger) (*Writer, error) {
	setDefaults(cfg)

	options := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     time.Second * 10,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	c, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	w := newWriter(c, cfg, logger)
	if cfg.CreateTable {
		if err := w.EnsureSchema(ctx); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

func newWriter(c conn, cfg *Config, logger *zap.Logger) *Writer {
	setDefaults(cfg)

	w := &Writer{
		conn:          c,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		batch:         make([]models.Metric, 0, cfg.BatchSize),
		lastFlush:     time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go w.periodicFlush()

	return w
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	if err := w.conn.Exec(ctx, createTableDDL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", TableName, err)
	}
	return nil
}

// Write buffers metrics, flushing whenever the buffer fills.
func (w *Writer) Write(ctx context.Context, metrics []models.Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, metric := range metrics {
		w.batch = append(w.batch, metric)

		if len(w.batch) >= w.batchSize {
			if err := w.flushLocked(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// SeriesHash identifies a series in the table's sort key.
func SeriesHash(key models.SeriesKey) uint64 {
	h := xxhash.New()
	h.WriteString(key.Category)
	h.WriteString("\x00")
	h.WriteString(key.Name)
	return h.Sum64()
}

func (w *Writer) periodicFlush() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval && len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("Periodic flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()

		case <-w.stopCh:
			w.mu.Lock()
			if len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("Final flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
			return
		}
	}
}

// flushLocked sends the buffer. The buffer is emptied whether or not the
// insert succeeds so a broken server cannot grow it without bound.
func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	n := len(w.batch)
	defer func() {
		w.batch = w.batch[:0]
		w.lastFlush = time.Now()
	}()

	batch, err := w.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, metric := range w.batch {
		metadata := metric.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}

		err := batch.Append(
			metric.ID,
			SeriesHash(metric.Key()),
			metric.Category,
			metric.Name,
			metric.Unit,
			metric.Value,
			metric.Timestamp,
			metadata,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append metric to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.Debug("Flushed metrics batch", zap.Int("batch_size", n))
	return nil
}

func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close flushes what is buffered and closes the connection.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.conn.Close()
	})
	return err
}
