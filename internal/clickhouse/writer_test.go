package clickhouse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/metrics-engine/internal/models"
)

type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Abort() error { return nil }

func (b *fakeBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	if b.conn.failSend {
		return errors.New("connection reset")
	}
	b.conn.sent = append(b.conn.sent, b.rows...)
	b.conn.sends++
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]any
	sends    int
	execs    []string
	failSend bool
	closed   bool
}

func (c *fakeConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	return &fakeBatch{conn: c}, nil
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) rowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testMetrics(n int) []models.Metric {
	out := make([]models.Metric, n)
	for i := range out {
		out[i] = models.Metric{
			ID:        "m",
			Category:  "web",
			Name:      "latency",
			Value:     float64(i),
			Timestamp: time.Now(),
		}
	}
	return out
}

func TestWriterFlushesAtBatchSize(t *testing.T) {
	c := &fakeConn{}
	w := newWriter(c, &Config{BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	defer w.Close()

	if err := w.Write(context.Background(), testMetrics(7)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if c.rowCount() != 6 || c.sends != 2 {
		t.Errorf("expected 6 rows in 2 batches, got %d rows in %d batches", c.rowCount(), c.sends)
	}

	row := c.sent[0]
	if row[2] != "web" || row[3] != "latency" {
		t.Errorf("expected category and name columns, got %v", row)
	}
	if row[1] != SeriesHash(models.SeriesKey{Category: "web", Name: "latency"}) {
		t.Errorf("expected series hash column, got %v", row[1])
	}
	if md, ok := row[7].(map[string]string); !ok || md == nil {
		t.Errorf("expected non-nil metadata map, got %#v", row[7])
	}
}

func TestWriterCloseFlushesRemainder(t *testing.T) {
	c := &fakeConn{}
	w := newWriter(c, &Config{BatchSize: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	w.Write(context.Background(), testMetrics(5))
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if c.rowCount() != 5 {
		t.Errorf("expected 5 rows flushed on close, got %d", c.rowCount())
	}
	if !c.closed {
		t.Error("expected connection to be closed")
	}
}

func TestWriterPeriodicFlush(t *testing.T) {
	c := &fakeConn{}
	w := newWriter(c, &Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	defer w.Close()

	w.Write(context.Background(), testMetrics(2))

	deadline := time.Now().Add(2 * time.Second)
	for c.rowCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.rowCount() != 2 {
		t.Errorf("expected periodic flush of 2 rows, got %d", c.rowCount())
	}
}

func TestWriterDropsBatchOnSendFailure(t *testing.T) {
	c := &fakeConn{failSend: true}
	w := newWriter(c, &Config{BatchSize: 2, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	defer w.Close()

	err := w.Write(context.Background(), testMetrics(2))
	if err == nil || !strings.Contains(err.Error(), "failed to send batch") {
		t.Fatalf("expected send failure, got %v", err)
	}

	w.mu.Lock()
	pending := len(w.batch)
	w.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected buffer to be emptied after failure, got %d pending", pending)
	}
}

func TestEnsureSchema(t *testing.T) {
	c := &fakeConn{}
	w := newWriter(c, &Config{}, zaptest.NewLogger(t))
	defer w.Close()

	if err := w.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(c.execs) != 1 || !strings.Contains(c.execs[0], "CREATE TABLE IF NOT EXISTS "+TableName) {
		t.Errorf("expected table DDL, got %v", c.execs)
	}
}
