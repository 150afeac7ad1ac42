package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ledger-mesh/ilp-connector/internal/telemetry"
)

// newTestArchive builds an Archive without a database pool; tests stub
// a.flush before starting Run.
func newTestArchive(queue, batchSize int, storeRaw, compressRaw bool) *Archive {
	a := &Archive{
		cfg: ArchiveConfig{
			BatchSize:     batchSize,
			FlushInterval: time.Hour,
			QueueSize:     queue,
			StoreRaw:      storeRaw,
			CompressRaw:   compressRaw,
		},
		logger: zap.NewNop(),
		rows:   make(chan archiveRow, queue),
	}
	return a
}

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]archiveRow
}

func (r *flushRecorder) record(rows []archiveRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]archiveRow(nil), rows...))
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) batch(i int) []archiveRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func TestArchiveConfig_Validate(t *testing.T) {
	if _, err := NewArchive(ArchiveConfig{}); err == nil {
		t.Fatalf("expected error for missing pool")
	}
}

func TestArchive_ConsumeBuildsRow(t *testing.T) {
	a := newTestArchive(4, 2, true, false)
	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)

	a.Consume(ev, raw)

	row := <-a.rows
	want := sha256.Sum256(raw)
	if !bytes.Equal(row.eventID, want[:]) {
		t.Fatalf("eventID = %x, want sha256 of frame", row.eventID)
	}
	if row.nodeID != "node-a" || row.eventType != telemetry.TypeNodeStatus {
		t.Fatalf("row identity = %q/%q", row.nodeID, row.eventType)
	}
	if !row.occurredAt.Equal(testTime) {
		t.Fatalf("occurredAt = %v, want %v", row.occurredAt, testTime)
	}
	if !bytes.Equal(row.payload, raw) || !bytes.Equal(row.raw, raw) {
		t.Fatalf("payload/raw mismatch")
	}
}

func TestArchive_ConsumeCompressesRaw(t *testing.T) {
	a := newTestArchive(4, 2, true, true)
	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)

	a.Consume(ev, raw)

	row := <-a.rows
	zstdMagic := []byte{0x28, 0xb5, 0x2f, 0xfd}
	if !bytes.HasPrefix(row.raw, zstdMagic) {
		t.Fatalf("raw is not zstd-framed: %x", row.raw[:4])
	}
	if !bytes.Equal(row.payload, raw) {
		t.Fatalf("payload must stay uncompressed")
	}
}

func TestArchive_ConsumeWithoutRaw(t *testing.T) {
	a := newTestArchive(4, 2, false, false)
	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")

	a.Consume(ev, eventJSON(t, ev))

	if row := <-a.rows; row.raw != nil {
		t.Fatalf("raw stored despite store_raw=false")
	}
}

func TestArchive_ConsumeDropsWhenQueueFull(t *testing.T) {
	a := newTestArchive(1, 2, false, false)
	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)

	a.Consume(ev, raw)
	a.Consume(ev, raw)

	if got := len(a.rows); got != 1 {
		t.Fatalf("queued rows = %d, want 1", got)
	}
}

func TestArchive_RunFlushesOnBatchSizeAndShutdown(t *testing.T) {
	a := newTestArchive(16, 2, false, false)
	rec := &flushRecorder{}
	a.flush = func(_ context.Context, rows []archiveRow) (int64, error) {
		rec.record(rows)
		return int64(len(rows)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)
	a.Consume(ev, raw)
	a.Consume(ev, raw)

	waitFor(t, 2*time.Second, "batch flush", func() bool { return rec.count() == 1 })
	if got := len(rec.batch(0)); got != 2 {
		t.Fatalf("flushed batch size = %d, want 2", got)
	}

	// A row below the batch threshold is flushed on shutdown.
	a.Consume(ev, raw)
	waitFor(t, 2*time.Second, "row drained", func() bool { return len(a.rows) == 0 })
	cancel()
	<-done

	if rec.count() != 2 {
		t.Fatalf("flush count = %d, want 2", rec.count())
	}
	if got := len(rec.batch(1)); got != 1 {
		t.Fatalf("shutdown batch size = %d, want 1", got)
	}
}

func TestArchive_RetainsBatchAcrossFlushFailures(t *testing.T) {
	a := newTestArchive(16, 2, false, false)
	rec := &flushRecorder{}
	var fail atomic.Bool
	var attempts atomic.Int32
	fail.Store(true)
	a.flush = func(_ context.Context, rows []archiveRow) (int64, error) {
		attempts.Add(1)
		if fail.Load() {
			return 0, errors.New("db down")
		}
		rec.record(rows)
		return int64(len(rows)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)
	a.Consume(ev, raw)
	a.Consume(ev, raw)
	waitFor(t, 2*time.Second, "first flush attempt", func() bool { return attempts.Load() >= 1 })

	fail.Store(false)
	a.Consume(ev, raw)
	waitFor(t, 2*time.Second, "successful flush", func() bool { return rec.count() == 1 })

	if got := len(rec.batch(0)); got != 3 {
		t.Fatalf("retained batch size = %d, want 3 (failed rows carried over)", got)
	}
}

func TestArchive_DropsOversizedBatch(t *testing.T) {
	a := newTestArchive(32, 1, false, false)
	rec := &flushRecorder{}
	var fail atomic.Bool
	var attempts atomic.Int32
	fail.Store(true)
	a.flush = func(_ context.Context, rows []archiveRow) (int64, error) {
		attempts.Add(1)
		if fail.Load() {
			return 0, errors.New("db down")
		}
		rec.record(rows)
		return int64(len(rows)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ev := stamped(telemetry.NodeStatus("healthy", "g.node-a"), "node-a")
	raw := eventJSON(t, ev)
	for i := 0; i < 10; i++ {
		a.Consume(ev, raw)
	}
	waitFor(t, 2*time.Second, "flush attempts", func() bool { return attempts.Load() >= 10 })

	// The 10x batch was dropped; only the next row survives.
	fail.Store(false)
	a.Consume(ev, raw)
	waitFor(t, 2*time.Second, "post-drop flush", func() bool { return rec.count() == 1 })

	if got := len(rec.batch(0)); got != 1 {
		t.Fatalf("post-drop batch size = %d, want 1", got)
	}
}
