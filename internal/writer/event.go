package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/errcatcher/internal/metrics"
	"github.com/rickgao/errcatcher/internal/model"
	"github.com/rickgao/errcatcher/internal/queue"
)

const insertEvent = `
	INSERT INTO events (id, integration_id, title, type, release, user_id,
		catcher_type, catcher_version, occurred_at, received_at, raw)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING
`

// EventWriter consumes received events from the ingest buffer and writes
// them to the events table.
type EventWriter struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	// Input from the collector endpoint
	input *queue.Buffer[model.Received]

	// Database
	db BatchSender

	// Batching
	batch       []model.EventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Metrics
}

// NewEventWriter creates a new EventWriter. A nil m keeps metrics unregistered.
func NewEventWriter(
	cfg Config,
	input *queue.Buffer[model.Received],
	db BatchSender,
	m *metrics.Collector,
	logger *slog.Logger,
) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &EventWriter{
		cfg:     cfg,
		input:   input,
		db:      db,
		metrics: m,
		logger:  logger.With("component", "event_writer"),
		batch:   make([]model.EventRow, 0, cfg.BatchSize),
		ctx:     context.Background(),
	}
}

// Start begins consuming events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Closing the input releases consumeLoop from Receive
	context.AfterFunc(w.ctx, w.input.Close)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input, writes what is buffered and shuts down the writer.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping event writer")

	if w.cancel != nil {
		w.cancel()
	}
	w.input.Close()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
	}

	// Final flush uses the caller's context; the writer's own is cancelled
	for _, rec := range w.input.DrainTo(0) {
		w.add(w.transform(rec))
	}
	w.flushWith(ctx)

	w.logger.Info("event writer stopped")
	return nil
}

// Stats returns current counters.
func (w *EventWriter) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop blocks on the input buffer until it is closed and drained.
// Once the writer is stopping, rows are only batched; Stop flushes them.
func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, ok := w.input.Receive()
		if !ok {
			return
		}

		w.metrics.BufferDepth.Set(float64(w.input.Len()))
		if w.add(w.transform(rec)) && w.ctx.Err() == nil {
			w.flushWith(w.ctx)
		}
	}
}

func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushWith(w.ctx)
		}
	}
}

// add appends a row and reports whether the batch is full.
func (w *EventWriter) add(row model.EventRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a received event to its stored form.
func (w *EventWriter) transform(rec model.Received) model.EventRow {
	ev := rec.Event
	row := model.EventRow{
		ID:             ev.ID,
		IntegrationID:  rec.IntegrationID,
		Title:          ev.Payload.Title,
		Type:           ev.Payload.Type,
		Release:        ev.Payload.Release,
		CatcherType:    ev.CatcherType,
		CatcherVersion: ev.Payload.CatcherVersion,
		OccurredAt:     ev.Payload.Timestamp,
		ReceivedAt:     rec.ReceivedAt.UnixMicro(),
		Raw:            rec.Raw,
	}
	if ev.Payload.User != nil {
		row.UserID = ev.Payload.User.ID
	}
	if row.OccurredAt == 0 {
		row.OccurredAt = row.ReceivedAt
	}
	return row
}

func (w *EventWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]model.EventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.metrics.WriteErrors.Inc()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	inserted := len(batch) - conflicts
	w.metrics.Written.Add(float64(inserted))
	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
// Duplicate event ids count as conflicts.
func (w *EventWriter) batchInsert(ctx context.Context, rows []model.EventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent,
			r.ID, r.IntegrationID, r.Title, r.Type, r.Release, r.UserID,
			r.CatcherType, r.CatcherVersion, r.OccurredAt, r.ReceivedAt, r.Raw,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
