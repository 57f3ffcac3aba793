// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the routing hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Batches always go to the structured log; when a ClickHouse sink is
// attached they are additionally inserted into router_request_logs for
// offline analysis.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed routing decision.
type RequestLog struct {
	ID           uuid.UUID
	LogicalModel string
	Provider     string
	Model        string
	SessionID    string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	Streamed     bool
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink // optional
}

// New creates a Logger and starts its flush goroutine. sink may be nil.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("logical_model", e.LogicalModel),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("streamed", e.Streamed),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "request_log_sink_error",
					slog.String("error", err.Error()),
					slog.Int("batch_size", len(batch)),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
