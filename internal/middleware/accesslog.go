package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/motd-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessLogEntry records one handled action on either side of the bridge
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	ConnID     string    `json:"conn_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Identity   uint64    `json:"steamid,omitempty"`
	SessionID  int       `json:"session_id,omitempty"`
	Action     string    `json:"action"`
	Backend    string    `json:"backend,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // protocol status or gateway result
	Error      string    `json:"error,omitempty"`
}

// AccessLogger handles access log recording with batching support
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

var (
	// Global access logger instance
	globalAccessLogger *AccessLogger
	once               sync.Once
)

// InitAccessLogger initializes the global access logger
// batchSize: number of logs to accumulate before flushing
// flushInterval: maximum time to wait before flushing
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	once.Do(func() {
		globalAccessLogger = &AccessLogger{
			logChan:       make(chan *AccessLogEntry, batchSize*2), // Buffer 2x batch size
			batchSize:     batchSize,
			flushInterval: flushInterval,
			stopChan:      make(chan struct{}),
		}
		globalAccessLogger.start()
	})
}

// LogAccess records an access log entry.
// Non-blocking: when the buffer is full the entry is dropped.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	if globalAccessLogger == nil {
		writeEntry(entry)
		return
	}

	select {
	case globalAccessLogger.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("conn_id", entry.ConnID),
			zap.String("action", entry.Action),
		)
	}
}

func entryFields(entry *AccessLogEntry) []zap.Field {
	fields := []zap.Field{
		zap.String("remote_addr", entry.RemoteAddr),
		zap.String("action", entry.Action),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.String("status", entry.Status),
	}

	if entry.TraceID != "" {
		fields = append(fields, zap.String("trace_id", entry.TraceID))
	}
	if entry.SpanID != "" {
		fields = append(fields, zap.String("span_id", entry.SpanID))
	}
	if entry.ConnID != "" {
		fields = append(fields, zap.String("conn_id", entry.ConnID))
	}
	if entry.Identity != 0 {
		fields = append(fields, logger.Identity(entry.Identity))
	}
	if entry.SessionID != 0 {
		fields = append(fields, zap.Int("session_id", entry.SessionID))
	}
	if entry.Backend != "" {
		fields = append(fields, zap.String("backend", entry.Backend))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	return fields
}

func writeEntry(entry *AccessLogEntry) {
	logger.L.Info("access_log", entryFields(entry)...)
}

// start starts the batch processing goroutine
func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

// processBatches processes access logs in batches
func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Drain whatever is still buffered
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					al.flushBatch(batch)
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		writeEntry(entry)
	}
}

// ShutdownAccessLogger flushes pending entries and stops the batcher
func ShutdownAccessLogger() {
	if globalAccessLogger != nil {
		globalAccessLogger.stopOnce.Do(func() {
			close(globalAccessLogger.stopChan)
		})
		globalAccessLogger.wg.Wait()
	}
}
