// Package activity appends immutable audit records describing process state
// transitions.
//
// Appending never fails the caller: entries are queued and written by a
// single background worker, and on store failure or a full queue the entry is
// degraded to the structured log instead of being lost silently. Audit loss
// is preferable to blocking user-visible progress.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simplifia/engine/internal/domain"
)

// Appender is the slice of the repository the logger needs.
type Appender interface {
	AppendActivityLog(ctx context.Context, entry *domain.ActivityLog) error
}

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
	writeRetries     = 3
	writeRetryDelay  = 100 * time.Millisecond
)

// Logger is the asynchronous activity logger.
type Logger struct {
	store   Appender
	logger  *slog.Logger
	queue   chan *domain.ActivityLog
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	now     func() time.Time
}

// NewLogger creates and starts an activity logger. queueSize <= 0 uses the
// default.
func NewLogger(store Appender, queueSize int, logger *slog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:  store,
		logger: logger,
		queue:  make(chan *domain.ActivityLog, queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues an audit entry. Never blocks and never fails: when the queue
// is full or the logger is closed, the entry goes to the fallback channel
// (structured log) instead.
func (l *Logger) Record(processID string, typ domain.LogType, message, details string) {
	entry := &domain.ActivityLog{
		ID:        uuid.NewString(),
		ProcessID: processID,
		Type:      typ,
		Message:   message,
		Details:   details,
		Timestamp: l.now(),
	}

	// Check and enqueue under one lock: Close flips the flag under the same
	// lock before stopping the worker, so every accepted entry is queued
	// before the final drain and none are stranded.
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		l.fallback(entry, "logger closed")
		return
	}
	select {
	case l.queue <- entry:
		l.closeMu.Unlock()
	default:
		l.closeMu.Unlock()
		l.fallback(entry, "queue full")
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(entry *domain.ActivityLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err = l.store.AppendActivityLog(ctx, entry); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			l.fallback(entry, err.Error())
			return
		case <-time.After(writeRetryDelay * time.Duration(1<<attempt)):
		}
	}
	l.fallback(entry, err.Error())
}

// fallback keeps the audit information visible when the log store is
// unavailable.
func (l *Logger) fallback(entry *domain.ActivityLog, reason string) {
	l.logger.Warn("activity log degraded to fallback channel",
		"reason", reason,
		"process_id", entry.ProcessID,
		"type", string(entry.Type),
		"message", entry.Message,
		"details", entry.Details,
	)
}

// Close stops the worker after draining queued entries.
func (l *Logger) Close() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	l.closeMu.Unlock()

	close(l.done)
	l.wg.Wait()
}
