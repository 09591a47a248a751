package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/models"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewActivity starts a record for a batch with a fresh batch id
func NewActivity(method string) *models.Activity {
	return &models.Activity{
		BatchID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Method:    method,
	}
}

// LogRecorder writes activity to the structured log
type LogRecorder struct {
	Logger *logrus.Logger
}

func (l LogRecorder) Record(_ context.Context, a *models.Activity) error {
	l.Logger.WithFields(logrus.Fields{
		"batch_id":     a.BatchID,
		"method":       a.Method,
		"refs":         a.Refs,
		"auth_source":  a.AuthSource,
		"status":       a.StatusCode,
		"error_code":   a.ErrorCode,
		"query_errors": a.QueryErrors,
		"missing":      a.Missing,
		"attempts":     a.Attempts,
		"duration_ms":  a.DurationMs,
	}).Info("api batch")
	return nil
}

// AsyncRecorder hands records to a background worker so request handling
// never waits on the sink. Records are dropped when the buffer is full.
type AsyncRecorder struct {
	sink    storage.ActivityRecorder
	logger  *logrus.Logger
	timeout time.Duration
	ch      chan *models.Activity
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewAsyncRecorder starts the worker; call Close to drain it
func NewAsyncRecorder(sink storage.ActivityRecorder, buffer int, logger *logrus.Logger) *AsyncRecorder {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncRecorder{
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan *models.Activity, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(_ context.Context, a *models.Activity) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	select {
	case r.ch <- a:
	default:
		r.logger.WithField("batch_id", a.BatchID).Warn("activity buffer full, dropping record")
	}
	return nil
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for a := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Record(ctx, a); err != nil {
			r.logger.WithError(err).WithField("batch_id", a.BatchID).Warn("failed to record activity")
		}
		cancel()
	}
}

// Close stops accepting records and waits for buffered ones to be written
func (r *AsyncRecorder) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}
