package tracking

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu   sync.Mutex
	recs []*models.Activity
}

func (m *memorySink) Record(_ context.Context, a *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, a)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewActivity(t *testing.T) {
	a := NewActivity("GET")
	b := NewActivity("GET")
	assert.NotEmpty(t, a.BatchID)
	assert.NotEqual(t, a.BatchID, b.BatchID)
	assert.Equal(t, "GET", a.Method)
	assert.False(t, a.Timestamp.IsZero())
}

func TestAsyncRecorder_DrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	r := NewAsyncRecorder(sink, 16, quietLogger())

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Record(context.Background(), NewActivity("GET")))
	}
	require.NoError(t, r.Close())

	assert.Len(t, sink.recs, 10)

	// records after close are ignored, close is idempotent
	assert.NoError(t, r.Record(context.Background(), NewActivity("GET")))
	assert.NoError(t, r.Close())
	assert.Len(t, sink.recs, 10)
}

func TestLogRecorder(t *testing.T) {
	assert.NoError(t, LogRecorder{Logger: quietLogger()}.Record(context.Background(), NewActivity("POST")))
}
