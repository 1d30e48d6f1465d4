package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_InstallsGlobal(t *testing.T) {
	m := Init("test_copier")
	assert.Same(t, m, Get())

	m2 := Init("")
	assert.Same(t, m2, Get())
	assert.NotSame(t, m, m2)
}

func TestRecorders(t *testing.T) {
	m := Init("test_copier")
	l := Labels{Mode: "compress", Queue: "transform", Transform: "zstd", Outcome: "completed"}

	m.AddBlockRead(l, 100)
	m.AddBlockRead(l, 50)
	m.AddBlockWritten(l, 40)
	m.IncFramesSkipped(l)
	m.SetQueue(l, 3, 300)
	m.IncGateClosures(l)
	m.ObserveTransformDuration(l, 0.001)
	m.ObserveRun(l, 1.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksRead.WithLabelValues("compress")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.BytesRead.WithLabelValues("compress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksWritten.WithLabelValues("compress")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("compress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSkipped.WithLabelValues("compress")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("compress", "transform")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.QueueBytes.WithLabelValues("compress", "transform")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateClosures.WithLabelValues("compress", "transform")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("compress", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestHandler(t *testing.T) {
	m := Init("handler_test")
	m.AddBlockRead(Labels{Mode: "copy"}, 10)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `handler_test_blocks_read_total{mode="copy"} 1`)
}
