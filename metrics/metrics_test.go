package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus/messaging"
)

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	require.NoError(t, p.Register())
	require.NoError(t, p.Register())

	p.RecordSend("q", "demo.Echo", 5*time.Millisecond, nil)
	p.RecordSend("q", "demo.Echo", 5*time.Millisecond, errors.New("down"))
	p.RecordDispatch("q", "demo.Echo", messaging.StateHandled, time.Millisecond)
	p.RecordFault("q", "demo.Echo", messaging.FaultHandlerFault)
	p.SetPending(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.sendsTotal.WithLabelValues("q", "demo.Echo", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sendsTotal.WithLabelValues("q", "demo.Echo", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dispatchTotal.WithLabelValues("q", "demo.Echo", "handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.faultsTotal.WithLabelValues("q", "demo.Echo", "HandlerFault")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.pendingRequests))

	count, err := testutil.GatherAndCount(reg, "queuebus_send_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheus_RegisterTwiceOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewPrometheus(reg).Register())
	assert.NoError(t, NewPrometheus(reg).Register())
}

func TestMemory(t *testing.T) {
	m := NewMemory()

	for i := 1; i <= 10; i++ {
		m.RecordDispatch("q", "demo.Echo", messaging.StateHandled, time.Duration(i)*time.Millisecond)
	}
	m.RecordDispatch("q", "demo.Echo", messaging.StateFaulted, time.Millisecond)
	m.RecordSend("q", "demo.Echo", time.Millisecond, nil)
	m.RecordSend("q", "demo.Echo", time.Millisecond, errors.New("x"))
	m.RecordFault("q", "demo.Echo", messaging.FaultHandlerFault)
	m.SetPending(2)

	s := m.Summary()
	assert.Equal(t, int64(2), s.Sends["demo.Echo"])
	assert.Equal(t, int64(1), s.SendErrors["demo.Echo"])
	assert.Equal(t, int64(10), s.Dispatches["demo.Echo"]["handled"])
	assert.Equal(t, int64(1), s.Dispatches["demo.Echo"]["faulted"])
	assert.Equal(t, int64(1), s.Faults["HandlerFault"])
	assert.Equal(t, 2, s.Pending)

	stats := s.Processing["demo.Echo"]
	assert.Equal(t, int64(11), stats.Count)
	assert.Equal(t, int64(1), stats.MinMs)
	assert.Equal(t, int64(10), stats.MaxMs)
	assert.Equal(t, int64(5), stats.P50Ms)
}

func TestMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	var c messaging.MetricsCollector = Multi{a, b}
	c.RecordFault("q", "t", messaging.FaultDecodeFailed)
	c.SetPending(1)

	assert.Equal(t, int64(1), a.Summary().Faults["DecodeFailed"])
	assert.Equal(t, int64(1), b.Summary().Faults["DecodeFailed"])
	assert.Equal(t, 1, b.Summary().Pending)
}
