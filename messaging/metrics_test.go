package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus/messaging"
	"github.com/glimte/queuebus/transports/memory"
)

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RecordSend(queue, typeTag string, duration time.Duration, err error) {
	m.Called(queue, typeTag, duration, err)
}

func (m *mockMetrics) RecordDispatch(queue, typeTag string, state messaging.DispatchState, duration time.Duration) {
	m.Called(queue, typeTag, state, duration)
}

func (m *mockMetrics) RecordFault(queue, typeTag string, reason messaging.FaultReason) {
	m.Called(queue, typeTag, reason)
}

func (m *mockMetrics) SetPending(n int) {
	m.Called(n)
}

func TestBus_MetricsCollector(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	faulted := make(chan struct{})
	dispatched := make(chan struct{})

	collector := &mockMetrics{}
	collector.On("RecordFault", "parity-queue", "demo.GetParity", messaging.FaultHandlerFault).
		Run(func(mock.Arguments) { close(faulted) }).Once()
	collector.On("RecordDispatch", "parity-queue", "demo.GetParity", messaging.StateFaulted, mock.AnythingOfType("time.Duration")).
		Run(func(mock.Arguments) { close(dispatched) }).Once()
	collector.On("RecordSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	collector.On("SetPending", mock.Anything).Maybe()

	tr := memory.NewTransport()
	defer tr.Close()

	handlers, err := messaging.NewHandlerRegistry(parityHandler())
	require.NoError(t, err)
	server, err := messaging.NewBus(tr, newTypes(t), handlers,
		messaging.WithServiceName("parity"),
		messaging.WithLogger(quiet),
		messaging.WithMetrics(collector),
	)
	require.NoError(t, err)
	defer server.Close(context.Background())
	require.NoError(t, server.SubscribeAll(ctx))

	client, err := messaging.NewBus(tr, newTypes(t), nil,
		messaging.WithServiceName("client"),
		messaging.WithLogger(quiet),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())

	_, err = client.Send(ctx, &GetParity{ID: 13}, messaging.To("parity-queue"))
	require.NoError(t, err)

	for _, ch := range []chan struct{}{faulted, dispatched} {
		select {
		case <-ch:
		case <-ctx.Done():
			t.Fatal("metrics were not recorded")
		}
	}
	collector.AssertExpectations(t)
}
