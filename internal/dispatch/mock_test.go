// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"testing"

	"github.com/batchforge/batchforge/internal/files"
	"github.com/stretchr/testify/require"
)

func TestMockServesQueuedResponsesFIFO(t *testing.T) {
	m := NewMock()
	m.Enqueue("POST", "/v1/test", CannedResponse{Result: Result{Status: 500}})
	m.Enqueue("POST", "/v1/test", CannedResponse{Result: Result{Status: 200, Body: "ok"}})

	tpl := files.RequestTemplate{Method: "POST", Path: "/v1/test"}
	r1, err := m.Send(context.Background(), tpl, 1000)
	require.NoError(t, err)
	require.Equal(t, uint16(500), r1.Status)

	r2, err := m.Send(context.Background(), tpl, 1000)
	require.NoError(t, err)
	require.Equal(t, uint16(200), r2.Status)
	require.Equal(t, "ok", r2.Body)
	require.Equal(t, 2, m.CallCount("POST", "/v1/test"))
}

func TestMockErrorsOnEmptyQueue(t *testing.T) {
	m := NewMock()
	_, err := m.Send(context.Background(), files.RequestTemplate{Method: "GET", Path: "/x"}, 1000)
	require.Error(t, err)
}

func TestMockHoldBlocksUntilReleased(t *testing.T) {
	m := NewMock()
	hold := make(chan struct{})
	m.Enqueue("POST", "/v1/slow", CannedResponse{Result: Result{Status: 200}, Hold: hold})

	done := make(chan struct{})
	go func() {
		_, _ = m.Send(context.Background(), files.RequestTemplate{Method: "POST", Path: "/v1/slow"}, 1000)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.InFlight() == 1 }, testTimeout, testTick)
	close(hold)
	<-done
	require.Equal(t, int64(0), m.InFlight())
}
