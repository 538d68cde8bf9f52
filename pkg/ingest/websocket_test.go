package ingest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

func startHub(t *testing.T) (*RecordHub, *observability.Metrics, string, context.CancelFunc) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	m := observability.New()
	hub := NewRecordHub(m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, m, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func TestRecordHub_BroadcastReachesClient(t *testing.T) {
	hub, m, url, _ := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSClients))

	hub.Broadcast(telemetry.RecordView{
		ID:        7,
		Timestamp: "2024-01-01 00:00:00.000000",
		Values:    map[string]float64{"temp_gpu__hotspot": 72.5},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got telemetry.RecordView
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, 72.5, got.Values["temp_gpu__hotspot"])
}

func TestRecordHub_ClientLeaves(t *testing.T) {
	hub, m, url, _ := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WSClients))
}

func TestRecordHub_ShutdownClosesClients(t *testing.T) {
	hub, _, url, cancel := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
