package transcript

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startStreamServer exposes the streamer on an httptest server and
// returns the ws:// URL for it.
func startStreamServer(t *testing.T, streamer *Streamer, requestID string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = streamer.ServeWS(w, r, requestID)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamer_StreamsEventsToClient(t *testing.T) {
	hub := NewHub(8, nil)
	streamer := NewStreamer(hub, nil, nil)
	wsURL := startStreamServer(t, streamer, "req-1")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("req-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: EventMemberResponse, RequestID: "req-1", Payload: "raft is simpler"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, EventMemberResponse, evt.Type)
	assert.Equal(t, "req-1", evt.RequestID)
	assert.Equal(t, "raft is simpler", evt.Payload)

	// Closing the hub ends the stream with a normal close frame.
	hub.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	err = conn.ReadJSON(&evt)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamer_ClientDisconnectDetaches(t *testing.T) {
	hub := NewHub(8, nil)
	defer hub.Close()
	streamer := NewStreamer(hub, nil, nil)
	wsURL := startStreamServer(t, streamer, "req-1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("req-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("req-1") == 0
	}, 2*time.Second, 10*time.Millisecond, "subscription should detach when the peer goes away")
}

func TestStreamer_OriginCheck(t *testing.T) {
	hub := NewHub(8, nil)
	defer hub.Close()
	streamer := NewStreamer(hub, []string{"https://console.example.com"}, nil)
	wsURL := startStreamServer(t, streamer, "req-1")

	t.Run("disallowed origin is rejected", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://evil.example.com"}}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		if conn != nil {
			conn.Close()
		}
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed origin connects", func(t *testing.T) {
		header := http.Header{"Origin": []string{"https://console.example.com"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		conn.Close()
		require.Eventually(t, func() bool {
			return hub.SubscriberCount("req-1") == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("no origin header connects", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		conn.Close()
		require.Eventually(t, func() bool {
			return hub.SubscriberCount("req-1") == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestStreamer_WildcardOrigin(t *testing.T) {
	hub := NewHub(8, nil)
	defer hub.Close()
	streamer := NewStreamer(hub, []string{"*"}, nil)
	wsURL := startStreamServer(t, streamer, "req-1")

	header := http.Header{"Origin": []string{"https://anywhere.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	conn.Close()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("req-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
