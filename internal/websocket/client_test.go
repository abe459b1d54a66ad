package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientReceivesPublishedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewClient(hub, w, r, []string{TopicLogs}, zap.NewNop())
		require.NoError(t, err)
		c.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(TopicLogs, Message{
		Type:    MsgLog,
		Topic:   TopicLogs,
		Payload: LogLine{Level: "info", Message: "backup started", Timestamp: "2026-07-30T10:00:00Z"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Message
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, MsgLog, got.Type)
	assert.Equal(t, TopicLogs, got.Topic)
}
