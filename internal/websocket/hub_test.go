package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(topics ...string) *Client {
	return &Client{send: make(chan Message, sendBufferSize), topics: topics}
}

func TestHubPublishDeliversToSubscribedTopicOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	progressClient := newTestClient(TopicBackupProgress)
	logsClient := newTestClient(TopicLogs)

	h.Subscribe(progressClient)
	h.Subscribe(logsClient)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 2 }, time.Second, time.Millisecond)

	h.Publish(TopicBackupProgress, Message{Type: MsgProgress, Topic: TopicBackupProgress, Payload: "tick"})

	select {
	case msg := <-progressClient.send:
		assert.Equal(t, "tick", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected progress client to receive message")
	}

	select {
	case <-logsClient.send:
		t.Fatal("logs client should not receive a backup:progress message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeRemovesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	c := newTestClient(TopicLogs)
	h.Subscribe(c)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	h.Unsubscribe(c)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 0 }, time.Second, time.Millisecond)

	_, ok := <-c.send
	assert.False(t, ok, "client's send channel should be closed on unsubscribe")
}

func TestHubRunExitsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := newTestClient(TopicLogs)
	h.Subscribe(c)
	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, time.Second, time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	_, ok := <-c.send
	assert.False(t, ok)
}
