package control_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/control"
	"perparb/pkg/logging"
)

func startHub(t *testing.T) *control.Hub {
	t.Helper()
	hub := control.NewHub(logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := startHub(t)

	c1 := control.NewClient("c1")
	c2 := control.NewClient("c2")
	hub.Register(c1)
	hub.Register(c2)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(control.Message{Type: "edge", Data: "payload"})

	for _, c := range []*control.Client{c1, c2} {
		select {
		case msg := <-c.GetSendChan():
			assert.Equal(t, "edge", msg.Type)
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	hub := startHub(t)

	c := control.NewClient("c")
	hub.Register(c)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Unregister(c)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	// The client's channel is closed on unregister
	_, open := <-c.GetSendChan()
	require.False(t, open)
}

func TestClient_SendNonBlockingWhenFull(t *testing.T) {
	c := control.NewClient("slow")

	// Fill the buffer without a reader
	delivered := 0
	for i := 0; i < 300; i++ {
		if c.Send(control.Message{Type: "edge"}) {
			delivered++
		}
	}
	assert.Equal(t, 256, delivered, "sends beyond the buffer are dropped, not blocked")

	c.Close()
	assert.False(t, c.Send(control.Message{Type: "edge"}), "send after close fails")
}
