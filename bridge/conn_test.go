package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nicebartender/aiteam/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*ws.Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(nil, nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAs(t *testing.T, hub *ws.Hub, url, id string) *HubConn {
	t.Helper()
	conn, err := Dial(context.Background(), url, id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Status(0).IsConnected(id) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func listen(t *testing.T, conn *HubConn) (<-chan Inbound, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Inbound, 16)
	go conn.Listen(ctx, func(in Inbound) { ch <- in })
	t.Cleanup(cancel)
	return ch, cancel
}

func next(t *testing.T, ch <-chan Inbound) Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub frame")
		return Inbound{}
	}
}

func TestHubConnRoundTrip(t *testing.T) {
	hub, url := startHub(t)
	lead := dialAs(t, hub, url, "lead")
	codex := dialAs(t, hub, url, "codex")
	codexIn, _ := listen(t, codex)
	leadIn, _ := listen(t, lead)

	e := NewEmitter("lead", lead, nil)
	e.Emit("codex", EventPrompt, "hello")

	in := next(t, codexIn)
	require.Nil(t, in.Reply)
	assert.Equal(t, "lead", in.Envelope.From)
	assert.Equal(t, `"hello"`, string(in.Envelope.Payload))

	e.Emit("nobody", EventPrompt, "hello")
	in = next(t, leadIn)
	require.NotNil(t, in.Reply)
	assert.Equal(t, ws.ErrTextDeliveryFailed, in.Reply.Error)
	assert.Equal(t, "nobody", in.Reply.Target)
}

func TestHubConnSendAfterClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dialAs(t, hub, url, "gemini")
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(ws.Envelope{From: "gemini", To: "lead", EventType: "result"}), ErrNotConnected)

	require.Eventually(t, func() bool { return !hub.Status(0).IsConnected("gemini") }, 2*time.Second, 10*time.Millisecond)
}

func TestListenReturnsOnCancel(t *testing.T) {
	hub, url := startHub(t)
	conn := dialAs(t, hub, url, "claude")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Listen(ctx, func(Inbound) {}) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"error":"Spoofed identity detected","details":"You are identified as a"}`))
	require.NoError(t, err)
	require.NotNil(t, in.Reply)
	assert.Equal(t, "You are identified as a", in.Reply.Details)

	// An agent payload may carry an "error" key; an eventType makes it an envelope.
	payload, _ := json.Marshal(map[string]string{"error": "boom"})
	in, err = DecodeInbound([]byte(`{"from":"gemini","to":"lead","eventType":"error","error":"x","payload":` + string(payload) + `}`))
	require.NoError(t, err)
	assert.Nil(t, in.Reply)
	assert.Equal(t, "error", in.Envelope.EventType)

	_, err = DecodeInbound([]byte(`nope`))
	assert.Error(t, err)
}
