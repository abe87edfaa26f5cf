package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, server *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return server.Addr().String()
}

func testServer(t *testing.T) *Server {
	t.Helper()
	hash, err := HashWorkerKey("fleet-key")
	require.NoError(t, err)
	return NewServer("127.0.0.1:0", NewAuthenticator("secret", hash))
}

func TestTCPRoundTrip(t *testing.T) {
	server := testServer(t)

	inbound := make(chan string, 1)
	server.Handle("greeting", func(wc *WorkerConn, payload json.RawMessage) {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		inbound <- wc.WorkerID + ":" + s
		// Answer on the same connection.
		if err := wc.Emit("greeting:reply", "hello "+wc.WorkerID); err != nil {
			t.Errorf("reply failed: %v", err)
		}
	})

	addr := startTestServer(t, server)

	client, err := Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-1", WorkerKey: "fleet-key"})
	require.NoError(t, err)
	defer client.Close()
	assert.NotEmpty(t, client.SessionToken, "handshake must issue a session token")

	reply := make(chan string, 1)
	client.On("greeting:reply", func(payload json.RawMessage) {
		var s string
		if err := json.Unmarshal(payload, &s); err == nil {
			reply <- s
		}
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(runCtx) }()

	require.NoError(t, client.Emit("greeting", "hi"))

	select {
	case got := <-inbound:
		assert.Equal(t, "worker-1:hi", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
	select {
	case got := <-reply:
		assert.Equal(t, "hello worker-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the reply")
	}

	cancelRun()
	select {
	case err := <-runDone:
		assert.NoError(t, err, "cancelled run exits clean")
	case <-time.After(2 * time.Second):
		t.Fatal("client run never returned")
	}
}

func TestTCPRejectsBadKey(t *testing.T) {
	server := testServer(t)
	addr := startTestServer(t, server)

	_, err := Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-1", WorkerKey: "wrong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestTCPReconnectWithSessionToken(t *testing.T) {
	server := testServer(t)
	addr := startTestServer(t, server)

	first, err := Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-1", WorkerKey: "fleet-key"})
	require.NoError(t, err)
	token := first.SessionToken
	first.Close()

	second, err := Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-1", Token: token})
	require.NoError(t, err)
	second.Close()

	// A token cannot be replayed under a different worker id.
	_, err = Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-2", Token: token})
	assert.Error(t, err)
}

func TestTCPConnectDisconnectCallbacks(t *testing.T) {
	server := testServer(t)

	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	server.OnConnect = func(wc *WorkerConn) { connected <- wc.WorkerID }
	server.OnDisconnect = func(wc *WorkerConn) { disconnected <- wc.WorkerID }

	addr := startTestServer(t, server)

	client, err := Dial(context.Background(), addr, AuthRequest{WorkerID: "worker-1", WorkerKey: "fleet-key"})
	require.NoError(t, err)

	select {
	case id := <-connected:
		assert.Equal(t, "worker-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect never fired")
	}

	client.Close()
	select {
	case id := <-disconnected:
		assert.Equal(t, "worker-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}
}
