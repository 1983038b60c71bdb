package transport

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"tcp": TCP, "quic": QUIC, "websocket": WebSocket, "ws": WebSocket} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("udp")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestListenUnknownKind(t *testing.T) {
	_, err := Listen(Kind("carrier-pigeon"), "127.0.0.1:0", Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// roundTrip dials lis, sends a line each way, and checks both arrive intact.
func roundTrip(t *testing.T, kind Kind, lis Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := lis.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Dial(ctx, kind, lis.Addr().String(), Options{})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("JOIN:alice\n"))
	require.NoError(t, err)

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	line, err := bufio.NewReader(server).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "JOIN:alice\n", line)

	_, err = server.Write([]byte("* Welcome\n"))
	require.NoError(t, err)

	line, err = bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "* Welcome\n", line)
	assert.NotNil(t, server.RemoteAddr())
}

func TestTCPRoundTrip(t *testing.T) {
	lis, err := Listen(TCP, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer lis.Close()

	roundTrip(t, TCP, lis)
}

func TestWebSocketRoundTrip(t *testing.T) {
	lis, err := Listen(WebSocket, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer lis.Close()

	roundTrip(t, WebSocket, lis)
}

func TestQUICRoundTrip(t *testing.T) {
	lis, err := Listen(QUIC, "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer lis.Close()

	roundTrip(t, QUIC, lis)
}

func TestAcceptAfterClose(t *testing.T) {
	for _, kind := range []Kind{TCP, WebSocket} {
		t.Run(string(kind), func(t *testing.T) {
			lis, err := Listen(kind, "127.0.0.1:0", Options{})
			require.NoError(t, err)
			require.NoError(t, lis.Close())

			_, err = lis.Accept(context.Background())
			assert.ErrorIs(t, err, ErrListenerClosed)
		})
	}
}

func TestSelfSignedTLS(t *testing.T) {
	cfg, err := SelfSignedTLS()
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, []string{alpn}, cfg.NextProtos)
}
