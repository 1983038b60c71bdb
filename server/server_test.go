package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protocol "github.com/pixperk/roomchat"
	"github.com/pixperk/roomchat/config"
	"github.com/pixperk/roomchat/logging"
	"github.com/pixperk/roomchat/transport"
)

const readTimeout = 3 * time.Second

func startServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	srv := New(cfg, logging.Discard())
	require.NoError(t, srv.Listen())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background()) }()

	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return srv
}

type testClient struct {
	t      *testing.T
	conn   transport.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, srv.cfg.TransportKind(), srv.Addr().String(), transport.Options{WSPath: srv.cfg.WSPath})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// join connects and completes the handshake, consuming the welcome text and
// the client's own join notice.
func join(t *testing.T, srv *Server, name string) *testClient {
	t.Helper()
	c := dial(t, srv)
	c.send("JOIN:" + name)
	c.expect("* Welcome to the chat, " + name + "!")
	c.skipUntil("* " + name + " has joined the chat")
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.reader.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	got, err := c.readLine()
	require.NoError(c.t, err)
	assert.Equal(c.t, want, got)
}

func (c *testClient) skipUntil(want string) {
	c.t.Helper()
	for {
		got, err := c.readLine()
		require.NoError(c.t, err, "waiting for %q", want)
		if got == want {
			return
		}
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_, err := c.readLine()
	require.Error(c.t, err)
	assert.NotErrorIs(c.t, err, os.ErrDeadlineExceeded)
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return len(srv.Clients()) == n
	}, readTimeout, 10*time.Millisecond)
}

func TestEndToEndScenario(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	alice.send("hi")
	bob.expect("alice: hi")

	bob.send("/join sports")
	// alice's own chat line would have been queued before this notice
	alice.expect("* bob has left the room")
	bob.expect("* You have joined room: sports")

	for _, rec := range srv.Clients() {
		if rec.Username == "bob" {
			assert.Equal(t, "sports", rec.Room)
		}
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")
	carol := join(t, srv, "carol")
	alice.expect("* carol has joined the chat")
	bob.expect("* carol has joined the chat")

	bob.send("/join sports")
	bob.expect("* You have joined room: sports")
	alice.expect("* bob has left the room")
	carol.expect("* bob has left the room")

	carol.send("/join sports")
	bob.expect("* carol has joined the room")
	carol.expect("* You have joined room: sports")
	alice.expect("* carol has left the room")

	alice.send("anyone here?")
	bob.send("go team")
	carol.expect("bob: go team")

	// alice is alone in general; the next frame she sees must be bob's PM
	bob.send("/pm alice psst")
	alice.expect("[PM from bob]: psst")
}

func TestPrivateMessage(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	alice.send("/pm bob hello")
	bob.expect("[PM from alice]: hello")
	alice.expect("[PM to bob]: hello")

	alice.send("/pm carol hi")
	alice.expect("* Error: User 'carol' not found")

	// nothing reached bob from the failed PM
	alice.send("/pm bob second")
	bob.expect("[PM from alice]: second")
}

func TestMalformedCommandsAreDropped(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	alice.send("/pm bob")
	alice.send("/join ")
	alice.send("")
	alice.send("after")
	bob.expect("alice: after")
}

func TestUsernameTaken(t *testing.T) {
	srv := startServer(t, nil)
	join(t, srv, "alice")

	dup := dial(t, srv)
	dup.send("JOIN:alice")
	dup.expect("* Error: Username 'alice' is already taken")
	dup.expectClosed()

	waitForClients(t, srv, 1)
}

func TestFirstLineMustBeJoin(t *testing.T) {
	srv := startServer(t, nil)

	c := dial(t, srv)
	c.send("hello everyone")
	c.expect(strings.TrimSuffix(protocol.ExpectedJoin, "\n"))
	c.expectClosed()

	waitForClients(t, srv, 0)
}

func TestUsernameTooLong(t *testing.T) {
	srv := startServer(t, nil)

	c := dial(t, srv)
	c.send("JOIN:" + strings.Repeat("z", protocol.MaxUsernameSize+1))
	got, err := c.readLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "* Error: username is too long"))
	c.expectClosed()
}

func TestServerFull(t *testing.T) {
	srv := startServer(t, func(c *config.Config) { c.Capacity = 1 })
	join(t, srv, "alice")

	c := dial(t, srv)
	c.expect(strings.TrimSuffix(protocol.ServerFull, "\n"))
	c.expectClosed()
	waitForClients(t, srv, 1)
}

func TestSlotReusedAfterDisconnect(t *testing.T) {
	srv := startServer(t, func(c *config.Config) { c.Capacity = 1 })

	alice := join(t, srv, "alice")
	alice.send("/join sports")
	alice.expect("* You have joined room: sports")
	alice.send("/exit")
	alice.expect("SERVER_EXIT_ACK")
	waitForClients(t, srv, 0)

	join(t, srv, "bob")
	clients := srv.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "bob", clients[0].Username)
	assert.Equal(t, protocol.DefaultRoom, clients[0].Room)
}

func TestExitHandshake(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	alice.send("/exit")
	alice.expect("SERVER_EXIT_ACK")
	alice.expectClosed()

	bob.expect("* alice has left the chat")
	waitForClients(t, srv, 1)
}

func TestPeerDisconnect(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	bob.conn.Close()
	alice.expect("* bob has left the chat")
	waitForClients(t, srv, 1)
}

func TestShutdownWithActiveClients(t *testing.T) {
	srv := startServer(t, nil)

	var clients []*testClient
	for _, name := range []string{"alice", "bob", "carol"} {
		clients = append(clients, join(t, srv, name))
	}
	// one connection still in its handshake
	pending := dial(t, srv)
	waitForClients(t, srv, 4)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), srv.cfg.ShutdownTimeout+srv.cfg.ForceWait+time.Second)
	assert.Equal(t, StateStopped, srv.State())
	assert.Empty(t, srv.Clients())

	for _, c := range append(clients, pending) {
		for {
			if _, err := c.readLine(); err != nil {
				break
			}
		}
	}

	_, err := transport.Dial(context.Background(), transport.TCP, srv.Addr().String(), transport.Options{})
	assert.Error(t, err)
}

func TestServeReturnsWhenContextCanceled(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(cfg, logging.Discard())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	join(t, srv, "alice")
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-srv.Stopped()
	assert.Equal(t, StateStopped, srv.State())
}

func TestOtherTransports(t *testing.T) {
	for _, kind := range []transport.Kind{transport.WebSocket, transport.QUIC} {
		t.Run(string(kind), func(t *testing.T) {
			srv := startServer(t, func(c *config.Config) { c.Transport = string(kind) })

			alice := join(t, srv, "alice")
			bob := join(t, srv, "bob")
			alice.expect("* bob has joined the chat")

			alice.send("hi")
			bob.expect("alice: hi")

			bob.send("/exit")
			bob.expect("SERVER_EXIT_ACK")
			alice.expect("* bob has left the chat")
		})
	}
}

func TestLongLineDisconnects(t *testing.T) {
	srv := startServer(t, nil)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expect("* bob has joined the chat")

	bob.send(strings.Repeat("x", 4*protocol.MaxFrameSize))
	alice.expect("* bob has left the chat")

	// the rest of the oversized line is never read, so this may end in a reset
	io.Copy(io.Discard, bob.reader)
	waitForClients(t, srv, 1)
}

func TestConcurrentJoins(t *testing.T) {
	srv := startServer(t, nil)

	numClients := 8
	errs := make(chan error, numClients)

	for i := range numClients {
		go func(clientID int) {
			ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
			defer cancel()

			conn, err := transport.Dial(ctx, transport.TCP, srv.Addr().String(), transport.Options{})
			if err != nil {
				errs <- fmt.Errorf("client %d failed to connect: %w", clientID, err)
				return
			}
			t.Cleanup(func() { conn.Close() })

			name := fmt.Sprintf("user%d", clientID)
			if _, err := conn.Write([]byte("JOIN:" + name + "\n")); err != nil {
				errs <- fmt.Errorf("client %d failed to send join: %w", clientID, err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(readTimeout))
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				errs <- fmt.Errorf("client %d got no welcome: %w", clientID, err)
				return
			}
			if line != "* Welcome to the chat, "+name+"!\n" {
				errs <- fmt.Errorf("client %d got %q", clientID, line)
				return
			}
			errs <- nil
		}(i)
	}

	for range numClients {
		assert.NoError(t, <-errs)
	}
	waitForClients(t, srv, numClients)

	seen := map[string]bool{}
	for _, rec := range srv.Clients() {
		assert.False(t, seen[rec.Username], "duplicate %s", rec.Username)
		seen[rec.Username] = true
	}
}

func TestConcurrentDuplicateUsername(t *testing.T) {
	srv := startServer(t, nil)

	numClients := 5
	welcomed := make(chan bool, numClients)

	for range numClients {
		go func() {
			conn, err := transport.Dial(context.Background(), transport.TCP, srv.Addr().String(), transport.Options{})
			if err != nil {
				welcomed <- false
				return
			}
			t.Cleanup(func() { conn.Close() })

			conn.Write([]byte("JOIN:same\n"))
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			line, _ := bufio.NewReader(conn).ReadString('\n')
			welcomed <- strings.HasPrefix(line, "* Welcome")
		}()
	}

	wins := 0
	for range numClients {
		if <-welcomed {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	waitForClients(t, srv, 1)
}
