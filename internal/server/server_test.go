package server

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmesh/internal/chat"
	"github.com/adred-codev/chatmesh/internal/protocol"
	"github.com/adred-codev/chatmesh/internal/storage"
	"github.com/adred-codev/chatmesh/internal/store"
	"github.com/adred-codev/chatmesh/internal/syncer"
)

func startServer(t *testing.T, maxConns int) *Server {
	t.Helper()
	dir := t.TempDir()

	log := storage.NewMessageLog(filepath.Join(dir, "node.json"), zerolog.Nop())
	st, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	accounts := storage.OpenAccounts(filepath.Join(dir, "user_accounts.json"), zerolog.Nop())

	sc, err := syncer.NewClient(nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sc.Close)

	srv := New(Config{
		Addr:             "127.0.0.1:0",
		MaxConnections:   maxConns,
		DrainGracePeriod: 200 * time.Millisecond,
	}, st, accounts, sc, nil, nil, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(code uint64, v any) {
	c.t.Helper()
	var payload []byte
	if v != nil {
		var err error
		payload, err = protocol.Encode(v)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, protocol.WriteFrame(c.conn, code, payload))
}

func (c *testClient) recv() (uint64, any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	code, payload, err := protocol.ReadFrame(c.conn)
	require.NoError(c.t, err)
	if len(payload) == 0 {
		return code, nil
	}
	v, err := protocol.Decode(payload)
	require.NoError(c.t, err)
	return code, v
}

// login drives both phases and asserts success.
func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.send(protocol.ReqLogin1, username)
	code, _ := c.recv()
	require.Contains(c.t, []uint64{protocol.RespUserExisting, protocol.RespUserNotExisting}, code)

	c.send(protocol.ReqLogin2, password)
	code, _ = c.recv()
	require.Equal(c.t, protocol.RespLoginSuccess, code)
}

func (c *testClient) listUsers() map[string]any {
	c.t.Helper()
	c.send(protocol.ReqListUsers, nil)
	code, v := c.recv()
	require.Equal(c.t, protocol.RespListUsers, code)
	counts, ok := v.(map[string]any)
	require.True(c.t, ok)
	return counts
}

func (c *testClient) listMessages(friend string) []any {
	c.t.Helper()
	c.send(protocol.ReqListMessages, friend)
	code, v := c.recv()
	require.Equal(c.t, protocol.RespListMessages, code)
	if v == nil {
		return nil
	}
	msgs, ok := v.([]any)
	require.True(c.t, ok)
	return msgs
}

func TestLoginNewUser(t *testing.T) {
	srv := startServer(t, 8)
	c := dial(t, srv)

	c.send(protocol.ReqLogin1, "alice")
	code, _ := c.recv()
	assert.Equal(t, protocol.RespUserNotExisting, code)

	c.send(protocol.ReqLogin2, "hunter2")
	code, v := c.recv()
	assert.Equal(t, protocol.RespLoginSuccess, code)
	assert.Equal(t, []any{"alice"}, v)
}

func TestLoginExistingUserWithRetry(t *testing.T) {
	srv := startServer(t, 8)
	dial(t, srv).login("alice", "hunter2")

	c := dial(t, srv)
	c.send(protocol.ReqLogin1, "alice")
	code, _ := c.recv()
	assert.Equal(t, protocol.RespUserExisting, code)

	c.send(protocol.ReqLogin2, "wrong password")
	code, _ = c.recv()
	assert.Equal(t, protocol.RespLoginFailed, code)

	// The session stays in the password phase; a retry can still succeed.
	c.send(protocol.ReqLogin2, "hunter2")
	code, _ = c.recv()
	assert.Equal(t, protocol.RespLoginSuccess, code)
}

func TestSendListAndRead(t *testing.T) {
	srv := startServer(t, 8)

	alice := dial(t, srv)
	alice.login("alice", "pw-a")
	alice.send(protocol.ReqSendMsg, []any{"bob", "are you there?"})
	// SEND_MSG has no response; a list on the same session confirms the
	// send was processed before bob shows up.
	require.Len(t, alice.listMessages("bob"), 1)

	bob := dial(t, srv)
	bob.login("bob", "pw-b")

	// Sent while bob was offline: one unread from alice.
	assert.Equal(t, map[string]any{"alice": int64(1), "bob": int64(0)}, bob.listUsers())

	msgs := bob.listMessages("alice")
	require.Len(t, msgs, 1)
	first, ok := msgs[0].(*chat.Message)
	require.True(t, ok)
	assert.Equal(t, "alice", first.Sender)
	assert.Equal(t, "are you there?", first.Content)
	assert.Equal(t, chat.StatusUnread, first.Status)

	// READ_MSG has no response; the next request on the same session
	// observes its effect.
	bob.send(protocol.ReqReadMsg, "alice")
	assert.Equal(t, map[string]any{"alice": int64(0), "bob": int64(0)}, bob.listUsers())

	// With bob's session live, a new message is born read.
	alice.send(protocol.ReqSendMsg, []any{"bob", "still there?"})
	assert.Eventually(t, func() bool {
		msgs := bob.listMessages("alice")
		if len(msgs) != 2 {
			return false
		}
		last, ok := msgs[1].(*chat.Message)
		return ok && last.Status == chat.StatusRead
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeleteMessage(t *testing.T) {
	srv := startServer(t, 8)

	alice := dial(t, srv)
	alice.login("alice", "pw")
	alice.send(protocol.ReqSendMsg, []any{"bob", "delete me"})

	msgs := alice.listMessages("bob")
	require.Len(t, msgs, 1)
	id := msgs[0].(*chat.Message).ID

	alice.send(protocol.ReqDeleteMsg, id)
	assert.Eventually(t, func() bool {
		return len(alice.listMessages("bob")) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// Deleting an unknown id is a silent no-op; the session survives.
	alice.send(protocol.ReqDeleteMsg, "no-such-id")
	assert.Empty(t, alice.listMessages("bob"))
}

func TestDeleteAccount(t *testing.T) {
	srv := startServer(t, 8)

	alice := dial(t, srv)
	alice.login("alice", "pw-a")
	alice.send(protocol.ReqSendMsg, []any{"bob", "soon gone"})
	require.Len(t, alice.listMessages("bob"), 1)

	bob := dial(t, srv)
	bob.login("bob", "pw-b")

	alice.send(protocol.ReqDeleteAccount, nil)

	assert.Eventually(t, func() bool {
		counts := bob.listUsers()
		_, aliceListed := counts["alice"]
		return !aliceListed && len(bob.listMessages("alice")) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendSucceedsWithUnreachablePeer(t *testing.T) {
	dir := t.TempDir()
	log := storage.NewMessageLog(filepath.Join(dir, "node.json"), zerolog.Nop())
	st, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	accounts := storage.OpenAccounts(filepath.Join(dir, "user_accounts.json"), zerolog.Nop())

	// A peer nothing listens on: every fanout fails, locally invisible.
	sc, err := syncer.NewClient([]string{"127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sc.Close)

	srv := New(Config{Addr: "127.0.0.1:0", MaxConnections: 4, DrainGracePeriod: 200 * time.Millisecond},
		st, accounts, sc, nil, nil, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	alice := dial(t, srv)
	alice.login("alice", "pw")
	alice.send(protocol.ReqSendMsg, []any{"bob", "stored locally regardless"})
	require.Len(t, alice.listMessages("bob"), 1)
}

func TestUnauthenticatedRequestsAreDropped(t *testing.T) {
	srv := startServer(t, 8)
	c := dial(t, srv)

	// Dropped without a response and without killing the session.
	c.send(protocol.ReqSendMsg, []any{"bob", "sneaky"})
	c.send(protocol.ReqListUsers, nil)

	c.send(protocol.ReqLogin1, "mallory")
	code, _ := c.recv()
	assert.Equal(t, protocol.RespUserNotExisting, code)

	assert.Equal(t, 0, srv.store.Len())
}

func TestUnknownRequestCodeIsIgnored(t *testing.T) {
	srv := startServer(t, 8)
	c := dial(t, srv)

	c.send(0xDEAD, nil)
	c.send(protocol.ReqLogin1, "alice")
	code, _ := c.recv()
	assert.Equal(t, protocol.RespUserNotExisting, code)
}

func TestCapacityLimitRejectsExtraConnections(t *testing.T) {
	srv := startServer(t, 1)

	first := dial(t, srv)
	first.login("alice", "pw")

	// The second connection is accepted by the OS but closed at admission.
	second := dial(t, srv)
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := protocol.ReadFrame(second.conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShutdownForceClosesIdleSessions(t *testing.T) {
	srv := startServer(t, 8)

	c := dial(t, srv)
	c.login("alice", "pw")
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 },
		time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// The idle session was force-closed after the grace period.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := protocol.ReadFrame(c.conn)
	assert.ErrorIs(t, err, io.EOF)
}
