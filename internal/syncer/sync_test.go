package syncer

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/adred-codev/chatmesh/internal/chat"
	"github.com/adred-codev/chatmesh/internal/storage"
	"github.com/adred-codev/chatmesh/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := storage.NewMessageLog(filepath.Join(t.TempDir(), "node.json"), zerolog.Nop())
	st, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	return st
}

func remote(id, sender, recipient, content string, ts float64) *chat.Message {
	return &chat.Message{
		ID: id, Sender: sender, Recipient: recipient,
		Content: content, Timestamp: ts, Status: chat.StatusUnread,
	}
}

// startPeer serves the sync RPC surface for st on an in-memory listener
// and returns a client wired to it as its only peer.
func startPeer(t *testing.T, st *store.Store) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewRPCServer(st, zerolog.Nop())
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	client, err := NewClient([]string{"passthrough:///peer"}, zerolog.Nop(),
		grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestDataPackageEmpty(t *testing.T) {
	assert.True(t, (*DataPackage)(nil).Empty())
	assert.True(t, (&DataPackage{}).Empty())
	assert.False(t, MakePackage([]*chat.Message{remote("m", "a", "b", "x", 1)}, nil, nil).Empty())
	assert.False(t, MakePackage(nil, []string{"m"}, nil).Empty())
	assert.False(t, MakePackage(nil, nil, []string{"m"}).Empty())
}

func TestFanoutIncrementalReachesPeer(t *testing.T) {
	peerStore := newTestStore(t)
	client := startPeer(t, peerStore)

	client.FanoutIncremental(MakePackage(
		[]*chat.Message{remote("m1", "alice", "bob", "over the wire", 1)}, nil, nil))

	require.Eventually(t, func() bool { return peerStore.Len() == 1 },
		5*time.Second, 10*time.Millisecond)

	conv := peerStore.ListConversation("alice", "bob")
	require.Len(t, conv, 1)
	assert.Equal(t, "over the wire", conv[0].Content)
	assert.Equal(t, int64(0), client.DroppedFanouts())
}

func TestFanoutDeleteAndReadReachPeer(t *testing.T) {
	peerStore := newTestStore(t)
	client := startPeer(t, peerStore)

	client.FanoutIncremental(MakePackage([]*chat.Message{
		remote("m1", "alice", "bob", "to delete", 1),
		remote("m2", "alice", "bob", "to read", 2),
	}, nil, nil))
	require.Eventually(t, func() bool { return peerStore.Len() == 2 },
		5*time.Second, 10*time.Millisecond)

	client.FanoutIncremental(MakePackage(nil, []string{"m1"}, []string{"m2"}))
	require.Eventually(t, func() bool {
		conv := peerStore.ListConversation("alice", "bob")
		return len(conv) == 1 && conv[0].Status == chat.StatusRead
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFanoutSkipsEmptyPackage(t *testing.T) {
	peerStore := newTestStore(t)
	client := startPeer(t, peerStore)

	client.FanoutIncremental(&DataPackage{})
	client.FanoutIncremental(nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, peerStore.Len())
}

func TestStartupReconcileMergesPeerDump(t *testing.T) {
	peerStore := newTestStore(t)
	require.NoError(t, peerStore.ApplyRemoteUpsert(remote("m1", "alice", "bob", "peer copy", 5)))
	require.NoError(t, peerStore.ApplyRemoteUpsert(remote("m2", "bob", "alice", "peer only", 2)))

	localStore := newTestStore(t)
	// Local copy of m1 is newer and must survive the merge.
	require.NoError(t, localStore.ApplyRemoteUpsert(remote("m1", "alice", "bob", "local copy", 9)))

	client := startPeer(t, peerStore)
	client.StartupReconcile(context.Background(), localStore)

	assert.Equal(t, 2, localStore.Len())
	conv := localStore.ListConversation("alice", "bob")
	require.Len(t, conv, 2)
	assert.Equal(t, "peer only", conv[0].Content)
	assert.Equal(t, "local copy", conv[1].Content)
}

func TestStartupReconcileSurvivesUnreachablePeer(t *testing.T) {
	localStore := newTestStore(t)
	require.NoError(t, localStore.ApplyRemoteUpsert(remote("m1", "alice", "bob", "local", 1)))

	client, err := NewClient([]string{"127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.StartupReconcile(ctx, localStore)

	// Local state carries on untouched.
	assert.Equal(t, 1, localStore.Len())
}

func TestFullSyncReplacesStore(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ApplyRemoteUpsert(remote("old", "x", "y", "gone", 1)))

	svc := NewService(st, zerolog.Nop())
	resp, err := svc.FullSync(context.Background(), MakePackage([]*chat.Message{
		remote("m1", "alice", "bob", "installed", 1),
		remote("m2", "alice", "bob", "deleted below", 2),
	}, []string{"m2"}, nil))
	require.NoError(t, err)
	assert.True(t, resp.Success)

	assert.Equal(t, 1, st.Len())
	assert.Empty(t, st.ListConversation("x", "y"))
}

func TestForeignStatusSurvivesReplication(t *testing.T) {
	log := storage.NewMessageLog(filepath.Join(t.TempDir(), "node.json"), zerolog.Nop())
	st, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(st, zerolog.Nop())

	// Status values minted by a foreign node pass through untouched.
	sent := remote("m1", "alice", "bob", "one", 1)
	sent.Status = "sent"
	delivered := remote("m2", "alice", "bob", "two", 2)
	delivered.Status = "delivered"

	resp, err := svc.FullSync(context.Background(), MakePackage(
		[]*chat.Message{sent, delivered}, nil, nil))
	require.NoError(t, err)
	assert.True(t, resp.Success)

	conv := st.ListConversation("alice", "bob")
	require.Len(t, conv, 2)
	assert.Equal(t, "sent", conv[0].Status)
	assert.Equal(t, "delivered", conv[1].Status)

	// An equal-timestamp upsert carrying the peer's status transition
	// replaces the copy wholesale, foreign value included.
	update := remote("m1", "alice", "bob", "one", 1)
	update.Status = "delivered"
	_, err = svc.IncrementalSync(context.Background(),
		MakePackage([]*chat.Message{update}, nil, nil))
	require.NoError(t, err)
	conv = st.ListConversation("alice", "bob")
	assert.Equal(t, "delivered", conv[0].Status)

	// The log round-trips the values too.
	reopened, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	conv = reopened.ListConversation("alice", "bob")
	require.Len(t, conv, 2)
	assert.Equal(t, "delivered", conv[0].Status)
	assert.Equal(t, "delivered", conv[1].Status)

	// And the dump path hands them to the next peer unchanged.
	dump, err := svc.GetFullData(context.Background(), &EmptyRequest{})
	require.NoError(t, err)
	statuses := make(map[string]string, len(dump.Messages))
	for _, m := range dump.Messages {
		statuses[m.ID] = m.Status
	}
	assert.Equal(t, map[string]string{"m1": "delivered", "m2": "delivered"}, statuses)
}

func TestIncrementalSyncEmptyPackageIsNoOp(t *testing.T) {
	log := storage.NewMessageLog(filepath.Join(t.TempDir(), "node.json"), zerolog.Nop())
	st, err := store.Open(log, 0, zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(st, zerolog.Nop())

	resp, err := svc.IncrementalSync(context.Background(), &DataPackage{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, st.Len())
	// No record hit the log: empty batches are not even appended.
	assert.Equal(t, 0, log.Pending())
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, zerolog.Nop())

	pkg := MakePackage([]*chat.Message{remote("m1", "alice", "bob", "once", 1)}, nil, nil)
	for i := 0; i < 3; i++ {
		resp, err := svc.IncrementalSync(context.Background(), pkg)
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, map[string]int64{"alice": 1}, st.UnreadCounts("bob", []string{"alice"}))
}

func TestGetFullDataReturnsSnapshot(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.ApplyRemoteUpsert(remote("m1", "alice", "bob", "one", 1)))
	require.NoError(t, st.ApplyRemoteUpsert(remote("m2", "alice", "bob", "two", 2)))

	svc := NewService(st, zerolog.Nop())
	dump, err := svc.GetFullData(context.Background(), &EmptyRequest{})
	require.NoError(t, err)
	assert.Len(t, dump.Messages, 2)
	assert.Empty(t, dump.DeletedIDs)
	assert.Empty(t, dump.ReadIDs)
}
