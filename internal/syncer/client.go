package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/store"
)

const rpcTimeout = 5 * time.Second

// peer is one durable channel to a sibling node.
type peer struct {
	addr string
	conn *grpc.ClientConn
}

// Client fans replication deltas out to every configured peer and pulls a
// full dump during startup reconciliation. Per-peer failures are logged
// and swallowed; there is no retry or queueing, missed deltas are healed
// by the peer's own startup reconciliation.
type Client struct {
	peers  []peer
	pool   *fanoutPool
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewClient opens one lazy channel per peer address, in config order.
// Extra dial options are for tests (in-memory listeners).
func NewClient(addrs []string, logger zerolog.Logger, extraOpts ...grpc.DialOption) (*Client, error) {
	logger = logger.With().Str("component", "sync_client").Logger()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	}, extraOpts...)

	c := &Client{logger: logger}
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.peers = append(c.peers, peer{addr: addr, conn: conn})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	// Two workers per peer keeps one slow peer from starving the rest of
	// the fanout while still bounding total concurrency.
	workers := 2 * len(addrs)
	if workers == 0 {
		workers = 1
	}
	c.pool = newFanoutPool(workers, workers*64, logger)
	c.pool.start(ctx)

	logger.Info().Strs("peers", addrs).Msg("Sync client ready")
	return c, nil
}

// StartupReconcile pulls a full dump from the first peer whose
// GetFullData succeeds and merges it into the local store under the
// merge rule (incoming wins on unknown id or strictly larger timestamp).
// Remaining peers are not consulted. When every peer is unreachable the
// node proceeds with its local-only state and a warning.
func (c *Client) StartupReconcile(ctx context.Context, st *store.Store) {
	for _, p := range c.peers {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		dump := new(DataPackage)
		err := p.conn.Invoke(callCtx, methodGetFullData, &EmptyRequest{}, dump)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", p.addr).Msg("Full data fetch failed")
			continue
		}

		adopted := st.MergeRemote(dump.Messages)
		c.logger.Info().
			Str("peer", p.addr).
			Int("remote_messages", len(dump.Messages)).
			Int("adopted", adopted).
			Msg("Startup reconciliation complete")
		return
	}
	c.logger.Warn().Msg("No peer reachable for startup reconciliation, continuing with local state")
}

// FanoutIncremental invokes IncrementalSync on every peer. Best effort
// and asynchronous: the caller must no longer hold the store lock.
func (c *Client) FanoutIncremental(pkg *DataPackage) {
	c.fanout("IncrementalSync", methodIncrementalSync, pkg)
}

// FanoutFull invokes FullSync on every peer. Not used on the happy path;
// kept for operator-driven bulk alignment.
func (c *Client) FanoutFull(pkg *DataPackage) {
	c.fanout("FullSync", methodFullSync, pkg)
}

func (c *Client) fanout(op, method string, pkg *DataPackage) {
	if pkg.Empty() {
		return
	}
	for _, p := range c.peers {
		p := p
		c.pool.submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()

			var resp SyncResponse
			// Wait out connection backoff within the call deadline, so a
			// peer that just restarted still receives the delta.
			if err := p.conn.Invoke(ctx, method, pkg, &resp, grpc.WaitForReady(true)); err != nil {
				c.logger.Warn().Err(err).Str("peer", p.addr).Str("op", op).Msg("Sync fanout failed")
				monitoring.IncrementFanoutFailure(op)
			}
		})
	}
}

// DroppedFanouts reports fanout calls shed under backpressure.
func (c *Client) DroppedFanouts() int64 {
	if c.pool == nil {
		return 0
	}
	return c.pool.droppedTasks()
}

// Close stops the fanout workers and closes every peer channel.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		c.pool.stop()
	}
	for _, p := range c.peers {
		p.conn.Close()
	}
}
