// Package node wires the subsystems of one cluster member together:
// storage replay, the sync RPC surface, startup reconciliation, and the
// client-facing TCP server.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/adred-codev/chatmesh/internal/config"
	"github.com/adred-codev/chatmesh/internal/limits"
	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/server"
	"github.com/adred-codev/chatmesh/internal/storage"
	"github.com/adred-codev/chatmesh/internal/store"
	"github.com/adred-codev/chatmesh/internal/syncer"
)

const accountsFile = "user_accounts.json"

// Options configures a node.
type Options struct {
	NodeName string
	Cluster  *config.Cluster
	Tuning   *config.Tuning
	Logger   zerolog.Logger

	// DataDir holds <node_name>.json and user_accounts.json. Empty means
	// the working directory.
	DataDir string

	// DialOpts are extra gRPC dial options, used by tests.
	DialOpts []grpc.DialOption
}

// Node is one running cluster member.
type Node struct {
	opts   Options
	me     config.NodeConfig
	logger zerolog.Logger

	store    *store.Store
	accounts *storage.AccountRegistry

	rpcListener net.Listener
	rpcServer   *grpc.Server
	syncClient  *syncer.Client
	tcpServer   *server.Server
	metricsSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New replays local state and prepares the node; nothing listens yet.
func New(opts Options) (*Node, error) {
	me, err := opts.Cluster.Node(opts.NodeName)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("node", opts.NodeName).Logger()

	msgLog := storage.NewMessageLog(filepath.Join(opts.DataDir, opts.NodeName+".json"), logger)
	st, err := store.Open(msgLog, opts.Tuning.CompactThreshold, logger)
	if err != nil {
		return nil, fmt.Errorf("replay message log: %w", err)
	}
	accounts := storage.OpenAccounts(filepath.Join(opts.DataDir, accountsFile), logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		opts:     opts,
		me:       me,
		logger:   logger,
		store:    st,
		accounts: accounts,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run brings the node online: sync RPC surface first, then startup
// reconciliation against the first reachable peer, a snapshot rewrite of
// the merged state, and finally the client TCP listener.
func (n *Node) Run() error {
	tuning := n.opts.Tuning
	peers := n.opts.Cluster.PeerRPCAddrs(n.opts.NodeName)

	lis, err := net.Listen("tcp", n.me.RPC.Addr())
	if err != nil {
		return fmt.Errorf("listen on rpc address %s: %w", n.me.RPC.Addr(), err)
	}
	n.rpcListener = lis
	n.rpcServer = syncer.NewRPCServer(n.store, n.logger)
	go func() {
		if err := n.rpcServer.Serve(lis); err != nil {
			n.logger.Error().Err(err).Msg("Sync RPC server stopped")
		}
	}()
	n.logger.Info().Str("address", lis.Addr().String()).Msg("Sync RPC surface up")

	n.syncClient, err = syncer.NewClient(peers, n.logger, n.opts.DialOpts...)
	if err != nil {
		return fmt.Errorf("create sync client: %w", err)
	}

	// Give sibling nodes a moment to bring their RPC surfaces up when
	// the whole cluster starts at once.
	if tuning.SyncGracePeriod > 0 && len(peers) > 0 {
		time.Sleep(tuning.SyncGracePeriod)
	}
	n.syncClient.StartupReconcile(n.ctx, n.store)

	// The merged store becomes the new baseline snapshot.
	if err := n.store.Compact(); err != nil {
		return fmt.Errorf("rewrite log after reconciliation: %w", err)
	}

	var rl *limits.ConnectionRateLimiter
	if tuning.ConnRateLimitEnabled {
		rl = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     tuning.ConnRateIPBurst,
			IPRate:      tuning.ConnRateIPPerSec,
			GlobalBurst: tuning.ConnRateGlobalBurst,
			GlobalRate:  tuning.ConnRateGlobalPerSec,
			Logger:      n.logger,
		})
	}
	guard := limits.NewResourceGuard(tuning.CPURejectThreshold, tuning.MemoryLimit, n.logger)
	guard.StartMonitoring(n.ctx, 15*time.Second)

	n.tcpServer = server.New(server.Config{
		Addr:             n.me.TCP.Addr(),
		MaxConnections:   tuning.MaxConnections,
		DrainGracePeriod: tuning.DrainGracePeriod,
	}, n.store, n.accounts, n.syncClient, rl, guard, n.logger)
	if err := n.tcpServer.Start(); err != nil {
		return err
	}

	if tuning.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", monitoring.HandleMetrics)
		n.metricsSrv = &http.Server{Addr: tuning.MetricsAddr, Handler: mux}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error().Err(err).Msg("Metrics listener stopped")
			}
		}()
		n.logger.Info().Str("address", tuning.MetricsAddr).Msg("Metrics endpoint up")
	}

	n.logger.Info().
		Str("tcp", n.TCPAddr()).
		Str("rpc", n.RPCAddr()).
		Strs("peers", peers).
		Msg("Node is up")
	return nil
}

// TCPAddr returns the bound client listen address.
func (n *Node) TCPAddr() string {
	if n.tcpServer == nil {
		return n.me.TCP.Addr()
	}
	return n.tcpServer.Addr()
}

// RPCAddr returns the bound sync RPC address.
func (n *Node) RPCAddr() string {
	if n.rpcListener == nil {
		return n.me.RPC.Addr()
	}
	return n.rpcListener.Addr().String()
}

// Store exposes the message store, for tests and diagnostics.
func (n *Node) Store() *store.Store { return n.store }

// Shutdown tears the node down in reverse order of startup: client
// sessions drain first so their final deltas can still fan out, then the
// RPC surface and peer channels close.
func (n *Node) Shutdown() {
	if n.tcpServer != nil {
		n.tcpServer.Shutdown()
	}
	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n.metricsSrv.Shutdown(ctx) //nolint:errcheck
		cancel()
	}
	if n.rpcServer != nil {
		n.rpcServer.GracefulStop()
	}
	if n.syncClient != nil {
		n.syncClient.Close()
	}
	n.cancel()
	n.logger.Info().Msg("Node shutdown complete")
}
