package syncer

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/store"
)

// Service applies replication calls from sibling nodes to the local
// store. Peer calls never see an error beyond Success; a peer that missed
// a delta catches up through full reconciliation at its next restart, so
// local storage failures are logged here rather than propagated.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService creates the inbound sync service.
func NewService(st *store.Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With().Str("component", "sync_service").Logger(),
	}
}

// NewRPCServer builds a gRPC server with the JSON wire codec and the sync
// service registered.
func NewRPCServer(st *store.Store, logger zerolog.Logger) *grpc.Server {
	gs := grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	RegisterDataSyncServer(gs, NewService(st, logger))
	return gs
}

// FullSync replaces the entire store with the package contents and
// rewrites the log as a snapshot. Intended for bulk alignment.
func (s *Service) FullSync(_ context.Context, req *DataPackage) (*SyncResponse, error) {
	if err := s.store.ReplaceAll(req.Messages, req.DeletedIDs); err != nil {
		s.logger.Error().Err(err).Msg("Full sync log rewrite failed")
	}
	monitoring.IncrementSyncApplied("full", len(req.Messages))

	s.logger.Info().
		Int("messages", len(req.Messages)).
		Int("deleted", len(req.DeletedIDs)).
		Msg("Full sync applied")
	return &SyncResponse{Success: true}, nil
}

// IncrementalSync applies the package's upserts, deletes and reads, in
// that order. Each non-empty kind is appended to the log under its own
// record kind. Idempotent: re-delivery converges to the same state.
func (s *Service) IncrementalSync(_ context.Context, req *DataPackage) (*SyncResponse, error) {
	for _, m := range req.Messages {
		if err := s.store.ApplyRemoteUpsert(m); err != nil {
			s.logger.Error().Err(err).Str("id", m.ID).Msg("Remote upsert log append failed")
		}
	}
	if len(req.Messages) > 0 {
		monitoring.IncrementSyncApplied("upsert", len(req.Messages))
	}

	if err := s.store.ApplyRemoteDelete(req.DeletedIDs); err != nil {
		s.logger.Error().Err(err).Msg("Remote delete log append failed")
	}
	if len(req.DeletedIDs) > 0 {
		monitoring.IncrementSyncApplied("delete", len(req.DeletedIDs))
	}

	if err := s.store.ApplyRemoteRead(req.ReadIDs); err != nil {
		s.logger.Error().Err(err).Msg("Remote read log append failed")
	}
	if len(req.ReadIDs) > 0 {
		monitoring.IncrementSyncApplied("read", len(req.ReadIDs))
	}

	s.logger.Debug().
		Int("messages", len(req.Messages)).
		Int("deleted", len(req.DeletedIDs)).
		Int("read", len(req.ReadIDs)).
		Msg("Incremental sync applied")
	return &SyncResponse{Success: true}, nil
}

// GetFullData returns a snapshot of every stored message. Deleted and
// read id lists are always empty on this path.
func (s *Service) GetFullData(_ context.Context, _ *EmptyRequest) (*DataPackage, error) {
	return &DataPackage{Messages: s.store.Snapshot()}, nil
}
