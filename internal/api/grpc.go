// Package api exposes the run ledger over the standard gRPC health protocol,
// so any health checker can watch whether each symbol's daily update
// completed.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"klinesync/internal/domain"
)

// ServicePrefix prefixes the per-symbol health service names.
const ServicePrefix = "kline."

// OverallService is the health service that reflects every symbol.
const OverallService = "kline"

// ServiceName returns the health service name of sym.
func ServiceName(sym domain.Symbol) string { return ServicePrefix + string(sym) }

// StatusReader is the ledger query the service is built on.
type StatusReader interface {
	Status(ctx context.Context, symbol domain.Symbol, asOf domain.Date) (domain.RunRecord, bool, error)
}

// StatusService reports SERVING for a symbol whose update for the as-of
// date ended in success or no_new_data, and NOT_SERVING otherwise.
type StatusService struct {
	health  *health.Server
	ledger  StatusReader
	symbols []domain.Symbol
	log     *slog.Logger
}

// NewStatusService creates a StatusService for symbols. Every service starts
// as NOT_SERVING until the first Refresh.
func NewStatusService(ledger StatusReader, symbols []domain.Symbol) *StatusService {
	s := &StatusService{
		health:  health.NewServer(),
		ledger:  ledger,
		symbols: symbols,
		log:     slog.Default().With("component", "status"),
	}
	s.health.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	for _, sym := range symbols {
		s.health.SetServingStatus(ServiceName(sym), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// RegisterGRPC registers the health service on gs.
func (s *StatusService) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Refresh re-reads the ledger for asOf and updates every service. It
// returns the symbols that are not healthy.
func (s *StatusService) Refresh(ctx context.Context, asOf domain.Date) ([]domain.Symbol, error) {
	var unhealthy []domain.Symbol
	for _, sym := range s.symbols {
		rec, ok, err := s.ledger.Status(ctx, sym, asOf)
		if err != nil {
			return nil, fmt.Errorf("reading status of %s: %w", sym, err)
		}
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ok && rec.Status.Healthy() {
			st = healthpb.HealthCheckResponse_SERVING
		} else {
			unhealthy = append(unhealthy, sym)
		}
		s.health.SetServingStatus(ServiceName(sym), st)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if len(unhealthy) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(OverallService, overall)
	s.log.Info("status refreshed", "as_of", asOf.String(), "symbols", len(s.symbols), "unhealthy", len(unhealthy))
	return unhealthy, nil
}

// Shutdown marks every service NOT_SERVING.
func (s *StatusService) Shutdown() { s.health.Shutdown() }

// Serve listens on addr and serves the health service until ctx is done.
func (s *StatusService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *StatusService) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.RegisterGRPC(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.log.Info("status server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.Shutdown()
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Dial connects to a status server at addr without transport security.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Check queries service over conn and returns the response as JSON, for
// example {"status":"SERVING"}.
func Check(ctx context.Context, conn grpc.ClientConnInterface, service string) (string, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("checking %q: %w", service, err)
	}
	out, err := protojson.Marshal(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
