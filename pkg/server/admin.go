package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SyncService 是同步状态对应的健康检查服务名
const SyncService = "patchmirror.Sync"

// HealthFunc 计算当前健康状态
// 返回 (文件服务是否可用, 同步循环是否健康)。
type HealthFunc func() (serving bool, syncing bool)

// AdminServer 暴露 grpc.health.v1 与反射，供探针和 grpcurl 使用
type AdminServer struct {
	grpc     *grpc.Server
	health   *health.Server
	check    HealthFunc
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewAdminServer(check HealthFunc, clock clockwork.Clock, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryRecoveryInterceptor(logger),
			UnaryLoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger),
			StreamLoggingInterceptor(logger),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	a := &AdminServer{
		grpc:     gs,
		health:   hs,
		check:    check,
		interval: 5 * time.Second,
		clock:    clock,
		logger:   logger,
	}
	a.refresh()
	return a
}

// refresh 把 HealthFunc 的结果同步到 health.Server
func (a *AdminServer) refresh() {
	if a.check == nil {
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		a.health.SetServingStatus(SyncService, healthpb.HealthCheckResponse_SERVING)
		return
	}
	serving, syncing := a.check()
	a.health.SetServingStatus("", toStatus(serving))
	a.health.SetServingStatus(SyncService, toStatus(syncing))
}

func toStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve 在已绑定的 Listener 上提供 gRPC 服务，直到 ctx 结束
func (a *AdminServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin server listening", slog.String("addr", lis.Addr().String()))
		if err := a.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down admin server")
			a.health.Shutdown()
			a.stop()
			return nil
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return fmt.Errorf("admin server: %w", err)
		case <-a.clock.After(a.interval):
			a.refresh()
		}
	}
}

// stop 优雅关闭，超时后强制断开 (Watch 流不会自己结束)
func (a *AdminServer) stop() {
	done := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.grpc.Stop()
	}
}
