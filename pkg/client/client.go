package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// AdminClient 封装了与管理端口 (grpc.health.v1) 的连接
type AdminClient struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// NewAdminClient 创建客户端
// 只负责创建对象，不等待连接就绪；网络不通会在第一次调用时暴露。
func NewAdminClient(addr string) (*AdminClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		// 这里的 err 通常只是配置错误（如地址格式不对）
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}

	return &AdminClient{
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// ServiceStatus 是一个服务名的健康状态
type ServiceStatus struct {
	Service string
	Status  healthpb.HealthCheckResponse_ServingStatus
}

// Check 依次查询给定服务的状态，空字符串表示整体状态
func (c *AdminClient) Check(ctx context.Context, services ...string) ([]ServiceStatus, error) {
	if len(services) == 0 {
		services = []string{""}
	}
	out := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return nil, fmt.Errorf("health check %q: %w", svc, err)
		}
		out = append(out, ServiceStatus{Service: svc, Status: resp.GetStatus()})
	}
	return out, nil
}

// Close 关闭底层连接
func (c *AdminClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
