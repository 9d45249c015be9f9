package server

import (
	"context"
	"net"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"comments-relay/pkg/config"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	GetServer() *grpc.Server
	RegisterService(registerFunc func(*grpc.Server))
	SetServing(service string, serving bool)
	Addr() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// GRPCServerWrapper gRPC服务器包装器，默认注册标准健康检查服务
type GRPCServerWrapper struct {
	server   *grpc.Server
	health   *health.Server
	network  string
	addr     string
	listener net.Listener
	logger   kratoslog.Logger
}

// NewGRPCServerWrapper 创建gRPC服务器包装器
func NewGRPCServerWrapper(c config.GRPCConfig, logger kratoslog.Logger, interceptors ...grpc.UnaryServerInterceptor) *GRPCServerWrapper {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	network := c.Network
	if network == "" {
		network = "tcp"
	}
	return &GRPCServerWrapper{
		server:  server,
		health:  hs,
		network: network,
		addr:    c.Addr,
		logger:  logger,
	}
}

// GetServer 获取gRPC服务器
func (w *GRPCServerWrapper) GetServer() *grpc.Server {
	return w.server
}

// RegisterService 注册服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// SetServing 更新健康状态，service 为空表示整个服务器
func (w *GRPCServerWrapper) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	w.health.SetServingStatus(service, status)
}

// Addr 实际监听地址
func (w *GRPCServerWrapper) Addr() string {
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.addr
}

// Start 绑定端口后在后台提供服务
func (w *GRPCServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen(w.network, w.addr)
	if err != nil {
		return err
	}
	w.listener = lis
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server starting", "addr", lis.Addr().String())
	go func() {
		if err := w.server.Serve(lis); err != nil {
			w.logger.Log(kratoslog.LevelError, "msg", "gRPC server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop 优雅停止，ctx 到期后强制停止
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	w.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		w.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		w.server.Stop()
	}
	return nil
}
