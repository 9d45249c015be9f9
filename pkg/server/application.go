package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"comments-relay/pkg/config"
	"comments-relay/pkg/lifecycle"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/middleware"
)

// Application 应用程序框架：配置、日志、服务器与生命周期。
// 基础设施（数据库、Redis、Kafka、账本）由各服务在 main 中创建并通过 AddHook 注册关闭
type Application struct {
	logger        logger.Logger
	serverManager *ServerManager
	lifecycle     *lifecycle.LifecycleManager

	authMiddleware    *middleware.AuthMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware

	httpRouteRegister   func(*gin.Engine)
	grpcServiceRegister func(*grpc.Server)
}

// NewApplication 创建应用程序
func NewApplication(serviceName string, cfg *config.Config, log logger.Logger) *Application {
	kratosLogger := kratoslog.With(logger.NewKratosLogger(log), "service", serviceName, "version", cfg.App.Version)

	return &Application{
		logger:            log,
		serverManager:     NewServerManager(cfg, kratosLogger),
		lifecycle:         lifecycle.NewLifecycleManager(kratosLogger),
		authMiddleware:    middleware.NewAuthMiddleware(kratosLogger, cfg.App.JWTSecret),
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger),
		otelMiddleware:    middleware.NewOTelMiddleware(serviceName),
	}
}

// EnableHTTP 启用HTTP服务器：链路追踪、日志、恢复、extra、鉴权依次生效
func (app *Application) EnableHTTP(extra ...gin.HandlerFunc) HTTPServer {
	handlers := append([]gin.HandlerFunc{}, app.otelMiddleware.GinMiddleware()...)
	handlers = append(handlers,
		app.loggingMiddleware.GinLogging(),
		middleware.Recovery(app.logger),
	)
	handlers = append(handlers, extra...)
	handlers = append(handlers, app.authMiddleware.GinAuth())
	return app.serverManager.EnableHTTP(handlers...)
}

// EnableGRPC 启用gRPC服务器
func (app *Application) EnableGRPC() GRPCServer {
	return app.serverManager.EnableGRPC(
		app.otelMiddleware.GRPCUnaryServerInterceptor(),
		app.loggingMiddleware.GRPCRecovery(),
		app.loggingMiddleware.GRPCLogging(),
		app.authMiddleware.GRPCAuth(),
	)
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.httpRouteRegister = registerFunc
}

// RegisterGRPCService 注册gRPC服务
func (app *Application) RegisterGRPCService(registerFunc func(*grpc.Server)) {
	app.grpcServiceRegister = registerFunc
}

// AddHook 注册生命周期钩子
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// Start 注册路由与服务器钩子并启动，不阻塞
func (app *Application) Start() error {
	if app.httpRouteRegister != nil {
		if err := app.serverManager.RegisterHTTPRoutes(app.httpRouteRegister); err != nil {
			return err
		}
	}
	if app.grpcServiceRegister != nil {
		if err := app.serverManager.RegisterGRPCService(app.grpcServiceRegister); err != nil {
			return err
		}
	}

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: 100,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}
	return nil
}

// Stop 停止应用
func (app *Application) Stop() error {
	return app.lifecycle.Stop()
}

// Run 启动并等待退出信号
func (app *Application) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	return app.lifecycle.Wait()
}
