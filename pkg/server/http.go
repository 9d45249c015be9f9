package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"comments-relay/pkg/config"
)

// HealthCheck 健康检查函数，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// NewGinEngine 创建Gin引擎并挂载中间件
func NewGinEngine(mode string, handlers ...gin.HandlerFunc) *gin.Engine {
	if mode == gin.DebugMode || mode == gin.TestMode {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(handlers...)
	return r
}

// parseDuration 解析时间字符串
func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultDuration
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
	AddHealthCheck(name string, check HealthCheck)
	Addr() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HTTPServerWrapper Gin HTTP服务器包装器
type HTTPServerWrapper struct {
	engine   *gin.Engine
	server   *http.Server
	network  string
	listener net.Listener
	checks   map[string]HealthCheck
	logger   kratoslog.Logger
}

// NewHTTPServerWrapper 创建HTTP服务器包装器
func NewHTTPServerWrapper(c config.HTTPConfig, mode string, logger kratoslog.Logger, handlers ...gin.HandlerFunc) *HTTPServerWrapper {
	engine := NewGinEngine(mode, handlers...)
	timeout := parseDuration(c.Timeout, 30*time.Second)

	w := &HTTPServerWrapper{
		engine: engine,
		server: &http.Server{
			Addr:         c.Addr,
			Handler:      engine,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		network: c.Network,
		checks:  make(map[string]HealthCheck),
		logger:  logger,
	}
	if w.network == "" {
		w.network = "tcp"
	}
	engine.GET("/health", w.health)
	return w
}

// health 依次执行已注册的检查
func (w *HTTPServerWrapper) health(c *gin.Context) {
	status := http.StatusOK
	details := gin.H{}
	for name, check := range w.checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			details[name] = err.Error()
			continue
		}
		details[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": details,
		"time":   time.Now().Unix(),
	})
}

// GetEngine 获取Gin引擎
func (w *HTTPServerWrapper) GetEngine() *gin.Engine {
	return w.engine
}

// RegisterRoutes 注册路由
func (w *HTTPServerWrapper) RegisterRoutes(registerFunc func(*gin.Engine)) {
	registerFunc(w.engine)
}

// AddHealthCheck 添加健康检查项，需在 Start 前调用
func (w *HTTPServerWrapper) AddHealthCheck(name string, check HealthCheck) {
	w.checks[name] = check
}

// Addr 实际监听地址；未启动时返回配置地址
func (w *HTTPServerWrapper) Addr() string {
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.server.Addr
}

// Start 绑定端口后在后台提供服务，端口绑定失败直接返回
func (w *HTTPServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen(w.network, w.server.Addr)
	if err != nil {
		return err
	}
	w.listener = lis
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server starting", "addr", lis.Addr().String())
	go func() {
		if err := w.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Log(kratoslog.LevelError, "msg", "HTTP server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop 停止服务器
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	return w.server.Shutdown(ctx)
}
