package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.uber.org/multierr"
)

// DefaultStopTimeout 停止钩子的总超时
const DefaultStopTimeout = 30 * time.Second

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	logger      kratoslog.Logger
	hooks       []Hook
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
	started     []Hook
}

// Hook 生命周期钩子
type Hook struct {
	Name     string                      // 钩子名称
	OnStart  func(context.Context) error // 启动时执行的函数
	OnStop   func(context.Context) error // 停止时执行的函数
	Priority int                         // 优先级，数字越小越先启动
	// Priority分级:
	// 0-99:    基础设施层（数据库、Redis、Kafka、账本连接）
	// 100-199: 服务器层（HTTP、gRPC）
	// 200+:    后台任务（结果等待、事件消费）
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(logger kratoslog.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout 设置停止超时
func (lm *LifecycleManager) SetStopTimeout(d time.Duration) {
	lm.stopTimeout = d
}

// AddHook 添加生命周期钩子，同优先级保持注册顺序
func (lm *LifecycleManager) AddHook(hook Hook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// Start 按优先级启动钩子。某个钩子失败时，已启动的钩子会被逆序停止
func (lm *LifecycleManager) Start() error {
	lm.mu.Lock()
	hooks := append([]Hook(nil), lm.hooks...)
	lm.mu.Unlock()

	lm.logger.Log(kratoslog.LevelInfo, "msg", "Starting lifecycle hooks", "count", len(hooks))

	for _, hook := range hooks {
		if hook.OnStart != nil {
			if err := hook.OnStart(lm.ctx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook start failed", "name", hook.Name, "error", err)
				_ = lm.Stop()
				return err
			}
			lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook started", "name", hook.Name)
		}
		lm.mu.Lock()
		lm.started = append(lm.started, hook)
		lm.mu.Unlock()
	}

	lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks started")
	return nil
}

// Stop 逆序停止已启动的钩子，只执行一次
func (lm *LifecycleManager) Stop() error {
	var stopErr error

	lm.stopOnce.Do(func() {
		lm.mu.RLock()
		started := append([]Hook(nil), lm.started...)
		lm.mu.RUnlock()

		lm.logger.Log(kratoslog.LevelInfo, "msg", "Stopping lifecycle hooks")

		// 先取消生命周期上下文，通知后台任务退出
		lm.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), lm.stopTimeout)
		defer cancel()

		for i := len(started) - 1; i >= 0; i-- {
			hook := started[i]
			if hook.OnStop == nil {
				continue
			}
			if err := hook.OnStop(ctx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook stop failed", "name", hook.Name, "error", err)
				stopErr = multierr.Append(stopErr, err)
				continue
			}
			lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook stopped", "name", hook.Name)
		}

		close(lm.done)
		lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks stopped")
	})

	return stopErr
}

// Wait 阻塞直到收到退出信号或 Stop 被调用
func (lm *LifecycleManager) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		lm.logger.Log(kratoslog.LevelInfo, "msg", "Received signal", "signal", sig.String())
		return lm.Stop()
	case <-lm.done:
		return nil
	}
}

// Context 生命周期上下文，Stop 时取消
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// Done 完成通道
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}

// IsRunning 检查是否正在运行
func (lm *LifecycleManager) IsRunning() bool {
	select {
	case <-lm.done:
		return false
	default:
		return true
	}
}
