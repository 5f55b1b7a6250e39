package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAcceptingRequests = 10 // 停止接受新请求并等待分析任务
	OrderFlushOutputs          = 30 // 关闭报告输出
	OrderCloseStore            = 40 // 关闭报告存储
)

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// Manager 优雅停机管理器
// 收到SIGINT/SIGTERM或手动触发时取消Context()，再按顺序执行处理函数
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu        sync.Mutex
	hooks     []Hook
	triggered bool
	done      chan struct{}
	err       error

	ctx    context.Context
	cancel context.CancelFunc
	stop   context.CancelFunc
}

// NewManager 创建优雅停机管理器并开始监听信号
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(sigCtx)

	m := &Manager{
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
	}

	go func() {
		<-sigCtx.Done()
		if !m.IsShuttingDown() {
			m.logger.Info("收到停机信号")
		}
		m.Shutdown()
	}()
	return m
}

// Register 注册停机处理函数
func (m *Manager) Register(name string, order int, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Func: fn, Order: order})
	m.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Context 停机开始时被取消的上下文
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Shutdown 触发停机，重复调用只执行一次
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.triggered {
		m.mu.Unlock()
		return
	}
	m.triggered = true
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.cancel()
	m.stop()
	m.err = m.run(hooks)
	close(m.done)
}

// Wait 等待停机完成，返回各处理函数的错误
func (m *Manager) Wait() error {
	<-m.done
	return m.err
}

// IsShuttingDown 是否已触发停机
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered
}

func (m *Manager) run(hooks []Hook) error {
	m.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})

	var errs []error
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			m.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		} else {
			m.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			m.logger.Warn("停机超时，跳过剩余处理")
			errs = append(errs, ctx.Err())
			break
		}
	}

	m.logger.Info("优雅停机流程完成")
	return stderrors.Join(errs...)
}
