package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tracediff/internal/errors"
)

// RetryConfig 指数退避参数，Jitter为0时不加抖动
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	BackoffFactor   float64       `json:"backoff_factor"`
	Jitter          float64       `json:"jitter"`
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:     5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	BackoffFactor:   2.0,
	Jitter:          0.1,
}

// DeliveryRetryConfig 报告投递重试配置
var DeliveryRetryConfig = &RetryConfig{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	BackoffFactor:   2.0,
	Jitter:          0.2,
}

// NewRetryableError 将错误标记为可重试或不可重试
func NewRetryableError(err error, retryable bool) error {
	te := errors.WrapError(err, errors.ErrorTypeSystem, errors.SeverityMedium, errors.CodeSystem, err.Error())
	te.Retryable = retryable
	return te
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// 结构化错误自带重试标记
	if te, ok := errors.AsTraceError(err); ok {
		return te.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	transient := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"leader not available",
		"not enough replicas",
		"broken pipe",
		"database not open",
	}
	for _, s := range transient {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteFunc 执行函数类型
type ExecuteFunc func() error

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	_, err := ExecuteWithResult(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult 执行重试逻辑并返回结果
func ExecuteWithResult[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return result, nil
		}

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return zero, err
		}

		if attempt >= r.config.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.backoff(attempt)
		r.logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).WithError(err).Debug("操作失败，等待重试")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

// backoff 第attempt次失败后的等待时间
func (r *Retrier) backoff(attempt int) time.Duration {
	cfg := r.config
	d := math.Min(float64(cfg.InitialInterval)*math.Pow(cfg.BackoffFactor, float64(attempt-1)), float64(cfg.MaxInterval))
	if cfg.Jitter <= 0 {
		return time.Duration(d)
	}

	r.mu.Lock()
	f := 1 + cfg.Jitter*(2*r.rand.Float64()-1)
	r.mu.Unlock()
	if f <= 0 {
		return cfg.InitialInterval
	}
	return time.Duration(d * f)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}
