package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format" json:"format" yaml:"format"` // 日志格式 (json, text)
	Output string `mapstructure:"output" json:"output" yaml:"output"` // 输出路径 (stdout, stderr, file path)
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// NewLogger 按配置创建日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level := logrus.InfoLevel
	if config.Level != "" {
		parsed, err := logrus.ParseLevel(config.Level)
		if err != nil {
			return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(config.Format) {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	case "text", "":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	out, err := openOutput(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)
	return logger, nil
}

// openOutput stdout、stderr或追加写入的日志文件
func openOutput(target string) (io.Writer, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewCaseLogger TOD案例专用日志器
func NewCaseLogger(base *logrus.Logger, caseID string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "analyzer",
		"case_id":   caseID,
	})
}

// NewTraceLogger 单条轨迹专用日志器
func NewTraceLogger(base *logrus.Logger, caseID, trace string) *logrus.Entry {
	return NewCaseLogger(base, caseID).WithField("trace", trace)
}
