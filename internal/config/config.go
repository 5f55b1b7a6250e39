package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/spf13/viper"

	"tracediff/internal/callframe"
	"tracediff/internal/logging"
)

// Config 主配置
type Config struct {
	Analysis  *AnalysisConfig    `mapstructure:"analysis" json:"analysis"`
	Output    *OutputConfig      `mapstructure:"output" json:"output"`
	Store     *StoreConfig       `mapstructure:"store" json:"store"`
	API       *APIConfig         `mapstructure:"api" json:"api"`
	Signature *SignatureConfig   `mapstructure:"signature" json:"signature"`
	Logging   *logging.LogConfig `mapstructure:"logging" json:"logging"`
}

// AnalysisConfig 分析配置
type AnalysisConfig struct {
	Workers             int      `mapstructure:"workers" json:"workers"` // 批量分析时并发的案例数
	Timeout             string   `mapstructure:"timeout" json:"timeout"` // 单个案例超时
	DelegateCallStorage string   `mapstructure:"delegate_call_storage" json:"delegate_call_storage"`
	CallCodeStorage     string   `mapstructure:"call_code_storage" json:"call_code_storage"`
	StrictValidation    bool     `mapstructure:"strict_validation" json:"strict_validation"`
	InputChangeOpcodes  []string `mapstructure:"input_change_opcodes" json:"input_change_opcodes"` // 为空时统计全部操作码
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers    []string          `mapstructure:"brokers" json:"brokers"`
	Topics     map[string]string `mapstructure:"topics" json:"topics"`
	RetryLimit int               `mapstructure:"retry_limit" json:"retry_limit"`
	Timeout    string            `mapstructure:"timeout" json:"timeout"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format" json:"format"` // json, kafka, none
	Directory string       `mapstructure:"directory" json:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka" json:"kafka"`
}

// StoreConfig 报告存储配置
type StoreConfig struct {
	Path    string `mapstructure:"path" json:"path"`
	Timeout string `mapstructure:"timeout" json:"timeout"`
}

// APIConfig API服务配置
type APIConfig struct {
	Port        int    `mapstructure:"port" json:"port"`
	TraceRoot   string `mapstructure:"trace_root" json:"trace_root"` // 分析请求中的相对路径基于该目录
	MaxLogs     int    `mapstructure:"max_logs" json:"max_logs"`
	ShutdownTTL string `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// SignatureConfig 函数选择器查询配置
type SignatureConfig struct {
	FourByteAPIURL string `mapstructure:"four_byte_api_url" json:"four_byte_api_url"`
	APITimeout     string `mapstructure:"api_timeout" json:"api_timeout"`
	EnableAPI      bool   `mapstructure:"enable_api" json:"enable_api"` // 关闭时只使用内置表
	CacheSize      int    `mapstructure:"cache_size" json:"cache_size"`
}

// LoadConfigFromFile 从文件加载配置，未设置的字段使用默认值
// 环境变量以TRACEDIFF_为前缀覆盖配置，例如TRACEDIFF_API_PORT
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRACEDIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig 配置路径为空时返回默认配置
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return GetDefaultConfig(), nil
	}
	return LoadConfigFromFile(configPath)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Analysis: &AnalysisConfig{
			Workers:             2,
			Timeout:             "10m",
			DelegateCallStorage: "caller",
			CallCodeStorage:     "caller",
			StrictValidation:    false,
			InputChangeOpcodes:  []string{},
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"reports":     "tod_reports",
					"divergences": "tod_divergences",
				},
				RetryLimit: 3,
				Timeout:    "10s",
			},
		},
		Store: &StoreConfig{
			Path:    "./data/reports.db",
			Timeout: "1s",
		},
		API: &APIConfig{
			Port:        8080,
			TraceRoot:   "./traces",
			MaxLogs:     1000,
			ShutdownTTL: "30s",
		},
		Signature: &SignatureConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     "5s",
			EnableAPI:      false,
			CacheSize:      10000,
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Analysis == nil || c.Output == nil || c.Store == nil || c.API == nil || c.Signature == nil || c.Logging == nil {
		return fmt.Errorf("配置缺少必需的部分")
	}
	if !validateAnalysisConfig(c.Analysis) {
		return fmt.Errorf("analysis配置无效")
	}
	if !validateOutputConfig(c.Output) {
		return fmt.Errorf("output配置无效")
	}
	if _, err := time.ParseDuration(c.Store.Timeout); err != nil || c.Store.Path == "" {
		return fmt.Errorf("store配置无效")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api端口无效: %d", c.API.Port)
	}
	if _, err := time.ParseDuration(c.Signature.APITimeout); err != nil {
		return fmt.Errorf("signature.api_timeout无效: %w", err)
	}
	if c.Signature.EnableAPI && c.Signature.FourByteAPIURL == "" {
		return fmt.Errorf("启用API时必须设置signature.four_byte_api_url")
	}
	return nil
}

func validateAnalysisConfig(a *AnalysisConfig) bool {
	if a.Workers <= 0 {
		return false
	}
	if _, err := time.ParseDuration(a.Timeout); err != nil {
		return false
	}
	if _, err := callframe.ParseStorageMode(a.DelegateCallStorage); err != nil {
		return false
	}
	if _, err := callframe.ParseStorageMode(a.CallCodeStorage); err != nil {
		return false
	}
	if _, err := a.Opcodes(); err != nil {
		return false
	}
	return true
}

func validateOutputConfig(o *OutputConfig) bool {
	switch o.Format {
	case "json":
		return o.Directory != ""
	case "kafka":
		if o.Kafka == nil || len(o.Kafka.Brokers) == 0 || o.Kafka.Topics["reports"] == "" {
			return false
		}
		_, err := time.ParseDuration(o.Kafka.Timeout)
		return err == nil && o.Kafka.RetryLimit >= 0
	case "none":
		return true
	}
	return false
}

// Policy 调用帧推导策略
func (a *AnalysisConfig) Policy() (callframe.Policy, error) {
	delegate, err := callframe.ParseStorageMode(a.DelegateCallStorage)
	if err != nil {
		return callframe.Policy{}, err
	}
	callCode, err := callframe.ParseStorageMode(a.CallCodeStorage)
	if err != nil {
		return callframe.Policy{}, err
	}
	return callframe.Policy{DelegateCallStorage: delegate, CallCodeStorage: callCode}, nil
}

// Opcodes 输入变化计数的操作码过滤
func (a *AnalysisConfig) Opcodes() ([]vm.OpCode, error) {
	ops := make([]vm.OpCode, 0, len(a.InputChangeOpcodes))
	for _, name := range a.InputChangeOpcodes {
		name = strings.ToUpper(strings.TrimSpace(name))
		op := vm.StringToOp(name)
		if op.String() != name {
			return nil, fmt.Errorf("未知的操作码: %s", name)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// CaseTimeout 单个案例超时
func (a *AnalysisConfig) CaseTimeout() time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
