package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracediff/internal/callframe"
)

func TestGetDefaultConfig(t *testing.T) {
	config := GetDefaultConfig()

	require.NotNil(t, config)
	require.NotNil(t, config.Analysis)
	require.NotNil(t, config.Output)
	require.NotNil(t, config.Store)
	require.NotNil(t, config.API)
	require.NotNil(t, config.Signature)
	require.NotNil(t, config.Logging)

	// 分析配置
	assert.Equal(t, 2, config.Analysis.Workers)
	assert.Equal(t, "10m", config.Analysis.Timeout)
	assert.Equal(t, "caller", config.Analysis.DelegateCallStorage)
	assert.False(t, config.Analysis.StrictValidation)
	assert.Empty(t, config.Analysis.InputChangeOpcodes)

	// 输出配置
	assert.Equal(t, "json", config.Output.Format)
	assert.Equal(t, "./outputs", config.Output.Directory)
	assert.Equal(t, []string{"localhost:9092"}, config.Output.Kafka.Brokers)
	assert.Equal(t, "tod_reports", config.Output.Kafka.Topics["reports"])

	assert.Equal(t, 8080, config.API.Port)
	assert.False(t, config.Signature.EnableAPI)
	assert.Equal(t, 10000, config.Signature.CacheSize)
	assert.Equal(t, "info", config.Logging.Level)

	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
analysis:
  workers: 4
  delegate_call_storage: target
  input_change_opcodes: [sload, CALL]
output:
  format: none
api:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, config.Analysis.Workers)
	assert.Equal(t, "10m", config.Analysis.Timeout) // 未设置的字段保留默认值
	assert.Equal(t, "none", config.Output.Format)
	assert.Equal(t, 9000, config.API.Port)
	assert.Equal(t, "./data/reports.db", config.Store.Path)

	policy, err := config.Analysis.Policy()
	require.NoError(t, err)
	assert.Equal(t, callframe.StorageOfTarget, policy.DelegateCallStorage)
	assert.Equal(t, callframe.StorageOfCaller, policy.CallCodeStorage)

	ops, err := config.Analysis.Opcodes()
	require.NoError(t, err)
	assert.Equal(t, []vm.OpCode{vm.SLOAD, vm.CALL}, ops)
}

func TestLoadConfigFromFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9000\n"), 0o644))
	t.Setenv("TRACEDIFF_API_PORT", "9100")

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, config.API.Port)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analysis:\n  workers: 0\n"), 0o644))
	_, err = LoadConfigFromFile(path)
	assert.Error(t, err)
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), config)
}

func TestAnalysisConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(a *AnalysisConfig)
		valid  bool
	}{
		{name: "default", modify: func(a *AnalysisConfig) {}, valid: true},
		{name: "invalid workers", modify: func(a *AnalysisConfig) { a.Workers = 0 }, valid: false},
		{name: "invalid timeout", modify: func(a *AnalysisConfig) { a.Timeout = "soon" }, valid: false},
		{name: "invalid delegate mode", modify: func(a *AnalysisConfig) { a.DelegateCallStorage = "both" }, valid: false},
		{name: "invalid callcode mode", modify: func(a *AnalysisConfig) { a.CallCodeStorage = "x" }, valid: false},
		{name: "unknown opcode", modify: func(a *AnalysisConfig) { a.InputChangeOpcodes = []string{"FOO"} }, valid: false},
		{name: "known opcodes", modify: func(a *AnalysisConfig) { a.InputChangeOpcodes = []string{"tload", "TSTORE"} }, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := GetDefaultConfig().Analysis
			tt.modify(a)
			assert.Equal(t, tt.valid, validateAnalysisConfig(a))
		})
	}
}

func TestOutputConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config *OutputConfig
		valid  bool
	}{
		{
			name:   "valid file output config",
			config: &OutputConfig{Format: "json", Directory: "./outputs"},
			valid:  true,
		},
		{
			name:   "file output without directory",
			config: &OutputConfig{Format: "json"},
			valid:  false,
		},
		{
			name: "valid kafka output config",
			config: &OutputConfig{
				Format: "kafka",
				Kafka: &KafkaConfig{
					Brokers: []string{"localhost:9092"},
					Topics:  map[string]string{"reports": "tod_reports"},
					Timeout: "5s",
				},
			},
			valid: true,
		},
		{
			name: "kafka without reports topic",
			config: &OutputConfig{
				Format: "kafka",
				Kafka: &KafkaConfig{
					Brokers: []string{"localhost:9092"},
					Topics:  map[string]string{},
					Timeout: "5s",
				},
			},
			valid: false,
		},
		{
			name:   "kafka format without kafka config",
			config: &OutputConfig{Format: "kafka"},
			valid:  false,
		},
		{
			name:   "none",
			config: &OutputConfig{Format: "none"},
			valid:  true,
		},
		{
			name:   "invalid format",
			config: &OutputConfig{Format: "invalid", Directory: "./outputs"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, validateOutputConfig(tt.config))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	config := GetDefaultConfig()
	config.Store = nil
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.API.Port = 70000
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.Store.Timeout = "never"
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.Signature.EnableAPI = true
	config.Signature.FourByteAPIURL = ""
	assert.Error(t, config.Validate())

	config = GetDefaultConfig()
	config.Signature.APITimeout = "soon"
	assert.Error(t, config.Validate())
}

func TestCaseTimeout(t *testing.T) {
	a := GetDefaultConfig().Analysis
	assert.Equal(t, 10*time.Minute, a.CaseTimeout())

	a.Timeout = "90s"
	assert.Equal(t, 90*time.Second, a.CaseTimeout())
}
