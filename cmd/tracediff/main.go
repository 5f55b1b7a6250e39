package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tracediff/internal/config"
	"tracediff/internal/logging"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tracediff",
		Short:         "EVM轨迹重建与TOD分歧分析工具",
		Long:          `从EIP-3155执行轨迹重建指令、调用帧与环境变化，并对比不同交易排序下的轨迹找出首个分歧`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径（为空时使用默认配置）")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.AddCommand(newParseCmd(), newDivergeCmd(), newAnalyzeCmd(), newReportsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志器
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	// 命令行输出占用stdout，日志写到stderr
	if cfg.Logging.Output == "stdout" {
		logger.SetOutput(os.Stderr)
	}
	return cfg, logger, nil
}
