package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tracediff/internal/analyzer"
	"tracediff/internal/api"
	"tracediff/internal/config"
	"tracediff/internal/logging"
	"tracediff/internal/output"
	"tracediff/internal/shutdown"
	"tracediff/internal/store"
)

var (
	configPath = flag.String("config", "", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口（覆盖配置）")
	traceRoot  = flag.String("trace-root", "", "案例根目录（覆盖配置）")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}
	if *traceRoot != "" {
		cfg.API.TraceRoot = *traceRoot
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}
	gin.SetMode(gin.ReleaseMode)

	storeTimeout, _ := time.ParseDuration(cfg.Store.Timeout)
	st, err := store.Open(cfg.Store.Path, storeTimeout, logger)
	if err != nil {
		logger.Fatalf("打开报告存储失败: %v", err)
	}

	outputter, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		st.Close()
		logger.Fatalf("创建输出器失败: %v", err)
	}

	a, err := analyzer.New(cfg.Analysis, logger)
	if err != nil {
		st.Close()
		outputter.Close()
		logger.Fatalf("创建分析器失败: %v", err)
	}

	server := api.NewServer(cfg, a, st, outputter, logger)

	shutdownTimeout, _ := time.ParseDuration(cfg.API.ShutdownTTL)
	gs := shutdown.NewManager(shutdownTimeout, logger)
	gs.Register("api", shutdown.OrderStopAcceptingRequests, server.Shutdown)
	gs.Register("output", shutdown.OrderFlushOutputs, func(ctx context.Context) error {
		return outputter.Close()
	})
	gs.Register("store", shutdown.OrderCloseStore, func(ctx context.Context) error {
		return st.Close()
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	if err := gs.Wait(); err != nil {
		logger.Errorf("关闭服务器时出错: %v", err)
		os.Exit(1)
	}
	logger.Info("服务器已关闭")
}
