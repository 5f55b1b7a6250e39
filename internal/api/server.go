package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tracediff/internal/analyzer"
	"tracediff/internal/config"
	"tracediff/internal/errors"
	"tracediff/internal/output"
	"tracediff/internal/signature"
	"tracediff/internal/store"
	"tracediff/pkg/models"
)

// Server API服务器
type Server struct {
	analyzer   *analyzer.Analyzer
	store      *store.Store
	outputter  output.Output
	signatures *signature.Lookup
	config     *config.Config
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time

	// 后台分析任务
	mu       sync.RWMutex
	jobs     map[string]string // 案例ID -> 状态
	failures map[string]string // 案例ID -> 最近一次失败原因
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// 后台任务状态
const (
	jobRunning = "running"
	jobDone    = "done"
	jobFailed  = "failed"
)

// NewServer 创建新的API服务器
func NewServer(cfg *config.Config, a *analyzer.Analyzer, st *store.Store, out output.Output, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	logManager := NewLogManager(cfg.API.MaxLogs)
	logger.AddHook(NewLogHook(logManager, logrus.InfoLevel))

	s := &Server{
		analyzer:   a,
		store:      st,
		outputter:  out,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
		jobs:       make(map[string]string),
		failures:   make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}
	a.ErrorHandler().AddCallback(s.recordFailure)
	if lookup, err := signature.NewLookup(cfg.Signature, logger); err != nil {
		logger.WithError(err).Warn("函数签名查询不可用")
	} else {
		s.signatures = lookup
	}
	s.router = s.setupRouter()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.logger.Infof("API服务器启动在端口 %d", s.config.API.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 停止接收请求并等待后台分析结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 分析任务
		api.GET("/status", s.getStatus)
		api.POST("/analyze", s.analyzeCase)
		api.POST("/analyze/batch", s.analyzeBatch)

		// 报告
		api.GET("/reports", s.listReports)
		api.GET("/reports/:id", s.getReport)
		api.DELETE("/reports/:id", s.deleteReport)

		api.GET("/signatures/:selector", s.getSignature)

		api.GET("/config", s.getConfig)
		api.GET("/stats", s.getStats)
		api.DELETE("/stats/errors", s.clearErrorStats)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
	return router
}

// requestLogger 使用logrus记录请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "tracediff-api",
	})
}

// getStatus 获取后台任务状态
func (s *Server) getStatus(c *gin.Context) {
	s.mu.RLock()
	jobs := make(map[string]string, len(s.jobs))
	running := 0
	for id, state := range s.jobs {
		jobs[id] = state
		if state == jobRunning {
			running++
		}
	}
	failures := make(map[string]string, len(s.failures))
	for id, reason := range s.failures {
		failures[id] = reason
	}
	s.mu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"running":  running,
		"jobs":     jobs,
		"failures": failures,
	})
}

// resolveCaseDir 将请求中的相对路径限制在trace_root之内
func (s *Server) resolveCaseDir(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("缺少案例路径")
	}
	cleaned := filepath.Clean("/" + filepath.ToSlash(rel))
	return filepath.Join(s.config.API.TraceRoot, cleaned), nil
}

// analyzeCase 分析单个案例
func (s *Server) analyzeCase(c *gin.Context) {
	var req struct {
		Case string `json:"case" binding:"required"`
		Wait bool   `json:"wait"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dir, err := s.resolveCaseDir(req.Case)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tc, err := analyzer.LoadCase(dir)
	if err != nil {
		s.writeError(c, err)
		return
	}

	sink := analyzer.ReportSink(s.store, s.outputter, s.logger)

	if req.Wait {
		report, err := s.analyzer.Analyze(c.Request.Context(), tc)
		if sinkErr := sink(c.Request.Context(), report); sinkErr != nil {
			s.writeError(c, sinkErr)
			return
		}
		status := http.StatusOK
		if err != nil {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"report": report})
		return
	}

	if !s.startJob(tc.ID) {
		c.JSON(http.StatusConflict, gin.H{"error": "案例正在分析", "case_id": tc.ID})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.analyzer.Analyze(s.ctx, tc)
		if sinkErr := sink(s.ctx, report); sinkErr != nil && err == nil {
			err = sinkErr
		}
		s.finishJob(tc.ID, err)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "分析任务已启动",
		"case_id": tc.ID,
	})
}

// analyzeBatch 分析目录下的所有案例
func (s *Server) analyzeBatch(c *gin.Context) {
	var req struct {
		Dir string `json:"dir"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	root := s.config.API.TraceRoot
	if req.Dir != "" {
		dir, err := s.resolveCaseDir(req.Dir)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		root = dir
	}

	dirs, err := analyzer.DiscoverCases(root)
	if err != nil {
		s.writeError(c, err)
		return
	}

	var cases []*analyzer.Case
	var skipped []string
	for _, dir := range dirs {
		tc, err := analyzer.LoadCase(dir)
		if err != nil {
			s.logger.WithError(err).WithField("dir", dir).Warn("跳过无法加载的案例")
			skipped = append(skipped, filepath.Base(dir))
			continue
		}
		if !s.startJob(tc.ID) {
			skipped = append(skipped, tc.ID)
			continue
		}
		cases = append(cases, tc)
	}

	sink := analyzer.ReportSink(s.store, s.outputter, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.analyzer.AnalyzeAll(s.ctx, cases, func(ctx context.Context, report *models.AnalysisReport) error {
			err := sink(ctx, report)
			if err == nil && !report.Succeeded() {
				err = fmt.Errorf("%s", strings.Join(report.Errors, "; "))
			}
			s.finishJob(report.CaseID, err)
			return nil
		})
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "批量分析已启动",
		"cases":   len(cases),
		"skipped": skipped,
	})
}

func (s *Server) startJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[id] == jobRunning {
		return false
	}
	s.jobs[id] = jobRunning
	return true
}

// recordFailure 错误处理器回调，记录案例的失败原因
func (s *Server) recordFailure(caseID string, err *errors.TraceError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[caseID] = err.Error()
}

func (s *Server) finishJob(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.jobs[id] = jobFailed
		return
	}
	s.jobs[id] = jobDone
	delete(s.failures, id)
}

// listReports 列出报告摘要
func (s *Server) listReports(c *gin.Context) {
	summaries, err := s.store.List(c.Query("prefix"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": summaries,
		"total":   len(summaries),
	})
}

// getReport 获取报告
func (s *Server) getReport(c *gin.Context) {
	report, err := s.store.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// deleteReport 删除报告
func (s *Server) deleteReport(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "报告已删除"})
}

// getSignature 查询函数选择器对应的签名
func (s *Server) getSignature(c *gin.Context) {
	if s.signatures == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "函数签名查询不可用"})
		return
	}
	selector := c.Param("selector")
	name, ok := s.signatures.LookupByHex(c.Request.Context(), selector)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "未知的函数选择器", "selector": selector})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"selector":  selector,
		"signature": name,
	})
}

// getConfig 获取配置
func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config": s.config,
	})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	errorStats := s.analyzer.ErrorHandler().GetStats()
	c.JSON(http.StatusOK, gin.H{
		"uptime":   time.Since(s.startedAt).String(),
		"analyzer": s.analyzer.GetStats(),
		"store":    s.store.GetStats(),
		"errors": gin.H{
			"total":        errorStats.TotalErrors,
			"by_component": errorStats.ErrorsByComponent,
			"by_trace":     errorStats.ErrorsByTrace,
			"hourly_rate":  errorStats.GetErrorRate(time.Hour),
		},
	})
}

// clearErrorStats 清空错误统计
func (s *Server) clearErrorStats(c *gin.Context) {
	s.analyzer.ErrorHandler().ClearStats()
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清空"})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// writeError 按错误类型映射HTTP状态码
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrReportNotFound):
		status = http.StatusNotFound
	case stderrors.Is(err, errors.ErrFileIOFailed):
		status = http.StatusNotFound
	case errors.IsParse(err), stderrors.Is(err, errors.ErrDataValidation):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
