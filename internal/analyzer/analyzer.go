package analyzer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tracediff/internal/analysis"
	"tracediff/internal/callframe"
	"tracediff/internal/config"
	"tracediff/internal/errors"
	"tracediff/internal/logging"
	"tracediff/internal/source"
	"tracediff/internal/stream"
	"tracediff/internal/validation"
	"tracediff/pkg/models"
)

// 计数方向：正常排序计入，反向排序扣除
var traceSigns = map[string]int64{
	TraceAttackerNormal:  analysis.Increment,
	TraceAttackerReverse: analysis.Decrement,
	TraceVictimNormal:    analysis.Increment,
	TraceVictimReverse:   analysis.Decrement,
}

// Sink 报告的去向，例如存储或输出
type Sink func(ctx context.Context, report *models.AnalysisReport) error

// Stats 分析统计
type Stats struct {
	Analyzed   int64  `json:"analyzed"`
	Divergent  int64  `json:"divergent"`
	Failed     int64  `json:"failed"`
	InFlight   int64  `json:"in_flight"`
	Warnings   int64  `json:"validation_warnings"`
	LastCaseID string `json:"last_case_id,omitempty"`
}

// Analyzer TOD案例分析器
type Analyzer struct {
	logger       *logrus.Logger
	errorHandler *errors.ErrorHandler
	validator    *validation.Validator
	policy       callframe.Policy
	opcodes      []vm.OpCode
	workers      int
	timeout      time.Duration

	analyzed  atomic.Int64
	divergent atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
	warnings  atomic.Int64

	mu       sync.RWMutex
	lastCase string
}

// New 创建分析器
func New(cfg *config.AnalysisConfig, logger *logrus.Logger) (*Analyzer, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfig, "调用帧策略无效")
	}
	opcodes, err := cfg.Opcodes()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityCritical, errors.CodeConfig, "操作码过滤无效")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Analyzer{
		logger:       logger,
		errorHandler: errors.NewErrorHandler(logger),
		validator:    newValidator(cfg, logger),
		policy:       policy,
		opcodes:      opcodes,
		workers:      workers,
		timeout:      cfg.CaseTimeout(),
	}, nil
}

// newValidator 仅在严格验证时启用，否则由调用帧跟踪器报告不一致
func newValidator(cfg *config.AnalysisConfig, logger *logrus.Logger) *validation.Validator {
	if !cfg.StrictValidation {
		return nil
	}
	return validation.NewValidator(logger, true)
}

// ErrorHandler 分析器使用的错误处理器
func (a *Analyzer) ErrorHandler() *errors.ErrorHandler {
	return a.errorHandler
}

// Policy 调用帧推导策略
func (a *Analyzer) Policy() callframe.Policy {
	return a.policy
}

// traceResult 单条轨迹的计数与聚合结果
type traceResult struct {
	name     string
	counter  *analysis.InputChangeCounter
	usage    models.Usage
	steps    int
	warnings int
}

// Analyze 分析单个案例
// 四条轨迹各由一个goroutine解码，受害交易两种排序下的轨迹另行对比找出首个分歧
// 出错时仍返回已填充错误信息的报告
func (a *Analyzer) Analyze(ctx context.Context, c *Case) (*models.AnalysisReport, error) {
	start := time.Now()
	caseLogger := logging.NewCaseLogger(a.logger, c.ID)
	caseLogger.Info("开始分析案例")

	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	report := &models.AnalysisReport{
		CaseID:    c.ID,
		CreatedAt: start,
		Usage:     make(map[string]map[string][]string),
		Steps:     make(map[string]int),
	}

	g, gctx := errgroup.WithContext(ctx)

	results := make([]*traceResult, 0, len(traceSigns))
	var resultsMu sync.Mutex
	for name, sign := range traceSigns {
		name, sign := name, sign
		g.Go(func() error {
			res, err := a.runTrace(gctx, c, name, sign)
			if err != nil {
				return err
			}
			resultsMu.Lock()
			results = append(results, res)
			resultsMu.Unlock()
			return nil
		})
	}

	var divergence *models.DivergenceResult
	g.Go(func() error {
		var err error
		divergence, err = a.compareVictim(gctx, c)
		return err
	})

	err := g.Wait()
	report.Duration = time.Since(start)
	a.analyzed.Add(1)
	a.setLastCase(c.ID)

	if err != nil {
		a.failed.Add(1)
		handled := a.errorHandler.HandleCaseError(ctx, c.ID, err)
		report.Errors = append(report.Errors, handled.Error())
		return report, handled
	}

	counter := analysis.NewInputChangeCounter(a.opcodes...)
	for _, res := range results {
		counter.Merge(res.counter)
		report.Usage[res.name] = res.usage.Report()
		report.Steps[res.name] = res.steps
		a.warnings.Add(int64(res.warnings))
	}
	report.InputChanges = counter.Result().NonZero()
	report.Divergence = divergence

	if divergence.Kind == models.Divergence {
		a.divergent.Add(1)
	}
	caseLogger.WithFields(logrus.Fields{
		"divergence":    divergence.Kind.String(),
		"input_changes": len(report.InputChanges),
		"duration":      report.Duration,
	}).Info("案例分析完成")
	return report, nil
}

// openStream 打开指定轨迹的指令流，未启用验证时返回的ValidatingSource为nil
func (a *Analyzer) openStream(ctx context.Context, c *Case, name string) (*stream.Stream, *validation.ValidatingSource, error) {
	factory, ok := c.Traces[name]
	if !ok {
		return nil, nil, errors.NewTraceError(errors.ErrorTypeFileIO, errors.SeverityHigh, errors.CodeFileIO, "案例缺少轨迹").
			WithContext("trace", name).
			WithTrace(name)
	}
	root := c.Root(name)
	if a.validator != nil {
		if err := a.validator.ValidateInitialFrame(&root).Err(); err != nil {
			return nil, nil, err
		}
	}

	src, err := factory()
	if err != nil {
		return nil, nil, err
	}
	src = source.WithContext(ctx, src)

	var validating *validation.ValidatingSource
	if a.validator != nil {
		validating = a.validator.Wrap(src)
		src = validating
	}
	s := stream.New(src, root, stream.WithPolicy(a.policy), stream.WithName(name))
	return s, validating, nil
}

func (a *Analyzer) runTrace(ctx context.Context, c *Case, name string, sign int64) (*traceResult, error) {
	traceLogger := logging.NewTraceLogger(a.logger, c.ID, name)

	s, validating, err := a.openStream(ctx, c, name)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	counter := analysis.NewInputChangeCounter(a.opcodes...)
	usage := analysis.NewUsageAggregator()
	err = stream.ForEach(s, func(step *models.Step) error {
		counter.Add(&step.Instruction, sign)
		usage.Add(&step.Instruction)
		return nil
	})
	if err != nil {
		return nil, err
	}

	frames, warnings := 0, 0
	if validating != nil {
		warnings = validating.Warnings()
	}
	if tracker := s.Tracker(); tracker != nil {
		frames = tracker.FrameCount()
	}
	traceLogger.WithFields(logrus.Fields{
		"steps":    s.Count(),
		"frames":   frames,
		"warnings": warnings,
	}).Debug("轨迹解码完成")

	return &traceResult{
		name:     name,
		counter:  counter,
		usage:    usage.Result(),
		steps:    s.Count(),
		warnings: warnings,
	}, nil
}

func (a *Analyzer) compareVictim(ctx context.Context, c *Case) (*models.DivergenceResult, error) {
	normal, _, err := a.openStream(ctx, c, TraceVictimNormal)
	if err != nil {
		return nil, err
	}
	defer normal.Close()

	reverse, _, err := a.openStream(ctx, c, TraceVictimReverse)
	if err != nil {
		return nil, err
	}
	defer reverse.Close()

	return analysis.FindDivergence(normal, reverse)
}

// AnalyzeAll 以有限并发分析多个案例，每份报告交给sink
// 单个案例失败不会中止其余案例，sink出错时停止
func (a *Analyzer) AnalyzeAll(ctx context.Context, cases []*Case, sink Sink) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, c := range cases {
		c := c
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			report, _ := a.Analyze(gctx, c)
			if sink == nil {
				return nil
			}
			return sink(gctx, report)
		})
	}
	return g.Wait()
}

// GetStats 获取统计信息
func (a *Analyzer) GetStats() Stats {
	a.mu.RLock()
	last := a.lastCase
	a.mu.RUnlock()
	return Stats{
		Analyzed:   a.analyzed.Load(),
		Divergent:  a.divergent.Load(),
		Failed:     a.failed.Load(),
		InFlight:   a.inFlight.Load(),
		Warnings:   a.warnings.Load(),
		LastCaseID: last,
	}
}

func (a *Analyzer) setLastCase(id string) {
	a.mu.Lock()
	a.lastCase = id
	a.mu.Unlock()
}
