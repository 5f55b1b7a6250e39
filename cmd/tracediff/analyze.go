package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tracediff/internal/analyzer"
	"tracediff/internal/output"
	"tracediff/internal/shutdown"
	"tracediff/internal/store"
	"tracediff/pkg/models"
)

var (
	casesDir string
	noStore  bool
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [case-dir...]",
		Short: "分析TOD案例并保存报告",
		Long:  `每个案例目录包含metadata.json以及normal/、reverse/下以交易哈希命名的轨迹文件`,
		RunE:  runAnalyze,
	}
	cmd.Flags().StringVar(&casesDir, "dir", "", "分析该目录下的所有案例")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "不写入报告存储")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	dirs := args
	if casesDir != "" {
		found, err := analyzer.DiscoverCases(casesDir)
		if err != nil {
			return err
		}
		dirs = append(dirs, found...)
	}
	if len(dirs) == 0 {
		return fmt.Errorf("需要指定案例目录或 --dir")
	}

	var cases []*analyzer.Case
	for _, dir := range dirs {
		c, err := analyzer.LoadCase(dir)
		if err != nil {
			return fmt.Errorf("加载案例 %s 失败: %w", dir, err)
		}
		cases = append(cases, c)
	}

	a, err := analyzer.New(cfg.Analysis, logger)
	if err != nil {
		return err
	}

	shutdownTimeout, _ := time.ParseDuration(cfg.API.ShutdownTTL)
	gs := shutdown.NewManager(shutdownTimeout, logger)

	var st *store.Store
	if !noStore {
		storeTimeout, _ := time.ParseDuration(cfg.Store.Timeout)
		st, err = store.Open(cfg.Store.Path, storeTimeout, logger)
		if err != nil {
			return err
		}
		gs.Register("store", shutdown.OrderCloseStore, func(ctx context.Context) error {
			return st.Close()
		})
	}

	out, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		gs.Shutdown()
		return err
	}
	gs.Register("output", shutdown.OrderFlushOutputs, func(ctx context.Context) error {
		return out.Close()
	})

	sink := analyzer.ReportSink(st, out, logger)
	w := cmd.OutOrStdout()
	runErr := a.AnalyzeAll(gs.Context(), cases, func(ctx context.Context, report *models.AnalysisReport) error {
		if err := sink(ctx, report); err != nil {
			return err
		}
		printSummary(w, report)
		return nil
	})

	stats := a.GetStats()
	fmt.Fprintf(w, "analyzed=%d divergent=%d failed=%d\n", stats.Analyzed, stats.Divergent, stats.Failed)

	gs.Shutdown()
	if err := gs.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
