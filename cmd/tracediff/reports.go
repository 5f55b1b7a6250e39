package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tracediff/internal/store"
	"tracediff/pkg/models"
)

var reportPrefix string

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "查看已保存的分析报告",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "列出报告",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			summaries, err := st.List(reportPrefix)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range summaries {
				status := s.Divergence.String()
				if s.Divergence == models.Divergence {
					status = fmt.Sprintf("%s@%d", status, s.Index)
				}
				if s.Failed {
					status = "failed"
				}
				fmt.Fprintf(w, "%-40s %-20s %s\n", s.CaseID, status, s.CreatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "total=%d\n", len(summaries))
			return nil
		}),
	}
	listCmd.Flags().StringVar(&reportPrefix, "prefix", "", "案例ID前缀")

	showCmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "以JSON输出报告",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			report, err := st.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "删除报告",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			return st.Delete(args[0])
		}),
	}

	cmd.AddCommand(listCmd, showCmd, deleteCmd)
	return cmd
}

func withStore(fn func(cmd *cobra.Command, st *store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		timeout, _ := time.ParseDuration(cfg.Store.Timeout)
		st, err := store.Open(cfg.Store.Path, timeout, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, st, args)
	}
}

// printSummary 打印单个案例的分析结论
func printSummary(w io.Writer, report *models.AnalysisReport) {
	switch {
	case !report.Succeeded():
		fmt.Fprintf(w, "%s: failed: %v\n", report.CaseID, report.Errors)
	case report.Divergence != nil:
		fmt.Fprintf(w, "%s: %s, %d input changes (%s)\n",
			report.CaseID, report.Divergence.String(), len(report.InputChanges), report.Duration.Round(time.Millisecond))
	}
}
