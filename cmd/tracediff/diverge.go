package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tracediff/internal/analysis"
	"tracediff/internal/signature"
	"tracediff/internal/source"
	"tracediff/internal/stream"
)

var (
	traceA string
	traceB string
)

func newDivergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diverge",
		Short: "对比同一交易的两条轨迹，找出首个分歧",
		RunE:  runDiverge,
	}
	cmd.Flags().StringVar(&traceA, "a", "", "轨迹A")
	cmd.Flags().StringVar(&traceB, "b", "", "轨迹B")
	addRootFlags(cmd)
	_ = cmd.MarkFlagRequired("a")
	_ = cmd.MarkFlagRequired("b")
	return cmd
}

func runDiverge(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	policy, err := cfg.Analysis.Policy()
	if err != nil {
		return err
	}
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	open := func(path string) (*stream.Stream, error) {
		src, err := source.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return stream.New(src, root, stream.WithPolicy(policy), stream.WithName(path)), nil
	}

	a, err := open(traceA)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := open(traceB)
	if err != nil {
		return err
	}
	defer b.Close()

	result, err := analysis.FindDivergence(a, b)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, result.String())
	if result.ChangeA != nil && result.ChangeB != nil {
		fmt.Fprintf(out, "  A: %s\n  B: %s\n", result.ChangeA.String(), result.ChangeB.String())
	}
	if result.Source != nil && result.Source.Frame != nil && !result.Source.Frame.IsCreation {
		lookup, err := signature.NewLookup(cfg.Signature, logger)
		if err != nil {
			return err
		}
		if fn := lookup.Describe(cmd.Context(), result.Source.Frame.Input); fn != "" {
			fmt.Fprintf(out, "  in %s of %s\n", fn, result.Source.CodeAddress().Hex())
		}
	}
	return nil
}
