package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"tracediff/internal/analysis"
	"tracediff/internal/signature"
	"tracediff/internal/source"
	"tracediff/internal/stream"
	"tracediff/pkg/models"
)

var (
	tracePath    string
	metadataPath string
	txHash       string
	sender       string
	to           string
	calldata     string
	value        string
	printSteps   bool
	printUsage   bool
	noDecode     bool
)

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "解析单条轨迹并打印调用树",
		RunE:  runParse,
	}
	cmd.Flags().StringVar(&tracePath, "trace", "", "EIP-3155轨迹文件")
	addRootFlags(cmd)
	cmd.Flags().BoolVar(&printSteps, "steps", false, "打印每条指令及环境变化")
	cmd.Flags().BoolVar(&printUsage, "usage", false, "打印各地址使用的操作码")
	cmd.Flags().BoolVar(&noDecode, "no-decode", false, "不解析调用树中的函数签名")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

// addRootFlags 根帧来源：元数据文件，或直接指定地址
func addRootFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "交易元数据文件")
	cmd.Flags().StringVar(&txHash, "tx", "", "元数据中的交易哈希（默认受害交易）")
	cmd.Flags().StringVar(&sender, "sender", "", "未提供元数据时的发送者地址")
	cmd.Flags().StringVar(&to, "to", "", "未提供元数据时的接收者地址")
	cmd.Flags().StringVar(&calldata, "calldata", "0x", "未提供元数据时的调用数据")
	cmd.Flags().StringVar(&value, "value", "0x0", "未提供元数据时的转账金额")
}

func resolveRoot() (models.InitialFrame, error) {
	if metadataPath != "" {
		meta, err := source.LoadMetadata(metadataPath)
		if err != nil {
			return models.InitialFrame{}, err
		}
		if txHash == "" {
			return meta.Victim()
		}
		return meta.Frame(txHash)
	}

	if !common.IsHexAddress(sender) || !common.IsHexAddress(to) {
		return models.InitialFrame{}, fmt.Errorf("需要 --metadata，或同时指定有效的 --sender 与 --to")
	}
	var v uint256.Int
	if err := source.ParseWord(value, &v); err != nil {
		return models.InitialFrame{}, fmt.Errorf("无效的 --value: %w", err)
	}
	input, err := source.DecodeHex(calldata)
	if err != nil {
		return models.InitialFrame{}, fmt.Errorf("无效的 --calldata: %w", err)
	}
	return source.NewInitialFrame(common.HexToAddress(sender), common.HexToAddress(to), input, &v), nil
}

func runParse(cmd *cobra.Command, args []string) error {
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

	src, err := source.OpenFile(tracePath)
	if err != nil {
		return err
	}
	s := stream.New(src, root, stream.WithPolicy(policy), stream.WithName(tracePath))
	defer s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Parsing transaction from %s to %s\n", root.Sender.Hex(), root.To.Hex())

	usage := analysis.NewUsageAggregator()
	err = stream.ForEach(s, func(step *models.Step) error {
		usage.Add(&step.Instruction)
		if printSteps {
			ins := &step.Instruction
			fmt.Fprintf(out, "%6d %-40s in=[%s] out=[%s] %s\n",
				ins.Index, ins.String(), models.FormatWords(ins.Inputs), models.FormatWords(ins.Outputs), step.Change.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Debugf("轨迹 %s 解析完成", tracePath)

	fmt.Fprintf(out, "Parsed %d instructions\n", s.Count())
	if tracker := s.Tracker(); tracker != nil {
		var label func(*models.CallFrame) string
		if !noDecode {
			lookup, err := signature.NewLookup(cfg.Signature, logger)
			if err != nil {
				return err
			}
			label = func(f *models.CallFrame) string {
				if f.IsCreation {
					return ""
				}
				return lookup.Describe(cmd.Context(), f.Input)
			}
		}
		fmt.Fprintln(out, "Call Tree")
		fmt.Fprint(out, tracker.TreeWith(label))
	}

	if printUsage {
		fmt.Fprintln(out, "Opcode Usage")
		for addr, ops := range usage.Result().Report() {
			fmt.Fprintf(out, "  %s: %v\n", addr, ops)
		}
	}
	return nil
}
