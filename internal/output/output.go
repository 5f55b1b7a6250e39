package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tracediff/internal/config"
	"tracediff/internal/errors"
	"tracediff/pkg/models"
)

// Output 分析结果输出接口
type Output interface {
	WriteReport(report *models.AnalysisReport) error
	WriteDivergence(msg *DivergenceMessage) error
	Close() error
}

// Publish 输出报告，存在分歧时额外输出分歧消息
func Publish(out Output, report *models.AnalysisReport) error {
	if err := out.WriteReport(report); err != nil {
		return err
	}
	if msg := NewDivergenceMessage(report); msg != nil {
		return out.WriteDivergence(msg)
	}
	return nil
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	switch cfg.Format {
	case "kafka":
		return NewKafkaOutput(cfg.Kafka, logger)
	case "json":
		return NewFileOutput(cfg.Directory)
	case "none":
		return NopOutput{}, nil
	}
	return nil, errors.NewTraceError(errors.ErrorTypeConfig, errors.SeverityHigh, errors.CodeConfig,
		fmt.Sprintf("不支持的输出格式: %s", cfg.Format))
}

// FileOutput JSON Lines文件输出
type FileOutput struct {
	outputDir      string
	mu             sync.Mutex
	reportFile     *os.File
	divergenceFile *os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fileError(err, "创建输出目录失败")
	}

	timestamp := time.Now().Format("20060102_150405")

	reportFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("reports_%s.jsonl", timestamp)))
	if err != nil {
		return nil, fileError(err, "创建报告文件失败")
	}

	divergenceFile, err := os.Create(filepath.Join(outputPath, fmt.Sprintf("divergences_%s.jsonl", timestamp)))
	if err != nil {
		reportFile.Close()
		return nil, fileError(err, "创建分歧文件失败")
	}

	return &FileOutput{
		outputDir:      outputPath,
		reportFile:     reportFile,
		divergenceFile: divergenceFile,
	}, nil
}

// WriteReport 写入报告
func (o *FileOutput) WriteReport(report *models.AnalysisReport) error {
	if report == nil {
		return nil
	}
	return o.writeLine(o.reportFile, report)
}

// WriteDivergence 写入分歧消息
func (o *FileOutput) WriteDivergence(msg *DivergenceMessage) error {
	if msg == nil {
		return nil
	}
	return o.writeLine(o.divergenceFile, msg)
}

func (o *FileOutput) writeLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium, errors.CodeSerialization, "序列化输出数据失败")
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		return fileError(err, "写入输出文件失败")
	}
	if err := f.Sync(); err != nil {
		return fileError(err, "刷新输出文件失败")
	}
	return nil
}

// Files 当前输出文件路径
func (o *FileOutput) Files() []string {
	return []string{o.reportFile.Name(), o.divergenceFile.Name()}
}

// Close 关闭输出文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{o.reportFile, o.divergenceFile} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopOutput 丢弃所有输出
type NopOutput struct{}

func (NopOutput) WriteReport(*models.AnalysisReport) error { return nil }
func (NopOutput) WriteDivergence(*DivergenceMessage) error { return nil }
func (NopOutput) Close() error                             { return nil }

func fileError(err error, message string) error {
	return errors.WrapError(err, errors.ErrorTypeFileIO, errors.SeverityHigh, errors.CodeFileIO, message)
}
