package analyzer

import (
	"context"

	"github.com/sirupsen/logrus"

	"tracediff/internal/output"
	"tracediff/internal/store"
	"tracediff/pkg/models"
)

// ReportSink 保存报告并输出，store或out为nil时跳过对应步骤
func ReportSink(st *store.Store, out output.Output, logger *logrus.Logger) Sink {
	return func(ctx context.Context, report *models.AnalysisReport) error {
		if st != nil {
			if err := st.Save(report); err != nil {
				return err
			}
		}
		if out != nil {
			if err := output.Publish(out, report); err != nil {
				// 输出失败不影响已保存的报告
				logger.WithError(err).WithField("case_id", report.CaseID).Error("报告输出失败")
			}
		}
		return nil
	}
}
