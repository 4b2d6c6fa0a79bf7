package replay

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tapehub/tapehub/internal/ledger"
	"github.com/tapehub/tapehub/internal/logging"
	"github.com/tapehub/tapehub/internal/namespace"
)

// ActiveNamespace 返回当前活动命名空间。
func (e *Engine) ActiveNamespace() string {
	return e.registry.Active()
}

// Snapshot 返回各命名空间的实时统计。
func (e *Engine) Snapshot() []namespace.Report {
	return e.registry.Snapshot()
}

// SetNamespace 切换活动命名空间；参数非法时返回 ErrInvalidNamespace 且不修改状态。
func (e *Engine) SetNamespace(id string) (namespace.Confirmation, error) {
	conf, err := e.registry.Set(id)
	fields := logging.NamespaceFields("namespace_set", e.target, id)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Warn("namespace_set_rejected")
		return namespace.Confirmation{}, err
	}
	e.logger.WithFields(fields).Info(conf.Message)
	return conf, nil
}

// ResetNamespace 关闭当前命名空间并恢复默认命名空间，报告同时写入 ledger。
func (e *Engine) ResetNamespace(ctx context.Context) (namespace.Report, error) {
	report, err := e.registry.Reset()
	fields := logging.NamespaceFields("namespace_reset", e.target, report.Namespace)
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Error("namespace_reset_failed")
		return namespace.Report{}, err
	}

	addReportCounts(fields, report)
	e.logger.WithFields(fields).Info("namespace_reset")

	e.appendLedger(ctx, report, ledger.ClosedByReset)
	return report, nil
}

// Flush 为所有未经 reset 关闭但有记录的命名空间生成报告，通常在进程退出前调用。
func (e *Engine) Flush(ctx context.Context) []namespace.Report {
	var reports []namespace.Report
	for _, id := range e.registry.Pending() {
		report, err := e.registry.Close(id)
		fields := logging.NamespaceFields("namespace_flush", e.target, id)
		if err != nil {
			e.logger.WithFields(fields).WithError(err).Warn("namespace_flush_failed")
			continue
		}
		addReportCounts(fields, report)
		e.logger.WithFields(fields).Info("namespace_flush")

		e.appendLedger(ctx, report, ledger.ClosedByShutdown)
		reports = append(reports, report)
	}
	return reports
}

// addReportCounts 日志中只记录数量，完整列表见响应体与 ledger。
func addReportCounts(fields logrus.Fields, report namespace.Report) {
	fields["errors"] = len(report.Errors)
	fields["used"] = len(report.Used)
	fields["orphans"] = len(report.Orphans)
}

// appendLedger 写入失败只记录日志，不影响管理接口的响应。
func (e *Engine) appendLedger(ctx context.Context, report namespace.Report, closedBy string) {
	if e.ledger == nil {
		return
	}
	entry := &ledger.Entry{
		Target:    e.target,
		Namespace: report.Namespace,
		ClosedBy:  closedBy,
		Errors:    report.Errors,
		Used:      report.Used,
		Orphans:   report.Orphans,
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		e.logger.WithFields(logging.NamespaceFields("ledger_write", e.target, report.Namespace)).
			WithError(err).
			Warn("ledger_write_failed")
	}
}
