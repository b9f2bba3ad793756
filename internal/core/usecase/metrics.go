package usecase

import (
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) RecordOperation(domain.OperationKind, bool)       {}
func (noopMetrics) RecordRetrieval(string, int, bool, time.Duration) {}
func (noopMetrics) RecordTurn(domain.TurnStatus)                     {}

func metricsOrNoop(m ports.MetricsRecorder) ports.MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
